package posting

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/xid"
)

// ReportInvalidator drops cached report aggregates for a tenant.
type ReportInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) error
}

type DoubleEntryPoster struct {
	reports ReportInvalidator
	logger  *logrus.Logger
	now     func() time.Time
}

func NewDoubleEntryPoster(reports ReportInvalidator, logger *logrus.Logger) *DoubleEntryPoster {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DoubleEntryPoster{
		reports: reports,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type leg struct {
	account AccountSpec
	debit   decimal.Decimal
	credit  decimal.Decimal
}

// Post writes the journal entry for a persisted sale:
//
//	Dr Cash or Accounts Receivable / Cr Sales Revenue   grand total
//	Dr Cost of Goods Sold / Cr Inventory Asset          Σ cost × qty
//
// Credit sales also raise the customer's receivable balance. A sale with
// nothing to post (zero total, no cost) writes no entry; the returned entry
// then has an empty ID.
func (p *DoubleEntryPoster) Post(ctx context.Context, tx store.Tx, sale domain.Sale) (domain.JournalEntry, error) {
	legs := make([]leg, 0, 4)

	if sale.GrandTotal.IsPositive() {
		debitSide := Cash
		if sale.PaymentMethod == domain.PaymentMethodCredit {
			debitSide = AccountsReceivable
		}
		legs = append(legs,
			leg{account: debitSide, debit: sale.GrandTotal},
			leg{account: SalesRevenue, credit: sale.GrandTotal},
		)
	}

	cogs := CostOfGoods(sale.Items).Round(2)
	if cogs.IsPositive() {
		legs = append(legs,
			leg{account: CostOfGoodsSold, debit: cogs},
			leg{account: InventoryAsset, credit: cogs},
		)
	}

	if len(legs) == 0 {
		p.invalidateOnCommit(tx, sale.TenantID)
		return domain.JournalEntry{}, nil
	}

	entry := domain.JournalEntry{
		ID:           xid.New(),
		TenantID:     sale.TenantID,
		Date:         store.DayStart(sale.CreatedAt),
		Reference:    sale.SaleNumber,
		Description:  "Sale " + sale.SaleNumber,
		SourceModule: sourceModule(sale.Source),
		SourceID:     sale.ID,
		Status:       domain.JournalStatusPosted,
		CreatedAt:    p.now(),
	}

	registry := NewAccountRegistry()
	entry.Lines = make([]domain.LedgerEntry, 0, len(legs))
	for _, l := range legs {
		account, err := registry.Resolve(ctx, tx, sale.TenantID, l.account)
		if err != nil {
			return domain.JournalEntry{}, fmt.Errorf("resolve account %s: %w", l.account.Code, err)
		}
		entry.Lines = append(entry.Lines, domain.LedgerEntry{
			ID:             xid.New(),
			JournalEntryID: entry.ID,
			AccountID:      account.ID,
			AccountCode:    account.Code,
			Debit:          l.debit,
			Credit:         l.credit,
		})
	}

	if err := checkBalance(entry); err != nil {
		p.logger.WithFields(logrus.Fields{
			"module":    "posting",
			"func":      "Post",
			"tenant_id": sale.TenantID,
			"sale_id":   sale.ID,
		}).WithError(err).Error("refusing to post unbalanced journal entry")
		return domain.JournalEntry{}, err
	}

	if err := tx.InsertJournalEntry(ctx, entry); err != nil {
		return domain.JournalEntry{}, fmt.Errorf("insert journal entry: %w", err)
	}

	if sale.PaymentMethod == domain.PaymentMethodCredit && sale.GrandTotal.IsPositive() {
		if sale.CustomerID == nil || *sale.CustomerID == "" {
			return domain.JournalEntry{}, store.Invalid("customer_id", "is required for credit sales")
		}
		if _, err := tx.AddCustomerBalance(ctx, sale.TenantID, *sale.CustomerID, sale.GrandTotal); err != nil {
			return domain.JournalEntry{}, fmt.Errorf("customer balance: %w", err)
		}
	}

	p.invalidateOnCommit(tx, sale.TenantID)
	return entry, nil
}

func (p *DoubleEntryPoster) invalidateOnCommit(tx store.Tx, tenantID string) {
	if p.reports == nil {
		return
	}
	tx.OnCommit(func(ctx context.Context) {
		if err := p.reports.InvalidateTenant(ctx, tenantID); err != nil {
			p.logger.WithFields(logrus.Fields{
				"module":    "posting",
				"func":      "Post",
				"tenant_id": tenantID,
			}).WithError(err).Warn("report cache invalidation failed")
		}
	})
}

// CostOfGoods sums cost × quantity over items that carry a cost. The result is
// exact; ledger amounts are rounded to cents by the caller.
func CostOfGoods(items []domain.SaleItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		if item.CostPrice.IsZero() {
			continue
		}
		total = total.Add(item.CostPrice.Mul(item.Quantity))
	}
	return total
}

func checkBalance(entry domain.JournalEntry) error {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range entry.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Equal(credit) {
		return &store.LedgerImbalanceError{JournalEntryID: entry.ID, Debit: debit, Credit: credit}
	}
	return nil
}

func sourceModule(source string) string {
	if source == domain.SourceMobile {
		return domain.SourceMobile
	}
	return domain.SourcePOS
}
