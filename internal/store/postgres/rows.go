package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/xid"
)

// Row types mirror the domain structs field for field so they convert
// directly; they exist to carry db tags.

type saleRow struct {
	ID              string          `db:"id"`
	TenantID        string          `db:"tenant_id"`
	BranchID        string          `db:"branch_id"`
	TerminalID      string          `db:"terminal_id"`
	OperatorID      string          `db:"operator_id"`
	CustomerID      *string         `db:"customer_id"`
	LoyaltyMemberID *string         `db:"loyalty_member_id"`
	SaleNumber      string          `db:"sale_number"`
	Source          string          `db:"source"`
	Subtotal        decimal.Decimal `db:"subtotal"`
	TaxTotal        decimal.Decimal `db:"tax_total"`
	DiscountTotal   decimal.Decimal `db:"discount_total"`
	GrandTotal      decimal.Decimal `db:"grand_total"`
	TotalPaid       decimal.Decimal `db:"total_paid"`
	ChangeDue       decimal.Decimal `db:"change_due"`
	PaymentMethod   string          `db:"payment_method"`
	PaymentSplits   []byte          `db:"payment_splits"`
	Status          string          `db:"status"`
	PointsEarned    int64           `db:"points_earned"`
	PointsRedeemed  int64           `db:"points_redeemed"`
	IdempotencyKey  string          `db:"idempotency_key"`
	JournalEntryID  string          `db:"journal_entry_id"`
	CreatedAt       time.Time       `db:"created_at"`
}

func (r saleRow) toDomain() (domain.Sale, error) {
	var splits []domain.PaymentSplit
	if len(r.PaymentSplits) > 0 {
		if err := json.Unmarshal(r.PaymentSplits, &splits); err != nil {
			return domain.Sale{}, fmt.Errorf("decode payment splits of sale %s: %w", r.ID, err)
		}
	}
	return domain.Sale{
		ID:              r.ID,
		TenantID:        r.TenantID,
		BranchID:        r.BranchID,
		TerminalID:      r.TerminalID,
		OperatorID:      r.OperatorID,
		CustomerID:      r.CustomerID,
		LoyaltyMemberID: r.LoyaltyMemberID,
		SaleNumber:      r.SaleNumber,
		Source:          r.Source,
		Subtotal:        r.Subtotal,
		TaxTotal:        r.TaxTotal,
		DiscountTotal:   r.DiscountTotal,
		GrandTotal:      r.GrandTotal,
		TotalPaid:       r.TotalPaid,
		ChangeDue:       r.ChangeDue,
		PaymentMethod:   r.PaymentMethod,
		PaymentSplits:   splits,
		Status:          r.Status,
		PointsEarned:    r.PointsEarned,
		PointsRedeemed:  r.PointsRedeemed,
		IdempotencyKey:  r.IdempotencyKey,
		JournalEntryID:  r.JournalEntryID,
		CreatedAt:       r.CreatedAt.UTC(),
	}, nil
}

type saleItemRow struct {
	ID             string          `db:"id"`
	SaleID         string          `db:"sale_id"`
	ProductID      string          `db:"product_id"`
	WarehouseID    string          `db:"warehouse_id"`
	Quantity       decimal.Decimal `db:"quantity"`
	UnitPrice      decimal.Decimal `db:"unit_price"`
	TaxAmount      decimal.Decimal `db:"tax_amount"`
	DiscountAmount decimal.Decimal `db:"discount_amount"`
	Subtotal       decimal.Decimal `db:"subtotal"`
	CostPrice      decimal.Decimal `db:"cost_price"`
}

type productRow struct {
	TenantID  string              `db:"tenant_id"`
	ID        string              `db:"id"`
	Name      string              `db:"name"`
	CostPrice decimal.NullDecimal `db:"cost_price"`
}

type inventoryRow struct {
	TenantID    string          `db:"tenant_id"`
	ProductID   string          `db:"product_id"`
	WarehouseID string          `db:"warehouse_id"`
	Quantity    decimal.Decimal `db:"quantity"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

type movementRow struct {
	ID          string          `db:"id"`
	TenantID    string          `db:"tenant_id"`
	ProductID   string          `db:"product_id"`
	WarehouseID string          `db:"warehouse_id"`
	Quantity    decimal.Decimal `db:"quantity"`
	Type        string          `db:"type"`
	ReferenceID string          `db:"reference_id"`
	OperatorID  string          `db:"operator_id"`
	CreatedAt   time.Time       `db:"created_at"`
}

func (r movementRow) toDomain() domain.InventoryMovement {
	mv := domain.InventoryMovement(r)
	mv.CreatedAt = mv.CreatedAt.UTC()
	return mv
}

type loyaltyMemberRow struct {
	ID            string          `db:"id"`
	TenantID      string          `db:"tenant_id"`
	CustomerID    string          `db:"customer_id"`
	PointsBalance int64           `db:"points_balance"`
	TotalSpend    decimal.Decimal `db:"total_spend"`
	VisitCount    int64           `db:"visit_count"`
	Tier          string          `db:"tier"`
	Status        string          `db:"status"`
}

type bankAccountRow struct {
	ID       string          `db:"id"`
	TenantID string          `db:"tenant_id"`
	Name     string          `db:"name"`
	Type     string          `db:"type"`
	Balance  decimal.Decimal `db:"balance"`
	Active   bool            `db:"active"`
}

type accountRow struct {
	ID       string `db:"id"`
	TenantID string `db:"tenant_id"`
	Code     string `db:"code"`
	Name     string `db:"name"`
	Type     string `db:"type"`
}

func (r accountRow) toDomain() domain.Account {
	return domain.Account{ID: r.ID, TenantID: r.TenantID, Code: r.Code, Name: r.Name, Type: domain.AccountType(r.Type)}
}

type journalEntryRow struct {
	ID           string    `db:"id"`
	TenantID     string    `db:"tenant_id"`
	Date         time.Time `db:"date"`
	Reference    string    `db:"reference"`
	Description  string    `db:"description"`
	SourceModule string    `db:"source_module"`
	SourceID     string    `db:"source_id"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r journalEntryRow) toDomain() domain.JournalEntry {
	return domain.JournalEntry{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Date:         r.Date.UTC(),
		Reference:    r.Reference,
		Description:  r.Description,
		SourceModule: r.SourceModule,
		SourceID:     r.SourceID,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

type ledgerEntryRow struct {
	ID             string          `db:"id"`
	JournalEntryID string          `db:"journal_entry_id"`
	AccountID      string          `db:"account_id"`
	AccountCode    string          `db:"account_code"`
	Debit          decimal.Decimal `db:"debit"`
	Credit         decimal.Decimal `db:"credit"`
}

type customerBalanceRow struct {
	TenantID   string          `db:"tenant_id"`
	CustomerID string          `db:"customer_id"`
	Balance    decimal.Decimal `db:"balance"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

type budgetRow struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	CustomerID string    `db:"customer_id"`
	Month      time.Time `db:"month"`
}

type budgetItemRow struct {
	ID            string          `db:"id"`
	BudgetID      string          `db:"budget_id"`
	ProductID     string          `db:"product_id"`
	PlannedAmount decimal.Decimal `db:"planned_amount"`
	ActualAmount  decimal.Decimal `db:"actual_amount"`
}

func newID() string {
	return xid.New()
}
