package posting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/store/memory"
)

// =============================================================================
// Helpers
// =============================================================================

const tenant = "tenant-a"

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func strPtr(v string) *string { return &v }

func inTx(t *testing.T, s *memory.Store, fn func(tx store.Tx) error) error {
	t.Helper()
	return s.WithinTx(context.Background(), fn)
}

type recordingInvalidator struct {
	mu      sync.Mutex
	tenants []string
	err     error
}

func (r *recordingInvalidator) InvalidateTenant(_ context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = append(r.tenants, tenantID)
	return r.err
}

func sumLegs(entry domain.JournalEntry) (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range entry.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}

func legFor(entry domain.JournalEntry, code string) (domain.LedgerEntry, bool) {
	for _, line := range entry.Lines {
		if line.AccountCode == code {
			return line, true
		}
	}
	return domain.LedgerEntry{}, false
}

// =============================================================================
// AccountRegistry
// =============================================================================

func TestAccountRegistryCreatesOnceAndMemoises(t *testing.T) {
	s := memory.New()
	var first, second domain.Account
	err := inTx(t, s, func(tx store.Tx) error {
		registry := NewAccountRegistry()
		var err error
		if first, err = registry.Resolve(context.Background(), tx, tenant, Cash); err != nil {
			return err
		}
		second, err = registry.Resolve(context.Background(), tx, tenant, Cash)
		return err
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.ID == "" || first.ID != second.ID {
		t.Fatalf("expected the same account twice, got %q and %q", first.ID, second.ID)
	}

	// A fresh registry in a new transaction finds the stored account.
	err = inTx(t, s, func(tx store.Tx) error {
		again, err := NewAccountRegistry().Resolve(context.Background(), tx, tenant, Cash)
		if err != nil {
			return err
		}
		if again.ID != first.ID {
			t.Fatalf("expected stored account %q, got %q", first.ID, again.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second tx: %v", err)
	}
	if got := len(s.Accounts(tenant)); got != 1 {
		t.Fatalf("expected 1 account, got %d", got)
	}
}

func TestAccountRegistryRejectsUnknownType(t *testing.T) {
	s := memory.New()
	err := inTx(t, s, func(tx store.Tx) error {
		_, err := NewAccountRegistry().Resolve(context.Background(), tx, tenant, AccountSpec{Code: "X-1", Type: "BOGUS"})
		return err
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAccountRegistryRejectsTypeMismatch(t *testing.T) {
	s := memory.New()
	err := inTx(t, s, func(tx store.Tx) error {
		_, err := tx.UpsertAccount(context.Background(), domain.Account{
			TenantID: tenant,
			Code:     Cash.Code,
			Name:     "Cash held for customers",
			Type:     domain.AccountTypeLiability,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	err = inTx(t, s, func(tx store.Tx) error {
		_, err := NewAccountRegistry().Resolve(context.Background(), tx, tenant, Cash)
		return err
	})
	var verr *store.ValidationError
	if !errors.As(err, &verr) || verr.Field != "account.type" {
		t.Fatalf("expected account.type validation error, got %v", err)
	}
}

// =============================================================================
// InventoryLedger
// =============================================================================

func TestInventoryApplyDeductsAndAppendsOneMovement(t *testing.T) {
	s := memory.New()
	s.SeedStock(tenant, "p1", "w1", dec("10"))
	ledger := NewInventoryLedger()

	err := inTx(t, s, func(tx store.Tx) error {
		rec, err := ledger.Apply(context.Background(), tx, MovementInput{
			TenantID: tenant, ProductID: "p1", WarehouseID: "w1",
			Delta: dec("-3"), Type: domain.MovementTypeSale, ReferenceID: "sale-1", OperatorID: "op",
		})
		if err != nil {
			return err
		}
		if !rec.Quantity.Equal(dec("7")) {
			t.Fatalf("expected 7 on hand, got %s", rec.Quantity)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	movements, _ := s.ListMovements(context.Background(), tenant, domain.MovementQuery{ProductID: "p1"})
	if len(movements) != 2 {
		t.Fatalf("expected seed + sale movement, got %d", len(movements))
	}
	if movements[0].Type != domain.MovementTypeSale || !movements[0].Quantity.Equal(dec("-3")) || movements[0].ReferenceID != "sale-1" {
		t.Fatalf("unexpected sale movement: %+v", movements[0])
	}
}

func TestInventoryApplyCreatesMissingRecord(t *testing.T) {
	s := memory.New()
	err := inTx(t, s, func(tx store.Tx) error {
		_, err := NewInventoryLedger().Apply(context.Background(), tx, MovementInput{
			TenantID: tenant, ProductID: "p-new", WarehouseID: "w1", Delta: dec("5"), Type: domain.MovementTypeReceipt,
		})
		return err
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	qty, ok := s.InventoryQuantity(tenant, "p-new", "w1")
	if !ok || !qty.Equal(dec("5")) {
		t.Fatalf("expected record with 5, got %s (exists=%t)", qty, ok)
	}
}

func TestInventoryApplyRejectsNegativeUnlessAllowed(t *testing.T) {
	s := memory.New()
	s.SeedStock(tenant, "p1", "w1", dec("2"))
	apply := func() error {
		return inTx(t, s, func(tx store.Tx) error {
			_, err := NewInventoryLedger().Apply(context.Background(), tx, MovementInput{
				TenantID: tenant, ProductID: "p1", WarehouseID: "w1", Delta: dec("-5"), Type: domain.MovementTypeSale,
			})
			return err
		})
	}

	err := apply()
	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.ProductID != "p1" || !stockErr.Available.Equal(dec("2")) || !stockErr.Requested.Equal(dec("5")) {
		t.Fatalf("unexpected error detail: %+v", stockErr)
	}

	s.SeedTenantSettings(domain.TenantSettings{TenantID: tenant, AllowNegativeStock: true})
	if err := apply(); err != nil {
		t.Fatalf("expected negative stock to be allowed, got %v", err)
	}
	qty, _ := s.InventoryQuantity(tenant, "p1", "w1")
	if !qty.Equal(dec("-3")) {
		t.Fatalf("expected -3 on hand, got %s", qty)
	}
}

func TestInventoryReconcileReplaysMovements(t *testing.T) {
	s := memory.New()
	s.SeedStock(tenant, "p1", "w1", dec("8"))
	s.ForceInventoryQuantity(tenant, "p1", "w1", dec("3"))

	var result domain.ReconcileResult
	err := inTx(t, s, func(tx store.Tx) error {
		var err error
		result, err = NewInventoryLedger().Reconcile(context.Background(), tx, tenant, "p1", "w1", "op")
		return err
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !result.Corrected || !result.Before.Equal(dec("3")) || !result.After.Equal(dec("8")) {
		t.Fatalf("unexpected result: %+v", result)
	}
	qty, _ := s.InventoryQuantity(tenant, "p1", "w1")
	if !qty.Equal(dec("8")) {
		t.Fatalf("expected 8 after reconcile, got %s", qty)
	}

	err = inTx(t, s, func(tx store.Tx) error {
		var err error
		result, err = NewInventoryLedger().Reconcile(context.Background(), tx, tenant, "p1", "w1", "op")
		return err
	})
	if err != nil || result.Corrected {
		t.Fatalf("expected no-op reconcile, got %+v err=%v", result, err)
	}
}

// =============================================================================
// LoyaltyAccrual
// =============================================================================

func TestLoyaltyAccrualScenario(t *testing.T) {
	s := memory.New()
	s.SeedLoyaltyMember(domain.LoyaltyMember{ID: "M1", TenantID: tenant, CustomerID: "C1", PointsBalance: 10, TotalSpend: dec("100"), VisitCount: 4})

	var result domain.LoyaltyResult
	err := inTx(t, s, func(tx store.Tx) error {
		var err error
		result, err = NewLoyaltyAccrual().Apply(context.Background(), tx, tenant, "M1", dec("2500"), 0)
		return err
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.PointsEarned != 25 {
		t.Fatalf("expected 25 points, got %d", result.PointsEarned)
	}
	member, _ := s.LoyaltyMember("M1")
	if member.PointsBalance != 35 || !member.TotalSpend.Equal(dec("2600")) || member.VisitCount != 5 {
		t.Fatalf("unexpected member state: %+v", member)
	}
}

func TestLoyaltyRedemptionAndTier(t *testing.T) {
	s := memory.New()
	s.SeedLoyaltyMember(domain.LoyaltyMember{ID: "M1", TenantID: tenant, PointsBalance: 50, TotalSpend: dec("999000"), Tier: domain.TierBronze})

	err := inTx(t, s, func(tx store.Tx) error {
		_, err := NewLoyaltyAccrual().Apply(context.Background(), tx, tenant, "M1", dec("1000"), 60)
		return err
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for over-redemption, got %v", err)
	}

	err = inTx(t, s, func(tx store.Tx) error {
		_, err := NewLoyaltyAccrual().Apply(context.Background(), tx, tenant, "M1", dec("1000"), 20)
		return err
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	member, _ := s.LoyaltyMember("M1")
	if member.PointsBalance != 40 {
		t.Fatalf("expected 50+10-20=40 points, got %d", member.PointsBalance)
	}
	if member.Tier != domain.TierSilver {
		t.Fatalf("expected SILVER tier at 1,000,000 spend, got %s", member.Tier)
	}
}

func TestLoyaltyMissingMemberIsNotFound(t *testing.T) {
	s := memory.New()
	err := inTx(t, s, func(tx store.Tx) error {
		_, err := NewLoyaltyAccrual().Apply(context.Background(), tx, tenant, "ghost", dec("100"), 0)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPointsFor(t *testing.T) {
	cases := map[string]int64{"0": 0, "99.99": 0, "100": 1, "2500": 25, "2599.5": 25, "-10": 0}
	for in, want := range cases {
		if got := PointsFor(dec(in)); got != want {
			t.Fatalf("PointsFor(%s) = %d, want %d", in, got, want)
		}
	}
}

// =============================================================================
// PaymentRouter
// =============================================================================

func TestPaymentRouterCreditsAccountAndAudits(t *testing.T) {
	s := memory.New()
	s.SeedBankAccount(domain.BankAccount{ID: "bank-1", TenantID: tenant, Balance: dec("-50"), Active: true})

	err := inTx(t, s, func(tx store.Tx) error {
		_, err := NewPaymentRouter().Apply(context.Background(), tx, tenant, "sale-1", domain.PaymentSplit{
			Method: domain.PaymentMethodTransfer, Amount: dec("30"), BankAccountID: strPtr("bank-1"),
		})
		return err
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	account, _ := s.BankAccount("bank-1")
	if !account.Balance.Equal(dec("-20")) {
		t.Fatalf("expected -20 balance, got %s", account.Balance)
	}
	txns := s.BankTransactions(tenant)
	if len(txns) != 1 || txns[0].SaleID != "sale-1" || !txns[0].Amount.Equal(dec("30")) {
		t.Fatalf("unexpected bank transactions: %+v", txns)
	}
}

func TestPaymentRouterUnknownOrInactiveAccount(t *testing.T) {
	s := memory.New()
	s.SeedBankAccount(domain.BankAccount{ID: "closed", TenantID: tenant, Active: false})

	for _, id := range []string{"missing", "closed"} {
		err := inTx(t, s, func(tx store.Tx) error {
			_, err := NewPaymentRouter().Apply(context.Background(), tx, tenant, "sale-1", domain.PaymentSplit{
				Method: domain.PaymentMethodCash, Amount: dec("10"), BankAccountID: strPtr(id),
			})
			return err
		})
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("%s: expected not found, got %v", id, err)
		}
	}
}

// =============================================================================
// DoubleEntryPoster
// =============================================================================

func newSale(method string, grandTotal string, items ...domain.SaleItem) domain.Sale {
	return domain.Sale{
		ID:            "sale-1",
		TenantID:      tenant,
		SaleNumber:    "S-20260101-000001",
		Source:        domain.SourcePOS,
		GrandTotal:    dec(grandTotal),
		PaymentMethod: method,
		CreatedAt:     time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		Items:         items,
	}
}

func postSale(t *testing.T, s *memory.Store, poster *DoubleEntryPoster, sale domain.Sale) (domain.JournalEntry, error) {
	t.Helper()
	var entry domain.JournalEntry
	err := inTx(t, s, func(tx store.Tx) error {
		var err error
		entry, err = poster.Post(context.Background(), tx, sale)
		return err
	})
	return entry, err
}

func TestPostCashSale(t *testing.T) {
	s := memory.New()
	reports := &recordingInvalidator{}
	entry, err := postSale(t, s, NewDoubleEntryPoster(reports, nil),
		newSale(domain.PaymentMethodCash, "1000", domain.SaleItem{ProductID: "p1", Quantity: dec("1"), Subtotal: dec("1000")}))
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	cash, ok := legFor(entry, Cash.Code)
	if !ok || !cash.Debit.Equal(dec("1000")) {
		t.Fatalf("expected cash debit 1000, got %+v", cash)
	}
	revenue, ok := legFor(entry, SalesRevenue.Code)
	if !ok || !revenue.Credit.Equal(dec("1000")) {
		t.Fatalf("expected revenue credit 1000, got %+v", revenue)
	}
	if _, ok := legFor(entry, CostOfGoodsSold.Code); ok {
		t.Fatalf("expected no COGS legs without cost prices")
	}
	if entry.Reference != "S-20260101-000001" || entry.SourceID != "sale-1" || entry.SourceModule != domain.SourcePOS {
		t.Fatalf("unexpected header: %+v", entry)
	}
	if _, ok := s.CustomerBalance(tenant, "C1"); ok {
		t.Fatalf("cash sale must not touch customer balances")
	}
	if len(reports.tenants) != 1 || reports.tenants[0] != tenant {
		t.Fatalf("expected one invalidation for %s, got %v", tenant, reports.tenants)
	}
}

func TestPostCreditSale(t *testing.T) {
	s := memory.New()
	sale := newSale(domain.PaymentMethodCredit, "500", domain.SaleItem{ProductID: "p1", Quantity: dec("1"), Subtotal: dec("500")})
	sale.CustomerID = strPtr("C1")

	entry, err := postSale(t, s, NewDoubleEntryPoster(nil, nil), sale)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	ar, ok := legFor(entry, AccountsReceivable.Code)
	if !ok || !ar.Debit.Equal(dec("500")) {
		t.Fatalf("expected AR debit 500, got %+v", ar)
	}
	if _, ok := legFor(entry, Cash.Code); ok {
		t.Fatalf("credit sale must not debit cash")
	}
	balance, ok := s.CustomerBalance(tenant, "C1")
	if !ok || !balance.Balance.Equal(dec("500")) {
		t.Fatalf("expected C1 balance 500, got %+v", balance)
	}
}

func TestPostComputesCOGSFromCostSnapshot(t *testing.T) {
	s := memory.New()
	sale := newSale(domain.PaymentMethodCash, "200",
		domain.SaleItem{ProductID: "p1", Quantity: dec("3"), Subtotal: dec("120"), CostPrice: dec("10")},
		domain.SaleItem{ProductID: "p2", Quantity: dec("5"), Subtotal: dec("80")},
	)
	entry, err := postSale(t, s, NewDoubleEntryPoster(nil, nil), sale)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	cogs, ok := legFor(entry, CostOfGoodsSold.Code)
	if !ok || !cogs.Debit.Equal(dec("30")) {
		t.Fatalf("expected COGS debit 30, got %+v", cogs)
	}
	inv, ok := legFor(entry, InventoryAsset.Code)
	if !ok || !inv.Credit.Equal(dec("30")) {
		t.Fatalf("expected inventory credit 30, got %+v", inv)
	}
	debit, credit := sumLegs(entry)
	if !debit.Equal(credit) {
		t.Fatalf("unbalanced entry: debit %s credit %s", debit, credit)
	}
}

func TestPostWithNothingToPostWritesNoEntry(t *testing.T) {
	s := memory.New()
	reports := &recordingInvalidator{}
	entry, err := postSale(t, s, NewDoubleEntryPoster(reports, nil),
		newSale(domain.PaymentMethodCash, "0", domain.SaleItem{ProductID: "p1", Quantity: dec("1")}))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if entry.ID != "" || len(entry.Lines) != 0 {
		t.Fatalf("expected no entry, got %+v", entry)
	}
	if n := len(s.JournalEntries(tenant)); n != 0 {
		t.Fatalf("expected no stored journal entries, got %d", n)
	}
	if len(reports.tenants) != 1 {
		t.Fatalf("expected reports to be invalidated for the sale, got %v", reports.tenants)
	}
}

func TestPostRoundsCOGSToCents(t *testing.T) {
	s := memory.New()
	poster := NewDoubleEntryPoster(nil, nil)

	tiny := newSale(domain.PaymentMethodCash, "1",
		domain.SaleItem{ProductID: "p1", Quantity: dec("1"), Subtotal: dec("1"), CostPrice: dec("0.004")})
	entry, err := postSale(t, s, poster, tiny)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, ok := legFor(entry, CostOfGoodsSold.Code); ok {
		t.Fatalf("expected a cost below half a cent to post no COGS legs, got %+v", entry.Lines)
	}

	half := newSale(domain.PaymentMethodCash, "1",
		domain.SaleItem{ProductID: "p1", Quantity: dec("1"), Subtotal: dec("1"), CostPrice: dec("0.125")})
	half.ID = "sale-2"
	entry, err = postSale(t, s, poster, half)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	cogs, ok := legFor(entry, CostOfGoodsSold.Code)
	if !ok || !cogs.Debit.Equal(dec("0.13")) {
		t.Fatalf("expected COGS debit 0.13, got %+v", cogs)
	}
	inv, ok := legFor(entry, InventoryAsset.Code)
	if !ok || !inv.Credit.Equal(dec("0.13")) {
		t.Fatalf("expected inventory credit 0.13, got %+v", inv)
	}
	for _, line := range entry.Lines {
		if !line.Debit.Equal(line.Debit.Round(2)) || !line.Credit.Equal(line.Credit.Round(2)) {
			t.Fatalf("line %s is not in cents: %+v", line.AccountCode, line)
		}
	}
}

func TestPostSkipsInvalidationOnRollback(t *testing.T) {
	s := memory.New()
	reports := &recordingInvalidator{}
	poster := NewDoubleEntryPoster(reports, nil)

	err := inTx(t, s, func(tx store.Tx) error {
		if _, err := poster.Post(context.Background(), tx, newSale(domain.PaymentMethodCash, "10")); err != nil {
			return err
		}
		return errors.New("later step failed")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(reports.tenants) != 0 {
		t.Fatalf("expected no invalidation, got %v", reports.tenants)
	}
	if len(s.JournalEntries(tenant)) != 0 {
		t.Fatalf("expected journal entry to be rolled back")
	}
}

func TestPostInvalidationFailureIsLoggedOnly(t *testing.T) {
	s := memory.New()
	logger, hook := test.NewNullLogger()
	reports := &recordingInvalidator{err: errors.New("redis down")}

	if _, err := postSale(t, s, NewDoubleEntryPoster(reports, logger), newSale(domain.PaymentMethodCash, "10")); err != nil {
		t.Fatalf("post: %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("expected a warning to be logged, got %+v", entry)
	}
}

func TestCheckBalanceGuard(t *testing.T) {
	entry := domain.JournalEntry{
		ID: "je-1",
		Lines: []domain.LedgerEntry{
			{AccountCode: Cash.Code, Debit: dec("100")},
			{AccountCode: SalesRevenue.Code, Credit: dec("99.99")},
		},
	}
	err := checkBalance(entry)
	var imbalance *store.LedgerImbalanceError
	if !errors.As(err, &imbalance) {
		t.Fatalf("expected LedgerImbalanceError, got %v", err)
	}
	if !imbalance.Debit.Equal(dec("100")) || !imbalance.Credit.Equal(dec("99.99")) {
		t.Fatalf("unexpected totals: %+v", imbalance)
	}

	entry.Lines[1].Credit = dec("100")
	if err := checkBalance(entry); err != nil {
		t.Fatalf("expected balanced entry, got %v", err)
	}
}
