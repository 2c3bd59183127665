//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"retailcore/backend/internal/budget"
	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/service"
	"retailcore/backend/internal/store"
	pgstore "retailcore/backend/internal/store/postgres"
)

const tenant = "tenant-it"

func setupPostgres(t *testing.T) (*pgstore.Store, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("retail_test"),
		tcpostgres.WithUsername("retail"),
		tcpostgres.WithPassword("retail"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	if err := pgstore.Migrate(connStr); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Applying twice is a no-op.
	if err := pgstore.Migrate(connStr); err != nil {
		t.Fatalf("migrate again: %v", err)
	}

	repo, err := pgstore.New(ctx, connStr)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	raw, err := sql.Open("pgx", connStr)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })

	seed(t, raw)
	return repo, raw
}

func seed(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO products (tenant_id, id, name, cost_price) VALUES ('tenant-it', 'soap', 'Soap', 10), ('tenant-it', 'bag', 'Bag', NULL)`,
		`INSERT INTO inventory_records (tenant_id, product_id, warehouse_id, quantity) VALUES ('tenant-it', 'soap', 'wh', 10), ('tenant-it', 'bag', 'wh', 100)`,
		`INSERT INTO inventory_movements (id, tenant_id, product_id, warehouse_id, quantity, type, created_at) VALUES
			('mv-seed-1', 'tenant-it', 'soap', 'wh', 10, 'RECEIPT', now()),
			('mv-seed-2', 'tenant-it', 'bag', 'wh', 100, 'RECEIPT', now())`,
		`INSERT INTO bank_accounts (id, tenant_id, name, type) VALUES ('till', 'tenant-it', 'Till', 'CASH')`,
		`INSERT INTO loyalty_members (id, tenant_id, customer_id, points_balance) VALUES ('M1', 'tenant-it', 'C1', 10)`,
		`INSERT INTO budgets (id, tenant_id, customer_id, month) VALUES ('b1', 'tenant-it', 'C1', date_trunc('month', now() AT TIME ZONE 'UTC')::date)`,
		`INSERT INTO budget_items (id, budget_id, product_id, planned_amount) VALUES ('b1-soap', 'b1', 'soap', 1000)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func strPtr(v string) *string { return &v }

func newOrchestrator(repo store.Repository, updater service.BudgetUpdater) *service.SaleOrchestrator {
	logger, _ := test.NewNullLogger()
	return service.NewSaleOrchestrator(repo, service.Options{
		Logger:        logger,
		Budget:        updater,
		RetryInterval: 10 * time.Millisecond,
		MaxAttempts:   5,
	})
}

func soapSale(qty string) domain.SaleRequest {
	q := dec(qty)
	total := q.Mul(dec("20"))
	return domain.SaleRequest{
		BranchID:      "branch",
		WarehouseID:   "wh",
		OperatorID:    "cashier",
		Items:         []domain.SaleItemRequest{{ProductID: "soap", Quantity: q, UnitPrice: dec("20"), Subtotal: total}},
		GrandTotal:    total,
		PaymentMethod: domain.PaymentMethodCash,
		PaymentSplits: []domain.PaymentSplit{{Method: domain.PaymentMethodCash, Amount: total, BankAccountID: strPtr("till")}},
	}
}

func TestPostgresCommitPipeline(t *testing.T) {
	repo, raw := setupPostgres(t)
	svc := newOrchestrator(repo, budget.NewUpdater(repo))
	ctx := context.Background()

	req := domain.SaleRequest{
		BranchID:        "branch",
		WarehouseID:     "wh",
		OperatorID:      "cashier",
		CustomerID:      strPtr("C1"),
		LoyaltyMemberID: strPtr("M1"),
		Items: []domain.SaleItemRequest{
			{ProductID: "soap", Quantity: dec("3"), UnitPrice: dec("500"), Subtotal: dec("1500")},
			{ProductID: "bag", Quantity: dec("5"), UnitPrice: dec("200"), Subtotal: dec("1000")},
		},
		GrandTotal:     dec("2500"),
		PaymentMethod:  domain.PaymentMethodCredit,
		IdempotencyKey: "it-1",
	}

	res, err := svc.Commit(ctx, tenant, req)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	replay, err := svc.Commit(ctx, tenant, req)
	if err != nil || !replay.Duplicate || replay.Sale.ID != res.Sale.ID {
		t.Fatalf("expected idempotent replay, got %+v err=%v", replay, err)
	}

	entry, err := svc.GetJournalEntry(ctx, tenant, res.Sale.JournalEntryID)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	debit, credit, cogs := decimal.Zero, decimal.Zero, decimal.Zero
	for _, line := range entry.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
		if line.AccountCode == "EXP-500" {
			cogs = line.Debit
		}
	}
	if !debit.Equal(credit) || !debit.Equal(dec("2530")) {
		t.Fatalf("expected balanced entry of 2530, got debit %s credit %s", debit, credit)
	}
	if !cogs.Equal(dec("30")) {
		t.Fatalf("expected COGS 30, got %s", cogs)
	}

	var points int64
	var balance decimal.Decimal
	if err := raw.QueryRow(`SELECT points_balance FROM loyalty_members WHERE id = 'M1'`).Scan(&points); err != nil {
		t.Fatalf("read member: %v", err)
	}
	if err := raw.QueryRow(`SELECT balance FROM customer_balances WHERE tenant_id = $1 AND customer_id = 'C1'`, tenant).Scan(&balance); err != nil {
		t.Fatalf("read customer balance: %v", err)
	}
	if points != 35 || !balance.Equal(dec("2500")) {
		t.Fatalf("expected 35 points and balance 2500, got %d and %s", points, balance)
	}

	var actual decimal.Decimal
	if err := raw.QueryRow(`SELECT actual_amount FROM budget_items WHERE id = 'b1-soap'`).Scan(&actual); err != nil {
		t.Fatalf("read budget item: %v", err)
	}
	if !actual.Equal(dec("1500")) {
		t.Fatalf("expected budget actual 1500, got %s", actual)
	}

	movements, err := svc.ListMovements(ctx, tenant, domain.MovementQuery{ProductID: "soap", WarehouseID: "wh"})
	if err != nil {
		t.Fatalf("movements: %v", err)
	}
	if len(movements) != 2 || !movements[0].Quantity.Equal(dec("-3")) {
		t.Fatalf("expected newest movement -3 of 2, got %+v", movements)
	}
}

func TestPostgresInsufficientStockRollsBack(t *testing.T) {
	repo, raw := setupPostgres(t)
	svc := newOrchestrator(repo, nil)

	_, err := svc.Commit(context.Background(), tenant, soapSale("11"))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	var sales, entries int
	var till decimal.Decimal
	_ = raw.QueryRow(`SELECT count(*) FROM sales`).Scan(&sales)
	_ = raw.QueryRow(`SELECT count(*) FROM journal_entries`).Scan(&entries)
	_ = raw.QueryRow(`SELECT balance FROM bank_accounts WHERE id = 'till'`).Scan(&till)
	if sales != 0 || entries != 0 || !till.IsZero() {
		t.Fatalf("expected full rollback, got sales=%d entries=%d till=%s", sales, entries, till)
	}
}

func TestPostgresConcurrentSalesNeverOversell(t *testing.T) {
	repo, raw := setupPostgres(t)
	svc := newOrchestrator(repo, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold := 0
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Commit(context.Background(), tenant, soapSale("1"))
			if err != nil && !errors.Is(err, store.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				sold++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	var onHand decimal.Decimal
	if err := raw.QueryRow(`SELECT quantity FROM inventory_records WHERE product_id = 'soap'`).Scan(&onHand); err != nil {
		t.Fatalf("read stock: %v", err)
	}
	if sold != 10 || !onHand.IsZero() {
		t.Fatalf("expected 10 sold and 0 on hand, got %d and %s", sold, onHand)
	}

	var numbers int
	_ = raw.QueryRow(`SELECT count(DISTINCT sale_number) FROM sales`).Scan(&numbers)
	if numbers != sold {
		t.Fatalf("expected %d distinct sale numbers, got %d", sold, numbers)
	}
}

func TestPostgresReconcile(t *testing.T) {
	repo, raw := setupPostgres(t)
	svc := newOrchestrator(repo, nil)

	if _, err := raw.Exec(`UPDATE inventory_records SET quantity = 99 WHERE product_id = 'bag'`); err != nil {
		t.Fatalf("corrupt record: %v", err)
	}
	res, err := svc.Reconcile(context.Background(), tenant, "auditor", domain.ReconcileRequest{ProductID: "bag", WarehouseID: "wh"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Corrected || !res.After.Equal(dec("100")) {
		t.Fatalf("unexpected reconcile result: %+v", res)
	}
}

// holdingRepo keeps its first transaction open after the work is done until
// release is closed, so the locks of an in-flight sale stay held.
type holdingRepo struct {
	*pgstore.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *holdingRepo) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return h.Store.WithinTx(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		h.once.Do(func() {
			close(h.entered)
			<-h.release
		})
		return nil
	})
}

func TestPostgresSalesOnDisjointProductsDoNotWait(t *testing.T) {
	repo, raw := setupPostgres(t)
	held := &holdingRepo{Store: repo, entered: make(chan struct{}), release: make(chan struct{})}
	slow := newOrchestrator(held, nil)

	logger, _ := test.NewNullLogger()
	fast := service.NewSaleOrchestrator(repo, service.Options{
		Logger:        logger,
		CommitTimeout: 3 * time.Second,
		MaxAttempts:   1,
	})

	if _, err := raw.Exec(`INSERT INTO bank_accounts (id, tenant_id, name, type) VALUES ('bag-till', 'tenant-it', 'Bag Till', 'CASH')`); err != nil {
		t.Fatalf("seed till: %v", err)
	}
	bag := domain.SaleRequest{
		BranchID:      "branch",
		WarehouseID:   "wh",
		OperatorID:    "cashier",
		Items:         []domain.SaleItemRequest{{ProductID: "bag", Quantity: dec("1"), UnitPrice: dec("5"), Subtotal: dec("5")}},
		GrandTotal:    dec("5"),
		PaymentMethod: domain.PaymentMethodCash,
		PaymentSplits: []domain.PaymentSplit{{Method: domain.PaymentMethodCash, Amount: dec("5"), BankAccountID: strPtr("bag-till")}},
	}
	// The first sale of a tenant creates its chart of accounts.
	if _, err := fast.Commit(context.Background(), tenant, bag); err != nil {
		t.Fatalf("warm-up sale: %v", err)
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := slow.Commit(context.Background(), tenant, soapSale("1"))
		slowDone <- err
	}()
	select {
	case <-held.entered:
	case <-time.After(10 * time.Second):
		t.Fatalf("first sale never reached its commit point")
	}

	started := time.Now()
	res, err := fast.Commit(context.Background(), tenant, bag)
	elapsed := time.Since(started)
	close(held.release)

	if err != nil {
		t.Fatalf("sale on another product waited on the open sale: %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("sale on another product took %s while another sale was open", elapsed)
	}
	if err := <-slowDone; err != nil {
		t.Fatalf("held sale: %v", err)
	}
	if !regexp.MustCompile(`-000003$`).MatchString(res.Sale.SaleNumber) {
		t.Fatalf("expected the third drawn number, got %s", res.Sale.SaleNumber)
	}
}
