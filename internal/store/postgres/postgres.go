package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/uptrace/opentelemetry-go-extra/otelsql"
	"go.opentelemetry.io/otel/attribute"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

const lockTimeout = "5s"

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	sqlDB, err := otelsql.Open("pgx", databaseURL,
		otelsql.WithAttributes(attribute.String("db.system", "postgresql")),
	)
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(8)
	sqlDB.SetMaxOpenConns(30)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &Store{db: sqlx.NewDb(sqlDB, "pgx")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify("begin", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if _, err := sqlTx.ExecContext(ctx, `SET LOCAL lock_timeout = '`+lockTimeout+`'`); err != nil {
		return classify("set lock_timeout", err)
	}

	tx := &pgTx{tx: sqlTx}
	if err := fn(tx); err != nil {
		return classify("tx", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}

	for _, hook := range tx.hooks {
		hook(ctx)
	}
	return nil
}

// NextSaleSequence runs as its own autocommit statement. The counter row is
// locked only for the duration of the upsert, never across a sale commit.
func (s *Store) NextSaleSequence(ctx context.Context, tenantID string, day time.Time) (int64, error) {
	var seq int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO sale_sequences (tenant_id, day, last_seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, day)
		DO UPDATE SET last_seq = sale_sequences.last_seq + 1
		RETURNING last_seq
	`, tenantID, store.DayStart(day)).Scan(&seq)
	if err != nil {
		return 0, classify("next sale sequence", err)
	}
	return seq, nil
}

func (s *Store) FindSaleByID(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error) {
	return findSale(ctx, s.db, `tenant_id = $1 AND id = $2`, tenantID, saleID)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, tenantID string, key string) (*domain.Sale, error) {
	return findSale(ctx, s.db, `tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
}

func (s *Store) FindJournalEntry(ctx context.Context, tenantID string, journalEntryID string) (*domain.JournalEntry, error) {
	var row journalEntryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, date, reference, description, source_module, source_id, status, created_at
		FROM journal_entries
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, journalEntryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("journal entry", journalEntryID)
		}
		return nil, err
	}

	var lines []ledgerEntryRow
	if err := s.db.SelectContext(ctx, &lines, `
		SELECT le.id, le.journal_entry_id, le.account_id, a.code AS account_code, le.debit, le.credit
		FROM ledger_entries le
		JOIN accounts a ON a.id = le.account_id
		WHERE le.journal_entry_id = $1
		ORDER BY le.line_no
	`, journalEntryID); err != nil {
		return nil, err
	}

	entry := row.toDomain()
	entry.Lines = make([]domain.LedgerEntry, 0, len(lines))
	for _, line := range lines {
		entry.Lines = append(entry.Lines, domain.LedgerEntry(line))
	}
	return &entry, nil
}

func (s *Store) ListMovements(ctx context.Context, tenantID string, query domain.MovementQuery) ([]domain.InventoryMovement, error) {
	limit := query.Limit
	if limit < 1 {
		limit = 100
	}

	var rows []movementRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, product_id, warehouse_id, quantity, type,
		       COALESCE(reference_id, '') AS reference_id, COALESCE(operator_id, '') AS operator_id, created_at
		FROM inventory_movements
		WHERE tenant_id = $1
		  AND ($2 = '' OR product_id = $2)
		  AND ($3 = '' OR warehouse_id = $3)
		ORDER BY seq DESC
		LIMIT $4
	`, tenantID, query.ProductID, query.WarehouseID, limit)
	if err != nil {
		return nil, err
	}

	movements := make([]domain.InventoryMovement, 0, len(rows))
	for _, row := range rows {
		movements = append(movements, row.toDomain())
	}
	return movements, nil
}

func (s *Store) GetInventoryRecord(ctx context.Context, tenantID string, productID string, warehouseID string) (*domain.InventoryRecord, error) {
	var row inventoryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT tenant_id, product_id, warehouse_id, quantity, updated_at
		FROM inventory_records
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
	`, tenantID, productID, warehouseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("inventory record", productID+"@"+warehouseID)
		}
		return nil, err
	}
	rec := domain.InventoryRecord(row)
	return &rec, nil
}

type pgTx struct {
	tx    *sqlx.Tx
	hooks []func(ctx context.Context)
}

func (t *pgTx) OnCommit(fn func(ctx context.Context)) {
	t.hooks = append(t.hooks, fn)
}

func (t *pgTx) GetTenantSettings(ctx context.Context, tenantID string) (domain.TenantSettings, error) {
	settings := domain.TenantSettings{TenantID: tenantID}
	err := t.tx.QueryRowxContext(ctx, `
		SELECT allow_negative_stock FROM tenant_settings WHERE tenant_id = $1
	`, tenantID).Scan(&settings.AllowNegativeStock)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.TenantSettings{}, err
	}
	return settings, nil
}

func (t *pgTx) GetProductsByIDs(ctx context.Context, tenantID string, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	var rows []productRow
	if err := t.tx.SelectContext(ctx, &rows, `
		SELECT tenant_id, id, name, cost_price
		FROM products
		WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, productIDs); err != nil {
		return nil, err
	}
	for _, row := range rows {
		product := domain.Product{TenantID: row.TenantID, ID: row.ID, Name: row.Name}
		if row.CostPrice.Valid {
			cost := row.CostPrice.Decimal
			product.CostPrice = &cost
		}
		result[row.ID] = product
	}
	return result, nil
}

func (t *pgTx) FindSaleByIdempotency(ctx context.Context, tenantID string, key string) (*domain.Sale, error) {
	return findSale(ctx, t.tx, `tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	splits, err := json.Marshal(sale.PaymentSplits)
	if err != nil {
		return err
	}
	if sale.PaymentSplits == nil {
		splits = []byte("[]")
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, tenant_id, branch_id, terminal_id, operator_id, customer_id, loyalty_member_id,
			sale_number, source, subtotal, tax_total, discount_total, grand_total,
			total_paid, change_due, payment_method, payment_splits, status,
			points_earned, points_redeemed, idempotency_key, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		sale.ID, sale.TenantID, sale.BranchID, nullIfEmpty(sale.TerminalID), sale.OperatorID,
		sale.CustomerID, sale.LoyaltyMemberID, sale.SaleNumber, sale.Source,
		sale.Subtotal, sale.TaxTotal, sale.DiscountTotal, sale.GrandTotal,
		sale.TotalPaid, sale.ChangeDue, sale.PaymentMethod, splits, sale.Status,
		sale.PointsEarned, sale.PointsRedeemed, nullIfEmpty(sale.IdempotencyKey), sale.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateSale
		}
		return err
	}
	return nil
}

func (t *pgTx) InsertSaleItems(ctx context.Context, items []domain.SaleItem) error {
	for _, item := range items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (
				id, sale_id, product_id, warehouse_id, quantity, unit_price,
				tax_amount, discount_amount, subtotal, cost_price
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, item.ID, item.SaleID, item.ProductID, item.WarehouseID, item.Quantity, item.UnitPrice,
			item.TaxAmount, item.DiscountAmount, item.Subtotal, item.CostPrice)
		if err != nil {
			return fmt.Errorf("insert sale item %s: %w", item.ProductID, err)
		}
	}
	return nil
}

func (t *pgTx) SetSaleJournalEntry(ctx context.Context, tenantID string, saleID string, journalEntryID string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales SET journal_entry_id = $3 WHERE tenant_id = $1 AND id = $2
	`, tenantID, saleID, journalEntryID)
	if err != nil {
		return err
	}
	return requireAffected(res, "sale", saleID)
}

func (t *pgTx) LockInventoryRecord(ctx context.Context, tenantID string, productID string, warehouseID string) (domain.InventoryRecord, error) {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_records (tenant_id, product_id, warehouse_id, quantity, updated_at)
		VALUES ($1, $2, $3, 0, now())
		ON CONFLICT (tenant_id, product_id, warehouse_id) DO NOTHING
	`, tenantID, productID, warehouseID); err != nil {
		return domain.InventoryRecord{}, err
	}

	var row inventoryRow
	if err := t.tx.GetContext(ctx, &row, `
		SELECT tenant_id, product_id, warehouse_id, quantity, updated_at
		FROM inventory_records
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		FOR UPDATE
	`, tenantID, productID, warehouseID); err != nil {
		return domain.InventoryRecord{}, err
	}
	return domain.InventoryRecord(row), nil
}

func (t *pgTx) SetInventoryQuantity(ctx context.Context, record domain.InventoryRecord) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_records
		SET quantity = $4, updated_at = now()
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
	`, record.TenantID, record.ProductID, record.WarehouseID, record.Quantity)
	if err != nil {
		return err
	}
	return requireAffected(res, "inventory record", record.ProductID+"@"+record.WarehouseID)
}

func (t *pgTx) InsertMovement(ctx context.Context, movement domain.InventoryMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_movements (
			id, tenant_id, product_id, warehouse_id, quantity, type, reference_id, operator_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, movement.ID, movement.TenantID, movement.ProductID, movement.WarehouseID, movement.Quantity,
		movement.Type, nullIfEmpty(movement.ReferenceID), nullIfEmpty(movement.OperatorID), movement.CreatedAt)
	return err
}

func (t *pgTx) SumMovements(ctx context.Context, tenantID string, productID string, warehouseID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRowxContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM inventory_movements
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
	`, tenantID, productID, warehouseID).Scan(&total)
	return total, err
}

func (t *pgTx) GetLoyaltyMember(ctx context.Context, tenantID string, memberID string) (domain.LoyaltyMember, error) {
	var row loyaltyMemberRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT id, tenant_id, customer_id, points_balance, total_spend, visit_count, tier, status
		FROM loyalty_members
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, memberID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LoyaltyMember{}, store.NotFound("loyalty member", memberID)
		}
		return domain.LoyaltyMember{}, err
	}
	return domain.LoyaltyMember(row), nil
}

func (t *pgTx) AccrueLoyalty(ctx context.Context, tenantID string, memberID string, pointsDelta int64, spend decimal.Decimal, tier string) (domain.LoyaltyMember, error) {
	var row loyaltyMemberRow
	err := t.tx.GetContext(ctx, &row, `
		UPDATE loyalty_members
		SET points_balance = points_balance + $3,
		    total_spend = total_spend + $4,
		    visit_count = visit_count + 1,
		    tier = COALESCE(NULLIF($5, ''), tier)
		WHERE tenant_id = $1 AND id = $2
		RETURNING id, tenant_id, customer_id, points_balance, total_spend, visit_count, tier, status
	`, tenantID, memberID, pointsDelta, spend, tier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LoyaltyMember{}, store.NotFound("loyalty member", memberID)
		}
		return domain.LoyaltyMember{}, err
	}
	return domain.LoyaltyMember(row), nil
}

func (t *pgTx) AddBankAccountBalance(ctx context.Context, tenantID string, bankAccountID string, amount decimal.Decimal) (domain.BankAccount, error) {
	var row bankAccountRow
	err := t.tx.GetContext(ctx, &row, `
		UPDATE bank_accounts
		SET balance = balance + $3
		WHERE tenant_id = $1 AND id = $2 AND active = true
		RETURNING id, tenant_id, name, type, balance, active
	`, tenantID, bankAccountID, amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BankAccount{}, store.NotFound("bank account", bankAccountID)
		}
		return domain.BankAccount{}, err
	}
	return domain.BankAccount(row), nil
}

func (t *pgTx) InsertBankTransaction(ctx context.Context, txn domain.BankTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bank_transactions (id, tenant_id, bank_account_id, sale_id, method, amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, txn.ID, txn.TenantID, txn.BankAccountID, txn.SaleID, txn.Method, txn.Amount, txn.CreatedAt)
	return err
}

// UpsertAccount reads before it inserts. Existing accounts are shared by
// every sale of a tenant and must not be row-locked by the lookup.
func (t *pgTx) UpsertAccount(ctx context.Context, account domain.Account) (domain.Account, error) {
	const selectAccount = `
		SELECT id, tenant_id, code, name, type
		FROM accounts
		WHERE tenant_id = $1 AND code = $2
	`
	var row accountRow
	err := t.tx.GetContext(ctx, &row, selectAccount, account.TenantID, account.Code)
	if err == nil {
		return row.toDomain(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, err
	}

	if account.ID == "" {
		account.ID = newID()
	}
	err = t.tx.GetContext(ctx, &row, `
		INSERT INTO accounts (id, tenant_id, code, name, type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, code) DO NOTHING
		RETURNING id, tenant_id, code, name, type
	`, account.ID, account.TenantID, account.Code, account.Name, string(account.Type))
	if errors.Is(err, sql.ErrNoRows) {
		// Created by a concurrent transaction that has since committed.
		err = t.tx.GetContext(ctx, &row, selectAccount, account.TenantID, account.Code)
	}
	if err != nil {
		return domain.Account{}, err
	}
	return row.toDomain(), nil
}

func (t *pgTx) InsertJournalEntry(ctx context.Context, entry domain.JournalEntry) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO journal_entries (id, tenant_id, date, reference, description, source_module, source_id, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.TenantID, entry.Date, entry.Reference, entry.Description,
		entry.SourceModule, entry.SourceID, entry.Status, entry.CreatedAt); err != nil {
		return err
	}

	for i, line := range entry.Lines {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, journal_entry_id, account_id, debit, credit, line_no)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, line.ID, entry.ID, line.AccountID, line.Debit, line.Credit, i+1); err != nil {
			return fmt.Errorf("ledger line %d (%s): %w", i+1, line.AccountCode, err)
		}
	}
	return nil
}

func (t *pgTx) AddCustomerBalance(ctx context.Context, tenantID string, customerID string, amount decimal.Decimal) (domain.CustomerBalance, error) {
	var row customerBalanceRow
	err := t.tx.GetContext(ctx, &row, `
		INSERT INTO customer_balances (tenant_id, customer_id, balance, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, customer_id)
		DO UPDATE SET balance = customer_balances.balance + EXCLUDED.balance, updated_at = now()
		RETURNING tenant_id, customer_id, balance, updated_at
	`, tenantID, customerID, amount)
	if err != nil {
		return domain.CustomerBalance{}, err
	}
	return domain.CustomerBalance(row), nil
}

func (t *pgTx) FindBudget(ctx context.Context, tenantID string, customerID string, month time.Time) (*domain.Budget, error) {
	month = store.MonthStart(month)
	var row budgetRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT id, tenant_id, customer_id, month
		FROM budgets
		WHERE tenant_id = $1 AND customer_id = $2 AND month = $3
	`, tenantID, customerID, month)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("budget", customerID+"@"+month.Format("2006-01"))
		}
		return nil, err
	}

	var items []budgetItemRow
	if err := t.tx.SelectContext(ctx, &items, `
		SELECT id, budget_id, product_id, planned_amount, actual_amount
		FROM budget_items
		WHERE budget_id = $1
		ORDER BY id
	`, row.ID); err != nil {
		return nil, err
	}

	budget := domain.Budget{ID: row.ID, TenantID: row.TenantID, CustomerID: row.CustomerID, Month: row.Month.UTC()}
	budget.Items = make([]domain.BudgetItem, 0, len(items))
	for _, item := range items {
		budget.Items = append(budget.Items, domain.BudgetItem(item))
	}
	return &budget, nil
}

func (t *pgTx) AddBudgetItemActual(ctx context.Context, budgetItemID string, amount decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE budget_items SET actual_amount = actual_amount + $2 WHERE id = $1
	`, budgetItemID, amount)
	if err != nil {
		return err
	}
	return requireAffected(res, "budget item", budgetItemID)
}

func findSale(ctx context.Context, q sqlx.QueryerContext, where string, args ...any) (*domain.Sale, error) {
	var row saleRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT id, tenant_id, branch_id, COALESCE(terminal_id, '') AS terminal_id, operator_id,
		       customer_id, loyalty_member_id, sale_number, source, subtotal, tax_total,
		       discount_total, grand_total, total_paid, change_due, payment_method, payment_splits,
		       status, points_earned, points_redeemed, COALESCE(idempotency_key, '') AS idempotency_key,
		       COALESCE(journal_entry_id, '') AS journal_entry_id, created_at
		FROM sales
		WHERE `+where, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("sale", fmt.Sprint(args[len(args)-1]))
		}
		return nil, err
	}

	var items []saleItemRow
	if err := sqlx.SelectContext(ctx, q, &items, `
		SELECT id, sale_id, product_id, warehouse_id, quantity, unit_price,
		       tax_amount, discount_amount, subtotal, cost_price
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY product_id, warehouse_id
	`, row.ID); err != nil {
		return nil, err
	}

	sale, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	sale.Items = make([]domain.SaleItem, 0, len(items))
	for _, item := range items {
		sale.Items = append(sale.Items, domain.SaleItem(item))
	}
	return &sale, nil
}

// classify marks lock, serialization and connection failures as transient so
// the caller can retry the whole transaction.
func classify(op string, err error) error {
	if err == nil || errors.Is(err, store.ErrTransient) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "55P03", // lock_not_available
			pgErr.Code == "57014", // query_canceled
			strings.HasPrefix(pgErr.Code, "08"):
			return &store.TransientStoreError{Op: op, Err: err}
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		pgconn.Timeout(err) ||
		pgconn.SafeToRetry(err) {
		return &store.TransientStoreError{Op: op, Err: err}
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return &store.TransientStoreError{Op: op, Err: err}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func requireAffected(res sql.Result, entity string, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.NotFound(entity, id)
	}
	return nil
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
