package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"retailcore/backend/internal/domain"
)

// Repository is the persistence boundary of the sale pipeline. Every write
// happens through a Tx obtained from WithinTx.
type Repository interface {
	// WithinTx runs fn in one database transaction. The transaction commits
	// when fn returns nil and rolls back otherwise; hooks registered with
	// Tx.OnCommit run only after a successful commit.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// NextSaleSequence allocates the next sale number of a tenant for the
	// given day. It runs on its own, outside any open transaction, so the
	// counter is never held while a sale commits. Numbers drawn for sales
	// that later fail are not reused.
	NextSaleSequence(ctx context.Context, tenantID string, day time.Time) (int64, error)

	FindSaleByID(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, tenantID string, key string) (*domain.Sale, error)
	FindJournalEntry(ctx context.Context, tenantID string, journalEntryID string) (*domain.JournalEntry, error)
	ListMovements(ctx context.Context, tenantID string, query domain.MovementQuery) ([]domain.InventoryMovement, error)
	GetInventoryRecord(ctx context.Context, tenantID string, productID string, warehouseID string) (*domain.InventoryRecord, error)
}

// Tx is the set of statements available inside a sale-commit transaction.
type Tx interface {
	OnCommit(fn func(ctx context.Context))

	GetTenantSettings(ctx context.Context, tenantID string) (domain.TenantSettings, error)
	GetProductsByIDs(ctx context.Context, tenantID string, productIDs []string) (map[string]domain.Product, error)

	FindSaleByIdempotency(ctx context.Context, tenantID string, key string) (*domain.Sale, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	InsertSaleItems(ctx context.Context, items []domain.SaleItem) error
	SetSaleJournalEntry(ctx context.Context, tenantID string, saleID string, journalEntryID string) error

	// LockInventoryRecord returns the record for update, creating it with a
	// zero quantity when it does not exist yet.
	LockInventoryRecord(ctx context.Context, tenantID string, productID string, warehouseID string) (domain.InventoryRecord, error)
	SetInventoryQuantity(ctx context.Context, record domain.InventoryRecord) error
	InsertMovement(ctx context.Context, movement domain.InventoryMovement) error
	SumMovements(ctx context.Context, tenantID string, productID string, warehouseID string) (decimal.Decimal, error)

	GetLoyaltyMember(ctx context.Context, tenantID string, memberID string) (domain.LoyaltyMember, error)
	AccrueLoyalty(ctx context.Context, tenantID string, memberID string, pointsDelta int64, spend decimal.Decimal, tier string) (domain.LoyaltyMember, error)

	AddBankAccountBalance(ctx context.Context, tenantID string, bankAccountID string, amount decimal.Decimal) (domain.BankAccount, error)
	InsertBankTransaction(ctx context.Context, txn domain.BankTransaction) error

	UpsertAccount(ctx context.Context, account domain.Account) (domain.Account, error)
	InsertJournalEntry(ctx context.Context, entry domain.JournalEntry) error
	AddCustomerBalance(ctx context.Context, tenantID string, customerID string, amount decimal.Decimal) (domain.CustomerBalance, error)

	FindBudget(ctx context.Context, tenantID string, customerID string, month time.Time) (*domain.Budget, error)
	AddBudgetItemActual(ctx context.Context, budgetItemID string, amount decimal.Decimal) error
}

// MonthStart truncates t to the first day of its month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
