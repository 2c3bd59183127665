package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	TenantID   string
	OperatorID string
	Role       string
}

type PaymentSplit struct {
	Method        string          `json:"method" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	BankAccountID *string         `json:"bank_account_id,omitempty"`
	Reference     string          `json:"reference,omitempty"`
}

type SaleItemRequest struct {
	ProductID      string          `json:"product_id" validate:"required"`
	WarehouseID    string          `json:"warehouse_id,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Subtotal       decimal.Decimal `json:"subtotal"`
}

// SaleRequest is the payload of a sale commit. Totals are computed by the
// terminal; the pipeline only checks that they are consistent.
type SaleRequest struct {
	BranchID        string            `json:"branch_id" validate:"required"`
	TerminalID      string            `json:"terminal_id"`
	WarehouseID     string            `json:"warehouse_id,omitempty"`
	OperatorID      string            `json:"operator_id"`
	CustomerID      *string           `json:"customer_id,omitempty"`
	LoyaltyMemberID *string           `json:"loyalty_member_id,omitempty"`
	Source          string            `json:"source,omitempty" validate:"omitempty,oneof=POS MOBILE"`
	Items           []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
	TaxTotal        decimal.Decimal   `json:"tax_total"`
	DiscountTotal   decimal.Decimal   `json:"discount_total"`
	GrandTotal      decimal.Decimal   `json:"grand_total"`
	PaymentMethod   string            `json:"payment_method" validate:"required"`
	PaymentSplits   []PaymentSplit    `json:"payment_splits,omitempty" validate:"dive"`
	PointsRedeemed  int64             `json:"points_redeemed,omitempty" validate:"gte=0"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty" validate:"max=128"`
}

type Sale struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	BranchID        string          `json:"branch_id"`
	TerminalID      string          `json:"terminal_id,omitempty"`
	OperatorID      string          `json:"operator_id"`
	CustomerID      *string         `json:"customer_id,omitempty"`
	LoyaltyMemberID *string         `json:"loyalty_member_id,omitempty"`
	SaleNumber      string          `json:"sale_number"`
	Source          string          `json:"source"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxTotal        decimal.Decimal `json:"tax_total"`
	DiscountTotal   decimal.Decimal `json:"discount_total"`
	GrandTotal      decimal.Decimal `json:"grand_total"`
	TotalPaid       decimal.Decimal `json:"total_paid"`
	ChangeDue       decimal.Decimal `json:"change_due"`
	PaymentMethod   string          `json:"payment_method"`
	PaymentSplits   []PaymentSplit  `json:"payment_splits,omitempty"`
	Status          string          `json:"status"`
	PointsEarned    int64           `json:"points_earned"`
	PointsRedeemed  int64           `json:"points_redeemed"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	JournalEntryID  string          `json:"journal_entry_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	Items           []SaleItem      `json:"items"`
}

type SaleItem struct {
	ID             string          `json:"id"`
	SaleID         string          `json:"sale_id"`
	ProductID      string          `json:"product_id"`
	WarehouseID    string          `json:"warehouse_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	// CostPrice is the product cost captured when the sale was committed.
	CostPrice decimal.Decimal `json:"cost_price"`
}

type CommitResult struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type SaleLookupResponse struct {
	Found bool  `json:"found"`
	Sale  *Sale `json:"sale,omitempty"`
}

type Product struct {
	TenantID  string           `json:"tenant_id"`
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	CostPrice *decimal.Decimal `json:"cost_price,omitempty"`
}

type TenantSettings struct {
	TenantID           string `json:"tenant_id"`
	AllowNegativeStock bool   `json:"allow_negative_stock"`
}

type InventoryRecord struct {
	TenantID    string          `json:"tenant_id"`
	ProductID   string          `json:"product_id"`
	WarehouseID string          `json:"warehouse_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type InventoryMovement struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	ProductID   string          `json:"product_id"`
	WarehouseID string          `json:"warehouse_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Type        string          `json:"type"`
	ReferenceID string          `json:"reference_id"`
	OperatorID  string          `json:"operator_id"`
	CreatedAt   time.Time       `json:"created_at"`
}

type MovementQuery struct {
	ProductID   string
	WarehouseID string
	Limit       int
}

type ReconcileRequest struct {
	ProductID   string `json:"product_id" validate:"required"`
	WarehouseID string `json:"warehouse_id" validate:"required"`
}

type ReconcileResult struct {
	ProductID   string          `json:"product_id"`
	WarehouseID string          `json:"warehouse_id"`
	Before      decimal.Decimal `json:"before"`
	After       decimal.Decimal `json:"after"`
	Corrected   bool            `json:"corrected"`
}

type LoyaltyMember struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	CustomerID    string          `json:"customer_id"`
	PointsBalance int64           `json:"points_balance"`
	TotalSpend    decimal.Decimal `json:"total_spend"`
	VisitCount    int64           `json:"visit_count"`
	Tier          string          `json:"tier"`
	Status        string          `json:"status"`
}

type LoyaltyResult struct {
	Member         LoyaltyMember `json:"member"`
	PointsEarned   int64         `json:"points_earned"`
	PointsRedeemed int64         `json:"points_redeemed"`
}

type BankAccount struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Balance  decimal.Decimal `json:"balance"`
	Active   bool            `json:"active"`
}

type BankTransaction struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	BankAccountID string          `json:"bank_account_id"`
	SaleID        string          `json:"sale_id"`
	Method        string          `json:"method"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeIncome    AccountType = "INCOME"
	AccountTypeExpense   AccountType = "EXPENSE"
	AccountTypeEquity    AccountType = "EQUITY"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeIncome, AccountTypeExpense, AccountTypeEquity:
		return true
	}
	return false
}

type Account struct {
	ID       string      `json:"id"`
	TenantID string      `json:"tenant_id"`
	Code     string      `json:"code"`
	Name     string      `json:"name"`
	Type     AccountType `json:"type"`
}

type JournalEntry struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	Date         time.Time     `json:"date"`
	Reference    string        `json:"reference"`
	Description  string        `json:"description"`
	SourceModule string        `json:"source_module"`
	SourceID     string        `json:"source_id"`
	Status       string        `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	Lines        []LedgerEntry `json:"lines"`
}

type LedgerEntry struct {
	ID             string          `json:"id"`
	JournalEntryID string          `json:"journal_entry_id"`
	AccountID      string          `json:"account_id"`
	AccountCode    string          `json:"account_code"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
}

type CustomerBalance struct {
	TenantID   string          `json:"tenant_id"`
	CustomerID string          `json:"customer_id"`
	Balance    decimal.Decimal `json:"balance"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type Budget struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenant_id"`
	CustomerID string       `json:"customer_id"`
	Month      time.Time    `json:"month"`
	Items      []BudgetItem `json:"items"`
}

type BudgetItem struct {
	ID            string          `json:"id"`
	BudgetID      string          `json:"budget_id"`
	ProductID     string          `json:"product_id"`
	PlannedAmount decimal.Decimal `json:"planned_amount"`
	ActualAmount  decimal.Decimal `json:"actual_amount"`
}

// BudgetLine is the slice of a sale line the budget collaborator needs.
// BudgetLine is the spend of one sale line. SoldAt picks the budget month.
type BudgetLine struct {
	ProductID string          `json:"product_id"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	SoldAt    time.Time       `json:"sold_at"`
}

const (
	PaymentMethodCash     = "CASH"
	PaymentMethodCard     = "CARD"
	PaymentMethodTransfer = "TRANSFER"
	PaymentMethodQRIS     = "QRIS"
	PaymentMethodCredit   = "CREDIT"
	PaymentMethodSplit    = "SPLIT"
)

const (
	SourcePOS    = "POS"
	SourceMobile = "MOBILE"
)

const (
	SaleStatusCompleted = "COMPLETED"
)

const (
	MovementTypeSale           = "SALE"
	MovementTypeAdjustment     = "ADJUSTMENT"
	MovementTypeReceipt        = "RECEIPT"
	MovementTypeReconciliation = "RECONCILIATION"
)

const (
	JournalStatusPosted = "POSTED"
)

const (
	BankAccountTypeCash = "CASH"
	BankAccountTypeBank = "BANK"
)

const (
	MemberStatusActive    = "ACTIVE"
	MemberStatusSuspended = "SUSPENDED"
)

const (
	TierBronze = "BRONZE"
	TierSilver = "SILVER"
	TierGold   = "GOLD"
)
