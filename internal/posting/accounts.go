package posting

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

// AccountSpec names a chart-of-accounts entry by its stable code.
type AccountSpec struct {
	Code string
	Name string
	Type domain.AccountType
}

var (
	SalesRevenue       = AccountSpec{Code: "INC-400", Name: "Sales Revenue", Type: domain.AccountTypeIncome}
	Cash               = AccountSpec{Code: "AST-100", Name: "Cash", Type: domain.AccountTypeAsset}
	InventoryAsset     = AccountSpec{Code: "AST-110", Name: "Inventory Asset", Type: domain.AccountTypeAsset}
	AccountsReceivable = AccountSpec{Code: "AST-120", Name: "Accounts Receivable", Type: domain.AccountTypeAsset}
	CostOfGoodsSold    = AccountSpec{Code: "EXP-500", Name: "Cost of Goods Sold", Type: domain.AccountTypeExpense}
)

// AccountRegistry resolves accounts by code, creating missing ones. A registry
// memoises what it resolved and must not outlive the transaction it serves.
type AccountRegistry struct {
	mu       sync.Mutex
	resolved map[string]domain.Account
}

func NewAccountRegistry() *AccountRegistry {
	return &AccountRegistry{resolved: map[string]domain.Account{}}
}

func (r *AccountRegistry) Resolve(ctx context.Context, tx store.Tx, tenantID string, spec AccountSpec) (domain.Account, error) {
	code := strings.TrimSpace(spec.Code)
	if tenantID == "" {
		return domain.Account{}, store.Invalid("tenant_id", "is required")
	}
	if code == "" {
		return domain.Account{}, store.Invalid("account.code", "is required")
	}
	if !spec.Type.Valid() {
		return domain.Account{}, store.Invalid("account.type", "unknown account type "+string(spec.Type))
	}

	key := tenantID + "|" + code
	r.mu.Lock()
	if account, ok := r.resolved[key]; ok {
		r.mu.Unlock()
		return account, nil
	}
	r.mu.Unlock()

	account, err := tx.UpsertAccount(ctx, domain.Account{
		TenantID: tenantID,
		Code:     code,
		Name:     spec.Name,
		Type:     spec.Type,
	})
	if err != nil {
		return domain.Account{}, err
	}
	if account.Type != spec.Type {
		return domain.Account{}, store.Invalid("account.type",
			fmt.Sprintf("account %s exists as %s, expected %s", code, account.Type, spec.Type))
	}

	r.mu.Lock()
	r.resolved[key] = account
	r.mu.Unlock()
	return account, nil
}
