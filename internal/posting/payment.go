package posting

import (
	"context"
	"time"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/xid"
)

// PaymentRouter credits payment splits to cash and bank accounts. Balances
// may go negative; there is no sufficient-funds check.
type PaymentRouter struct {
	now func() time.Time
}

func NewPaymentRouter() *PaymentRouter {
	return &PaymentRouter{now: func() time.Time { return time.Now().UTC() }}
}

func (r *PaymentRouter) Apply(ctx context.Context, tx store.Tx, tenantID string, saleID string, split domain.PaymentSplit) (domain.BankAccount, error) {
	if split.BankAccountID == nil || *split.BankAccountID == "" {
		return domain.BankAccount{}, store.Invalid("payment_splits.bank_account_id", "is required")
	}

	account, err := tx.AddBankAccountBalance(ctx, tenantID, *split.BankAccountID, split.Amount)
	if err != nil {
		return domain.BankAccount{}, err
	}

	if err := tx.InsertBankTransaction(ctx, domain.BankTransaction{
		ID:            xid.New(),
		TenantID:      tenantID,
		BankAccountID: account.ID,
		SaleID:        saleID,
		Method:        split.Method,
		Amount:        split.Amount,
		CreatedAt:     r.now(),
	}); err != nil {
		return domain.BankAccount{}, err
	}
	return account, nil
}
