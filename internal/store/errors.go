package store

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrLedgerImbalance   = errors.New("ledger imbalance")
	ErrTransient         = errors.New("transient store error")
	// ErrDuplicateSale is returned by InsertSale when the idempotency key or
	// sale number is already taken by a committed sale.
	ErrDuplicateSale = errors.New("duplicate sale")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field string, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(entity string, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

type InsufficientStockError struct {
	ProductID   string
	WarehouseID string
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s in warehouse %s: available %s, requested %s",
		e.ProductID, e.WarehouseID, e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type LedgerImbalanceError struct {
	JournalEntryID string
	Debit          decimal.Decimal
	Credit         decimal.Decimal
}

func (e *LedgerImbalanceError) Error() string {
	return fmt.Sprintf("journal entry %s is unbalanced: debit %s, credit %s",
		e.JournalEntryID, e.Debit.StringFixed(2), e.Credit.StringFixed(2))
}

func (e *LedgerImbalanceError) Is(target error) bool { return target == ErrLedgerImbalance }

// TransientStoreError marks lock contention, serialization failures and
// timeouts. The transaction that hit it has been rolled back in full.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: transient store error: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func (e *TransientStoreError) Is(target error) bool { return target == ErrTransient }
