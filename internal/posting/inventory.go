package posting

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/xid"
)

// MovementInput describes one signed change to a product's stock in a
// warehouse.
type MovementInput struct {
	TenantID    string
	ProductID   string
	WarehouseID string
	Delta       decimal.Decimal
	Type        string
	ReferenceID string
	OperatorID  string
}

// InventoryLedger keeps inventory records and the movement log in step. The
// movement log is authoritative; records are a cached running total.
type InventoryLedger struct {
	now func() time.Time
}

func NewInventoryLedger() *InventoryLedger {
	return &InventoryLedger{now: func() time.Time { return time.Now().UTC() }}
}

func (l *InventoryLedger) Apply(ctx context.Context, tx store.Tx, in MovementInput) (domain.InventoryRecord, error) {
	if in.ProductID == "" {
		return domain.InventoryRecord{}, store.Invalid("product_id", "is required")
	}
	if in.WarehouseID == "" {
		return domain.InventoryRecord{}, store.Invalid("warehouse_id", "is required")
	}
	if in.Delta.IsZero() {
		return domain.InventoryRecord{}, store.Invalid("quantity", "must not be zero")
	}
	if in.Type == "" {
		return domain.InventoryRecord{}, store.Invalid("movement.type", "is required")
	}

	settings, err := tx.GetTenantSettings(ctx, in.TenantID)
	if err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("tenant settings: %w", err)
	}

	record, err := tx.LockInventoryRecord(ctx, in.TenantID, in.ProductID, in.WarehouseID)
	if err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("lock inventory %s@%s: %w", in.ProductID, in.WarehouseID, err)
	}

	next := record.Quantity.Add(in.Delta)
	if next.IsNegative() && !settings.AllowNegativeStock {
		return domain.InventoryRecord{}, &store.InsufficientStockError{
			ProductID:   in.ProductID,
			WarehouseID: in.WarehouseID,
			Available:   record.Quantity,
			Requested:   in.Delta.Neg(),
		}
	}

	record.Quantity = next
	if err := tx.SetInventoryQuantity(ctx, record); err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("update inventory %s@%s: %w", in.ProductID, in.WarehouseID, err)
	}

	if err := tx.InsertMovement(ctx, domain.InventoryMovement{
		ID:          xid.New(),
		TenantID:    in.TenantID,
		ProductID:   in.ProductID,
		WarehouseID: in.WarehouseID,
		Quantity:    in.Delta,
		Type:        in.Type,
		ReferenceID: in.ReferenceID,
		OperatorID:  in.OperatorID,
		CreatedAt:   l.now(),
	}); err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("insert movement: %w", err)
	}
	return record, nil
}

// Reconcile resets the cached record to the sum of the movement log. When the
// record had drifted, a zero-delta RECONCILIATION movement marks the reset.
func (l *InventoryLedger) Reconcile(ctx context.Context, tx store.Tx, tenantID string, productID string, warehouseID string, operatorID string) (domain.ReconcileResult, error) {
	if productID == "" {
		return domain.ReconcileResult{}, store.Invalid("product_id", "is required")
	}
	if warehouseID == "" {
		return domain.ReconcileResult{}, store.Invalid("warehouse_id", "is required")
	}

	record, err := tx.LockInventoryRecord(ctx, tenantID, productID, warehouseID)
	if err != nil {
		return domain.ReconcileResult{}, fmt.Errorf("lock inventory %s@%s: %w", productID, warehouseID, err)
	}
	replayed, err := tx.SumMovements(ctx, tenantID, productID, warehouseID)
	if err != nil {
		return domain.ReconcileResult{}, fmt.Errorf("sum movements: %w", err)
	}

	result := domain.ReconcileResult{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Before:      record.Quantity,
		After:       replayed,
	}
	if record.Quantity.Equal(replayed) {
		return result, nil
	}

	record.Quantity = replayed
	if err := tx.SetInventoryQuantity(ctx, record); err != nil {
		return domain.ReconcileResult{}, fmt.Errorf("update inventory %s@%s: %w", productID, warehouseID, err)
	}
	if err := tx.InsertMovement(ctx, domain.InventoryMovement{
		ID:          xid.New(),
		TenantID:    tenantID,
		ProductID:   productID,
		WarehouseID: warehouseID,
		Quantity:    decimal.Zero,
		Type:        domain.MovementTypeReconciliation,
		ReferenceID: fmt.Sprintf("reconcile:%s->%s", result.Before.String(), result.After.String()),
		OperatorID:  operatorID,
		CreatedAt:   l.now(),
	}); err != nil {
		return domain.ReconcileResult{}, fmt.Errorf("insert movement: %w", err)
	}
	result.Corrected = true
	return result, nil
}
