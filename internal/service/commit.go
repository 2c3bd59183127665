package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/posting"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/xid"
)

// Commit finalizes a sale. Persisting the sale, deducting stock, accruing
// loyalty, routing payments and posting the journal happen in one transaction;
// either all of it is visible afterwards or none of it is. A request whose
// idempotency key already names a sale returns that sale with Duplicate set.
func (o *SaleOrchestrator) Commit(ctx context.Context, tenantID string, req domain.SaleRequest) (domain.CommitResult, error) {
	ctx, span := o.tracer.Start(ctx, "SaleOrchestrator.Commit", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("items", len(req.Items)),
	))
	defer span.End()

	result, err := o.commit(ctx, tenantID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.CommitResult{}, err
	}
	span.SetAttributes(
		attribute.String("sale_id", result.Sale.ID),
		attribute.Bool("duplicate", result.Duplicate),
	)
	return result, nil
}

func (o *SaleOrchestrator) commit(ctx context.Context, tenantID string, req domain.SaleRequest) (domain.CommitResult, error) {
	if tenantID == "" {
		return domain.CommitResult{}, store.Invalid("tenant_id", "is required")
	}
	plan, err := o.plan(req)
	if err != nil {
		return domain.CommitResult{}, err
	}
	key := plan.req.IdempotencyKey

	// Past validation the sale is no longer cancellable by the caller, only
	// bounded by the commit timeout.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.commitTimeout)
	defer cancel()

	if key != "" {
		existing, err := o.repo.FindSaleByIdempotency(commitCtx, tenantID, key)
		if err == nil {
			return domain.CommitResult{Sale: *existing, Duplicate: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.CommitResult{}, err
		}

		release, err := o.locker.Acquire(commitCtx, tenantID+":"+key)
		if err != nil {
			o.logger.WithFields(logrus.Fields{
				"module":    "service",
				"func":      "Commit",
				"tenant_id": tenantID,
			}).WithError(err).Warn("idempotency lock not obtained, relying on unique index")
		} else {
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					o.logger.WithFields(logrus.Fields{
						"module":    "service",
						"func":      "Commit",
						"tenant_id": tenantID,
					}).WithError(err).Warn("failed to release idempotency lock")
				}
			}()
		}
	}

	now := o.now()
	var seq int64
	err = o.step(commitCtx, "sale.number", func(ctx context.Context) error {
		return o.retry(ctx, "NextSaleSequence", func() error {
			var err error
			seq, err = o.repo.NextSaleSequence(ctx, tenantID, now)
			return err
		})
	})
	if err != nil {
		o.logCommitError(tenantID, plan, err)
		return domain.CommitResult{}, fmt.Errorf("sale number: %w", err)
	}
	number := fmt.Sprintf("S-%s-%06d", now.Format("20060102"), seq)

	var sale domain.Sale
	var duplicate bool
	err = o.retry(commitCtx, "Commit", func() error {
		var err error
		sale, duplicate, err = o.commitOnce(commitCtx, tenantID, plan, number, now)
		return err
	})
	if errors.Is(err, store.ErrDuplicateSale) && key != "" {
		winner, findErr := o.repo.FindSaleByIdempotency(commitCtx, tenantID, key)
		if findErr != nil {
			return domain.CommitResult{}, fmt.Errorf("re-read sale for idempotency key: %w", findErr)
		}
		return domain.CommitResult{Sale: *winner, Duplicate: true}, nil
	}
	if err != nil {
		o.logCommitError(tenantID, plan, err)
		return domain.CommitResult{}, err
	}
	if duplicate {
		return domain.CommitResult{Sale: sale, Duplicate: true}, nil
	}

	o.logger.WithFields(logrus.Fields{
		"module":      "service",
		"func":        "Commit",
		"tenant_id":   tenantID,
		"sale_id":     sale.ID,
		"sale_number": sale.SaleNumber,
		"grand_total": sale.GrandTotal.StringFixed(2),
	}).Info("sale committed")

	o.dispatchBudget(ctx, sale)
	return domain.CommitResult{Sale: sale}, nil
}

// commitOnce runs one attempt of the sale transaction. The sale number is
// drawn beforehand so that retried attempts reuse it.
func (o *SaleOrchestrator) commitOnce(ctx context.Context, tenantID string, plan salePlan, number string, now time.Time) (domain.Sale, bool, error) {
	req := plan.req
	var sale domain.Sale
	duplicate := false

	err := o.repo.WithinTx(ctx, func(tx store.Tx) error {
		if req.IdempotencyKey != "" {
			existing, err := tx.FindSaleByIdempotency(ctx, tenantID, req.IdempotencyKey)
			if err == nil {
				sale, duplicate = *existing, true
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		products, err := tx.GetProductsByIDs(ctx, tenantID, plan.productIDs)
		if err != nil {
			return fmt.Errorf("load products: %w", err)
		}
		for _, id := range plan.productIDs {
			if _, ok := products[id]; !ok {
				return store.NotFound("product", id)
			}
		}

		sale = domain.Sale{
			ID:              xid.New(),
			TenantID:        tenantID,
			BranchID:        req.BranchID,
			TerminalID:      req.TerminalID,
			OperatorID:      req.OperatorID,
			CustomerID:      req.CustomerID,
			LoyaltyMemberID: req.LoyaltyMemberID,
			SaleNumber:      number,
			Source:          req.Source,
			Subtotal:        plan.subtotal,
			TaxTotal:        req.TaxTotal,
			DiscountTotal:   req.DiscountTotal,
			GrandTotal:      req.GrandTotal,
			TotalPaid:       plan.totalPaid,
			ChangeDue:       plan.changeDue,
			PaymentMethod:   req.PaymentMethod,
			PaymentSplits:   plan.tendered,
			Status:          domain.SaleStatusCompleted,
			PointsRedeemed:  req.PointsRedeemed,
			IdempotencyKey:  req.IdempotencyKey,
			CreatedAt:       now,
		}
		if req.LoyaltyMemberID != nil {
			sale.PointsEarned = posting.PointsFor(req.GrandTotal)
		}

		if err := o.step(ctx, "sale.insert", func(ctx context.Context) error {
			if err := tx.InsertSale(ctx, sale); err != nil {
				return err
			}
			sale.Items = make([]domain.SaleItem, 0, len(plan.lines))
			for _, line := range plan.lines {
				cost := decimal.Zero
				if c := products[line.item.ProductID].CostPrice; c != nil {
					cost = *c
				}
				sale.Items = append(sale.Items, domain.SaleItem{
					ID:             xid.New(),
					SaleID:         sale.ID,
					ProductID:      line.item.ProductID,
					WarehouseID:    line.item.WarehouseID,
					Quantity:       line.item.Quantity,
					UnitPrice:      line.item.UnitPrice,
					TaxAmount:      line.item.TaxAmount,
					DiscountAmount: line.item.DiscountAmount,
					Subtotal:       line.item.Subtotal,
					CostPrice:      cost,
				})
			}
			return tx.InsertSaleItems(ctx, sale.Items)
		}); err != nil {
			return err
		}

		if err := o.step(ctx, "inventory.apply", func(ctx context.Context) error {
			for i, item := range sale.Items {
				if _, err := o.inventory.Apply(ctx, tx, posting.MovementInput{
					TenantID:    tenantID,
					ProductID:   item.ProductID,
					WarehouseID: item.WarehouseID,
					Delta:       item.Quantity.Neg(),
					Type:        domain.MovementTypeSale,
					ReferenceID: sale.ID,
					OperatorID:  req.OperatorID,
				}); err != nil {
					return fmt.Errorf("item[%d]: %w", plan.lines[i].index, err)
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if req.LoyaltyMemberID != nil {
			if err := o.step(ctx, "loyalty.apply", func(ctx context.Context) error {
				_, err := o.loyalty.Apply(ctx, tx, tenantID, *req.LoyaltyMemberID, req.GrandTotal, req.PointsRedeemed)
				return err
			}); err != nil {
				return err
			}
		}

		if err := o.step(ctx, "payments.apply", func(ctx context.Context) error {
			for i, split := range plan.routed {
				if split.BankAccountID == nil || split.Amount.IsZero() {
					continue
				}
				if _, err := o.payments.Apply(ctx, tx, tenantID, sale.ID, split); err != nil {
					return fmt.Errorf("payment_splits[%d]: %w", i, err)
				}
			}
			return nil
		}); err != nil {
			return err
		}

		return o.step(ctx, "journal.post", func(ctx context.Context) error {
			entry, err := o.poster.Post(ctx, tx, sale)
			if err != nil {
				return err
			}
			if entry.ID == "" {
				return nil
			}
			sale.JournalEntryID = entry.ID
			return tx.SetSaleJournalEntry(ctx, tenantID, sale.ID, entry.ID)
		})
	})
	if err != nil {
		return domain.Sale{}, false, err
	}
	return sale, duplicate, nil
}

func (o *SaleOrchestrator) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (o *SaleOrchestrator) dispatchBudget(ctx context.Context, sale domain.Sale) {
	if o.budget == nil || sale.CustomerID == nil {
		return
	}
	lines := make([]domain.BudgetLine, 0, len(sale.Items))
	for _, item := range sale.Items {
		lines = append(lines, domain.BudgetLine{ProductID: item.ProductID, Subtotal: item.Subtotal, SoldAt: sale.CreatedAt})
	}
	if err := o.budget.UpdateActualsFromOrder(context.WithoutCancel(ctx), sale.TenantID, *sale.CustomerID, lines); err != nil {
		o.logger.WithFields(logrus.Fields{
			"module":      "service",
			"func":        "dispatchBudget",
			"tenant_id":   sale.TenantID,
			"sale_id":     sale.ID,
			"customer_id": *sale.CustomerID,
		}).WithError(err).Warn("budget actuals not updated")
	}
}

func (o *SaleOrchestrator) logCommitError(tenantID string, plan salePlan, err error) {
	entry := o.logger.WithFields(logrus.Fields{
		"module":          "service",
		"func":            "Commit",
		"tenant_id":       tenantID,
		"idempotency_key": plan.req.IdempotencyKey,
	}).WithError(err)

	switch {
	case errors.Is(err, store.ErrLedgerImbalance):
		entry.Error("sale rejected: ledger imbalance")
	case errors.Is(err, store.ErrValidation),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInsufficientStock):
		entry.Info("sale rejected")
	default:
		entry.Error("sale commit failed")
	}
}
