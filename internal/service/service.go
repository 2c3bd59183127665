package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/lock"
	"retailcore/backend/internal/posting"
	"retailcore/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// BudgetUpdater receives the spend of committed sales that name a customer.
// Errors are logged by the caller and never fail a sale.
type BudgetUpdater interface {
	UpdateActualsFromOrder(ctx context.Context, tenantID string, customerID string, items []domain.BudgetLine) error
}

type Options struct {
	Logger        *logrus.Logger
	Locker        lock.Locker
	Reports       posting.ReportInvalidator
	Budget        BudgetUpdater
	CommitTimeout time.Duration
	MaxAttempts   int
	// RetryInterval is the first backoff delay between transient failures.
	RetryInterval time.Duration
}

// SaleOrchestrator is the single entry point for committing sales and the
// reads that go with them.
type SaleOrchestrator struct {
	repo      store.Repository
	inventory *posting.InventoryLedger
	loyalty   *posting.LoyaltyAccrual
	payments  *posting.PaymentRouter
	poster    *posting.DoubleEntryPoster
	budget    BudgetUpdater
	locker    lock.Locker

	validate *validator.Validate
	logger   *logrus.Logger
	tracer   trace.Tracer

	commitTimeout time.Duration
	maxAttempts   int
	retryInterval time.Duration
	now           func() time.Time
}

func NewSaleOrchestrator(repo store.Repository, opts Options) *SaleOrchestrator {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NoopLocker{}
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 15 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}

	return &SaleOrchestrator{
		repo:          repo,
		inventory:     posting.NewInventoryLedger(),
		loyalty:       posting.NewLoyaltyAccrual(),
		payments:      posting.NewPaymentRouter(),
		poster:        posting.NewDoubleEntryPoster(opts.Reports, opts.Logger),
		budget:        opts.Budget,
		locker:        opts.Locker,
		validate:      newValidator(),
		logger:        opts.Logger,
		tracer:        otel.Tracer("retailcore/service"),
		commitTimeout: opts.CommitTimeout,
		maxAttempts:   opts.MaxAttempts,
		retryInterval: opts.RetryInterval,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (o *SaleOrchestrator) GetSale(ctx context.Context, tenantID string, saleID string) (domain.Sale, error) {
	if strings.TrimSpace(saleID) == "" {
		return domain.Sale{}, store.Invalid("id", "is required")
	}
	sale, err := o.repo.FindSaleByID(ctx, tenantID, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (o *SaleOrchestrator) LookupByIdempotency(ctx context.Context, tenantID string, key string) (domain.SaleLookupResponse, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.SaleLookupResponse{}, store.Invalid("idempotency_key", "is required")
	}

	sale, err := o.repo.FindSaleByIdempotency(ctx, tenantID, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SaleLookupResponse{Found: false}, nil
		}
		return domain.SaleLookupResponse{}, err
	}
	return domain.SaleLookupResponse{Found: true, Sale: sale}, nil
}

func (o *SaleOrchestrator) ListMovements(ctx context.Context, tenantID string, query domain.MovementQuery) ([]domain.InventoryMovement, error) {
	if query.Limit < 1 {
		query.Limit = 50
	}
	if query.Limit > 500 {
		query.Limit = 500
	}
	return o.repo.ListMovements(ctx, tenantID, query)
}

func (o *SaleOrchestrator) GetJournalEntry(ctx context.Context, tenantID string, journalEntryID string) (domain.JournalEntry, error) {
	if strings.TrimSpace(journalEntryID) == "" {
		return domain.JournalEntry{}, store.Invalid("id", "is required")
	}
	entry, err := o.repo.FindJournalEntry(ctx, tenantID, journalEntryID)
	if err != nil {
		return domain.JournalEntry{}, err
	}
	return *entry, nil
}

// Reconcile rebuilds one inventory record from its movement log.
func (o *SaleOrchestrator) Reconcile(ctx context.Context, tenantID string, operatorID string, req domain.ReconcileRequest) (domain.ReconcileResult, error) {
	if err := o.validateStruct(req); err != nil {
		return domain.ReconcileResult{}, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.commitTimeout)
	defer cancel()

	var result domain.ReconcileResult
	err := o.retry(ctx, "Reconcile", func() error {
		return o.repo.WithinTx(ctx, func(tx store.Tx) error {
			var err error
			result, err = o.inventory.Reconcile(ctx, tx, tenantID, req.ProductID, req.WarehouseID, operatorID)
			return err
		})
	})
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	if result.Corrected {
		o.logger.WithFields(logrus.Fields{
			"module":       "service",
			"func":         "Reconcile",
			"tenant_id":    tenantID,
			"product_id":   req.ProductID,
			"warehouse_id": req.WarehouseID,
			"before":       result.Before.String(),
			"after":        result.After.String(),
		}).Warn("inventory record drifted from movement log")
	}
	return result, nil
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget or ctx is exhausted. fn must roll back fully on failure.
func (o *SaleOrchestrator) retry(ctx context.Context, funcName string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.retryInterval
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0

	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrTransient) {
			return backoff.Permanent(err)
		}
		lastErr = err
		o.logger.WithFields(logrus.Fields{
			"module":  "service",
			"func":    funcName,
			"attempt": attempt,
		}).WithError(err).Warn("transient store failure, rolling back and retrying")
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(o.maxAttempts-1)), ctx)
	err := backoff.Retry(op, b)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		if lastErr != nil {
			return lastErr
		}
		return &store.TransientStoreError{Op: funcName, Err: err}
	}
	return err
}
