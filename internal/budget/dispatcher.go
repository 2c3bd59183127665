package budget

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"retailcore/backend/internal/domain"
)

var (
	ErrQueueFull = errors.New("budget queue is full")
	ErrClosed    = errors.New("budget dispatcher is closed")
)

// Applier is the synchronous budget update a dispatcher runs in the background.
type Applier interface {
	UpdateActualsFromOrder(ctx context.Context, tenantID string, customerID string, items []domain.BudgetLine) error
}

type job struct {
	tenantID   string
	customerID string
	items      []domain.BudgetLine
}

type Stats struct {
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Dispatcher runs budget updates on a fixed pool of workers fed by a bounded
// queue. UpdateActualsFromOrder never blocks: when the queue is full the job
// is dropped and counted.
type Dispatcher struct {
	applier Applier
	logger  *logrus.Logger
	timeout time.Duration

	mu     sync.RWMutex
	queue  chan job
	closed bool
	wg     sync.WaitGroup

	queued    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewDispatcher(applier Applier, logger *logrus.Logger, workers int, queueSize int, timeout time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	d := &Dispatcher{
		applier: applier,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan job, queueSize),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d
}

func (d *Dispatcher) UpdateActualsFromOrder(_ context.Context, tenantID string, customerID string, items []domain.BudgetLine) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	j := job{tenantID: tenantID, customerID: customerID, items: append([]domain.BudgetLine(nil), items...)}
	select {
	case d.queue <- j:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		d.logger.WithFields(logrus.Fields{
			"module":      "budget",
			"func":        "UpdateActualsFromOrder",
			"tenant_id":   tenantID,
			"customer_id": customerID,
		}).Warn("budget queue full, dropping update")
		return ErrQueueFull
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for j := range d.queue {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.applier.UpdateActualsFromOrder(ctx, j.tenantID, j.customerID, j.items); err != nil {
		d.failed.Add(1)
		d.logger.WithFields(logrus.Fields{
			"module":      "budget",
			"func":        "run",
			"tenant_id":   j.tenantID,
			"customer_id": j.customerID,
		}).WithError(err).Error("budget actuals update failed")
		return
	}
	d.completed.Add(1)
}

// Close stops accepting jobs and waits for queued ones to finish or for ctx
// to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    d.queued.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
