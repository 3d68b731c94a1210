package fulfillment

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"go.uber.org/zap"
)

type Enqueuer interface {
	ProcessOrder(ctx context.Context, orderID string) error
}

// Reconciler re-queues process-order for orders that were paid (or placed
// cash on delivery) but never moved on, which happens when the enqueue
// after commit failed.
type Reconciler struct {
	store    orders.Store
	jobs     Enqueuer
	age      time.Duration
	interval time.Duration
	batch    int
	log      *zap.Logger
	now      func() time.Time
}

func NewReconciler(store orders.Store, jobs Enqueuer, age, interval time.Duration, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{store: store, jobs: jobs, age: age, interval: interval, batch: 100, log: log, now: time.Now}
}

// RunOnce returns how many orders were re-queued.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	stale, err := r.store.ListStalled(ctx, r.now().Add(-r.age), r.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range stale {
		if err := r.jobs.ProcessOrder(ctx, o.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		r.log.Info("re-queued stale orders", zap.Int("count", n))
	}
	return n, nil
}

func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("reconcile", zap.Error(err))
			}
		}
	}
}
