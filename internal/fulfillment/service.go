package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/jobqueue"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"go.uber.org/zap"
)

type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts jobqueue.EnqueueOptions) (*jobqueue.Job, error)
	Failed(ctx context.Context, limit int64) ([]*jobqueue.Job, error)
	Retry(ctx context.Context, id string) error
}

type Transitioner interface {
	Transition(ctx context.Context, orderID string, target orders.Status) (*orders.Order, error)
}

type Locker interface {
	WithLock(ctx context.Context, name string, wait time.Duration, fn func(ctx context.Context) error) error
}

// Service is the request-side entry point: it records payments and queues
// fulfillment work.
type Service struct {
	queue    Queue
	machine  Transitioner
	locks    Locker
	lockWait time.Duration
	log      *zap.Logger
}

func NewService(q Queue, m Transitioner, locks Locker, lockWait time.Duration, log *zap.Logger) *Service {
	return &Service{queue: q, machine: m, locks: locks, lockWait: lockWait, log: log}
}

func (s *Service) enqueue(ctx context.Context, jobType string, payload any) error {
	j, err := s.queue.Enqueue(ctx, jobType, payload, jobqueue.EnqueueOptions{})
	if err != nil {
		return err
	}
	s.log.Debug("job enqueued", zap.String("type", jobType), zap.String("job_id", j.ID))
	return nil
}

func (s *Service) ProcessOrder(ctx context.Context, orderID string) error {
	return s.enqueue(ctx, JobProcessOrder, OrderPayload{OrderID: orderID})
}

// ConfirmPayment marks the order paid and queues processing. The order is
// paid once the transition commits even if the enqueue fails; the
// reconciler picks those up.
func (s *Service) ConfirmPayment(ctx context.Context, orderID string) (*orders.Order, error) {
	var paid *orders.Order
	err := s.locks.WithLock(ctx, fmt.Sprintf(redisx.LockOrder, orderID), s.lockWait, func(ctx context.Context) error {
		o, err := s.machine.Transition(ctx, orderID, orders.StatusPaid)
		paid = o
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.ProcessOrder(ctx, orderID); err != nil {
		s.log.Error("enqueue process-order after payment", zap.String("order_id", orderID), zap.Error(err))
	}
	return paid, nil
}

func (s *Service) RequestShipment(ctx context.Context, orderID string, t TrackingUpdate) error {
	return s.enqueue(ctx, JobShipOrder, TrackingPayload{OrderID: orderID, TrackingUpdate: t})
}

func (s *Service) ReportTracking(ctx context.Context, orderID string, t TrackingUpdate) error {
	return s.enqueue(ctx, JobNotifyDelivery, TrackingPayload{OrderID: orderID, TrackingUpdate: t})
}

func (s *Service) RequestRefund(ctx context.Context, orderID, reason string) error {
	return s.enqueue(ctx, JobHandleRefund, RefundPayload{OrderID: orderID, Reason: reason})
}

func (s *Service) FailedJobs(ctx context.Context, limit int64) ([]*jobqueue.Job, error) {
	return s.queue.Failed(ctx, limit)
}

func (s *Service) RetryJob(ctx context.Context, id string) error {
	return s.queue.Retry(ctx, id)
}
