// Package orderstatus applies status transitions to persisted orders.
//
// Every write happens under the per-order lock order:<id>:status and inside
// one store transaction together with its side effects (stock restore,
// payment status). The status-changed event is published after commit.
package orderstatus

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"go.uber.org/zap"
)

type Locker interface {
	WithLock(ctx context.Context, name string, wait time.Duration, fn func(ctx context.Context) error) error
}

type Machine struct {
	store    orders.Store
	locks    Locker
	notifier orders.Notifier
	lockWait time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func New(store orders.Store, locks Locker, notifier orders.Notifier, lockWait time.Duration, log *zap.Logger) *Machine {
	if notifier == nil {
		notifier = orders.NopNotifier{}
	}
	return &Machine{store: store, locks: locks, notifier: notifier, lockWait: lockWait, log: log, now: time.Now}
}

func lockName(orderID string) string { return fmt.Sprintf(redisx.LockOrderStatus, orderID) }

// Transition moves the order to target. Pairs outside the transition table
// fail with *orders.TransitionError and change nothing.
func (m *Machine) Transition(ctx context.Context, orderID string, target orders.Status) (*orders.Order, error) {
	var out *orders.Order
	err := m.locks.WithLock(ctx, lockName(orderID), m.lockWait, func(ctx context.Context) error {
		o, err := m.apply(ctx, orderID, target)
		out = o
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Guarded is the view of an order handed to a Guard callback. The order
// lock is held for as long as the callback runs.
type Guarded struct {
	m     *Machine
	order *orders.Order
}

// Order is the latest committed state.
func (g *Guarded) Order() *orders.Order { return g.order }

// Advance applies one transition without re-taking the lock.
func (g *Guarded) Advance(ctx context.Context, target orders.Status) error {
	o, err := g.m.apply(ctx, g.order.ID, target)
	if err != nil {
		return err
	}
	g.order = o
	return nil
}

// Guard loads the order under its status lock and runs fn, letting callers
// re-check the current status and advance it in several steps atomically
// with respect to other writers.
func (m *Machine) Guard(ctx context.Context, orderID string, fn func(ctx context.Context, g *Guarded) error) error {
	return m.locks.WithLock(ctx, lockName(orderID), m.lockWait, func(ctx context.Context) error {
		o, err := m.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return fn(ctx, &Guarded{m: m, order: o})
	})
}

func (m *Machine) apply(ctx context.Context, orderID string, target orders.Status) (*orders.Order, error) {
	var from orders.Status
	err := m.store.InTx(ctx, func(tx orders.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = o.Status
		if !orders.CanTransition(from, target) {
			return &orders.TransitionError{OrderID: orderID, From: from, To: target}
		}
		if target.RestoresStock() {
			for _, it := range o.Items {
				if err := tx.IncrementStock(ctx, it.VariantID, it.Quantity); err != nil {
					return fmt.Errorf("restore stock for %s: %w", it.VariantID, err)
				}
			}
		}
		if err := tx.UpdateStatus(ctx, orderID, from, target); err != nil {
			return err
		}
		if ps, ok := target.PaymentStatus(); ok {
			if err := tx.UpdatePaymentStatus(ctx, orderID, ps); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	m.log.Info("order status changed",
		zap.String("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	if err := m.notifier.Publish(ctx, orders.NewStatusChanged(o, m.now())); err != nil {
		m.log.Warn("publish status change", zap.String("order_id", orderID), zap.Error(err))
	}
	return o, nil
}
