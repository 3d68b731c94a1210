package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-fulfillment/internal/jobqueue"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/orderstatus"
	"go.uber.org/zap"
)

// Handlers re-read the order under its status lock before every write, so
// a re-delivered job finds the work done and returns without mutating.
type Handlers struct {
	machine *orderstatus.Machine
	checks  []Checker
	log     *zap.Logger
}

func NewHandlers(m *orderstatus.Machine, log *zap.Logger, checks ...Checker) *Handlers {
	return &Handlers{machine: m, checks: checks, log: log}
}

func (h *Handlers) Register(w *jobqueue.Worker) {
	w.Handle(JobProcessOrder, h.ProcessOrder)
	w.Handle(JobShipOrder, h.ShipOrder)
	w.Handle(JobNotifyDelivery, h.NotifyDelivery)
	w.Handle(JobHandleRefund, h.HandleRefund)
}

func (h *Handlers) guard(ctx context.Context, orderID string, fn func(ctx context.Context, g *orderstatus.Guarded) error) error {
	err := h.machine.Guard(ctx, orderID, fn)
	if errors.Is(err, orders.ErrOrderNotFound) || errors.Is(err, orders.ErrInvalidStatusTransition) {
		return jobqueue.Permanent(err)
	}
	return err
}

func (h *Handlers) ProcessOrder(ctx context.Context, j *jobqueue.Job) error {
	p, err := jobqueue.Decode[OrderPayload](j)
	if err != nil {
		return err
	}
	log := h.log.With(zap.String("order_id", p.OrderID), zap.String("job_id", j.ID))

	return h.guard(ctx, p.OrderID, func(ctx context.Context, g *orderstatus.Guarded) error {
		o := g.Order()
		switch o.Status {
		case orders.StatusPending:
			if o.PaymentMethod != orders.PaymentCOD {
				log.Info("awaiting payment")
				return nil
			}
		case orders.StatusPaid, orders.StatusOnHold, orders.StatusProcessing:
		default:
			log.Debug("nothing to process", zap.String("status", string(o.Status)))
			return nil
		}

		if o.Status != orders.StatusProcessing {
			if err := g.Advance(ctx, orders.StatusProcessing); err != nil {
				return err
			}
		}
		for _, c := range h.checks {
			if cerr := c.Check(ctx, g.Order()); cerr != nil {
				if err := g.Advance(ctx, orders.StatusOnHold); err != nil {
					log.Error("hold order", zap.Error(err))
				}
				return fmt.Errorf("order %s on hold: %w", p.OrderID, cerr)
			}
		}
		return g.Advance(ctx, orders.StatusReadyToShip)
	})
}

func (h *Handlers) ShipOrder(ctx context.Context, j *jobqueue.Job) error {
	p, err := jobqueue.Decode[TrackingPayload](j)
	if err != nil {
		return err
	}
	return h.guard(ctx, p.OrderID, func(ctx context.Context, g *orderstatus.Guarded) error {
		if st := g.Order().Status; st != orders.StatusReadyToShip {
			return jobqueue.Permanent(fmt.Errorf("order %s is %s, not %s", p.OrderID, st, orders.StatusReadyToShip))
		}
		if err := g.Advance(ctx, orders.StatusShipped); err != nil {
			return err
		}
		h.log.Info("order shipped",
			zap.String("order_id", p.OrderID),
			zap.String("carrier", p.TrackingUpdate.Carrier),
			zap.String("tracking_number", p.TrackingUpdate.TrackingNumber),
		)
		return nil
	})
}

func (h *Handlers) NotifyDelivery(ctx context.Context, j *jobqueue.Job) error {
	p, err := jobqueue.Decode[TrackingPayload](j)
	if err != nil {
		return err
	}
	log := h.log.With(zap.String("order_id", p.OrderID), zap.String("tracking_status", p.TrackingUpdate.Status))
	if p.TrackingUpdate.Status != TrackingDelivered {
		log.Info("tracking update")
		return nil
	}
	return h.guard(ctx, p.OrderID, func(ctx context.Context, g *orderstatus.Guarded) error {
		switch st := g.Order().Status; st {
		case orders.StatusDelivered, orders.StatusCompleted:
			return nil
		case orders.StatusShipped:
			return g.Advance(ctx, orders.StatusDelivered)
		default:
			return jobqueue.Permanent(fmt.Errorf("delivery reported for order %s in %s", p.OrderID, st))
		}
	})
}

func (h *Handlers) HandleRefund(ctx context.Context, j *jobqueue.Job) error {
	p, err := jobqueue.Decode[RefundPayload](j)
	if err != nil {
		return err
	}
	return h.guard(ctx, p.OrderID, func(ctx context.Context, g *orderstatus.Guarded) error {
		switch st := g.Order().Status; st {
		case orders.StatusRefunded:
			return nil
		case orders.StatusPaid, orders.StatusDelivered:
			if err := g.Advance(ctx, orders.StatusRefundRequested); err != nil {
				return err
			}
		case orders.StatusRefundRequested:
		default:
			return jobqueue.Permanent(fmt.Errorf("order %s in %s cannot be refunded", p.OrderID, st))
		}
		if err := g.Advance(ctx, orders.StatusRefunded); err != nil {
			return err
		}
		h.log.Info("order refunded", zap.String("order_id", p.OrderID), zap.String("reason", p.Reason))
		return nil
	})
}
