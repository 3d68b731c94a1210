// Package checkout turns a user's cart into a persisted order.
package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/cart"
	"github.com/ariefcatur/go-order-fulfillment/internal/ids"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"go.uber.org/zap"
)

type CartStore interface {
	GetOrCreate(ctx context.Context, userID string) *cart.Cart
	Clear(ctx context.Context, userID string) error
}

// Promotions resolves a code to a discount amount. Validation rules live
// with the promotions owner; a returned error aborts the placement.
type Promotions interface {
	Discount(ctx context.Context, userID, code string, subtotal int64) (int64, error)
}

// Enqueuer schedules post-placement fulfillment for an order.
type Enqueuer interface {
	ProcessOrder(ctx context.Context, orderID string) error
}

type Locker interface {
	WithLock(ctx context.Context, name string, wait time.Duration, fn func(ctx context.Context) error) error
}

type Deps struct {
	Store      orders.Store
	Carts      CartStore
	Locks      Locker
	Promotions Promotions // optional
	Jobs       Enqueuer
	Notifier   orders.Notifier // optional
	IDs        ids.Generator
	LockWait   time.Duration
	Log        *zap.Logger
}

type Placement struct {
	ShippingAddress orders.Address       `json:"shipping_address"`
	BillingAddress  orders.Address       `json:"billing_address"`
	PromotionCode   string               `json:"promotion_code,omitempty"`
	PaymentMethod   orders.PaymentMethod `json:"payment_method"`
}

type Placer struct {
	d   Deps
	now func() time.Time
}

func New(d Deps) *Placer {
	if d.Notifier == nil {
		d.Notifier = orders.NopNotifier{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Placer{d: d, now: time.Now}
}

// PlaceOrder reserves stock and persists the order for the user's current
// cart in one transaction, serialized per user. Stock and cart are left
// untouched unless the transaction commits.
func (p *Placer) PlaceOrder(ctx context.Context, userID string, pl Placement) (*orders.Order, error) {
	if !pl.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: %q", orders.ErrInvalidPaymentMethod, pl.PaymentMethod)
	}
	if pl.BillingAddress.IsZero() {
		pl.BillingAddress = pl.ShippingAddress
	}

	var placed *orders.Order
	err := p.d.Locks.WithLock(ctx, fmt.Sprintf(redisx.LockOrderCreation, userID), p.d.LockWait, func(ctx context.Context) error {
		c := p.d.Carts.GetOrCreate(ctx, userID)
		if c.IsEmpty() {
			return orders.ErrCartEmpty
		}

		o, err := p.place(ctx, userID, c, pl)
		if err != nil {
			return err
		}
		placed = o

		if err := p.d.Carts.Clear(ctx, userID); err != nil {
			p.d.Log.Warn("clear cart after order", zap.String("user_id", userID), zap.String("order_id", o.ID), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := p.d.Log.With(zap.String("order_id", placed.ID), zap.String("user_id", userID))
	if err := p.d.Jobs.ProcessOrder(ctx, placed.ID); err != nil {
		// The reconciler picks the order up later.
		log.Error("enqueue process-order", zap.Error(err))
	}
	if err := p.d.Notifier.Publish(ctx, orders.NewStatusChanged(placed, p.now())); err != nil {
		log.Warn("publish order placed", zap.Error(err))
	}
	log.Info("order placed", zap.Int64("total", placed.TotalAmount), zap.Int("items", len(placed.Items)))
	return placed, nil
}

func (p *Placer) place(ctx context.Context, userID string, c *cart.Cart, pl Placement) (*orders.Order, error) {
	now := p.now()
	o := &orders.Order{
		ID:              p.d.IDs.NewID(),
		UserID:          userID,
		Status:          orders.StatusPending,
		PaymentStatus:   orders.PaymentPending,
		PaymentMethod:   pl.PaymentMethod,
		Subtotal:        cart.ComputeTotals(c).Subtotal,
		ShippingAddress: pl.ShippingAddress,
		BillingAddress:  pl.BillingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.TotalAmount = o.Subtotal

	err := p.d.Store.InTx(ctx, func(tx orders.Tx) error {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		var subtotal int64
		items := make([]orders.OrderItem, 0, len(c.Items))
		for _, line := range c.Lines() {
			v, err := tx.LockVariant(ctx, line.VariantID)
			if err != nil {
				return err
			}
			if v.StockQuantity < line.Quantity {
				return &orders.InsufficientStockError{VariantID: v.ID, Requested: line.Quantity, Available: v.StockQuantity}
			}
			it := orders.OrderItem{
				ID:         p.d.IDs.NewID(),
				OrderID:    o.ID,
				VariantID:  v.ID,
				Quantity:   line.Quantity,
				UnitPrice:  v.Price,
				TotalPrice: v.Price * int64(line.Quantity),
			}
			if err := tx.InsertOrderItem(ctx, &it); err != nil {
				return fmt.Errorf("insert item %s: %w", v.ID, err)
			}
			if err := tx.DecrementStock(ctx, v.ID, line.Quantity); err != nil {
				return err
			}
			subtotal += it.TotalPrice
			items = append(items, it)
		}

		discount, err := p.discount(ctx, userID, pl.PromotionCode, subtotal)
		if err != nil {
			return err
		}
		var promos []orders.OrderPromotion
		if discount > 0 {
			promo := orders.OrderPromotion{ID: p.d.IDs.NewID(), OrderID: o.ID, Code: pl.PromotionCode, DiscountAmount: discount}
			if err := tx.InsertPromotion(ctx, &promo); err != nil {
				return fmt.Errorf("insert promotion: %w", err)
			}
			promos = append(promos, promo)
		}

		total := subtotal - discount
		if err := tx.UpdateOrderTotals(ctx, o.ID, subtotal, discount, total); err != nil {
			return fmt.Errorf("update totals: %w", err)
		}
		if err := tx.InsertPayment(ctx, &orders.PaymentTransaction{
			ID:        p.d.IDs.NewID(),
			OrderID:   o.ID,
			Method:    pl.PaymentMethod,
			Amount:    total,
			Status:    orders.PaymentPending,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		o.Subtotal, o.DiscountAmount, o.TotalAmount = subtotal, discount, total
		o.Items, o.Promotions = items, promos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// discount is clamped to [0, subtotal].
func (p *Placer) discount(ctx context.Context, userID, code string, subtotal int64) (int64, error) {
	if code == "" || p.d.Promotions == nil {
		return 0, nil
	}
	d, err := p.d.Promotions.Discount(ctx, userID, code, subtotal)
	if err != nil {
		return 0, fmt.Errorf("promotion %s: %w", code, err)
	}
	return min(max(d, 0), subtotal), nil
}
