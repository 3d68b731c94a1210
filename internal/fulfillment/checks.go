package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
)

var (
	ErrFraudSuspected    = errors.New("order flagged for fraud review")
	ErrInventoryMismatch = errors.New("inventory check failed")
)

// Checker is a pre-shipment signal. Any error holds the order.
type Checker interface {
	Check(ctx context.Context, o *orders.Order) error
}

type CheckerFunc func(ctx context.Context, o *orders.Order) error

func (f CheckerFunc) Check(ctx context.Context, o *orders.Order) error { return f(ctx, o) }

// AmountLimit flags orders whose total exceeds the limit. Zero disables it.
type AmountLimit int64

func (l AmountLimit) Check(_ context.Context, o *orders.Order) error {
	if l > 0 && o.TotalAmount > int64(l) {
		return fmt.Errorf("%w: total %d over limit %d", ErrFraudSuspected, o.TotalAmount, int64(l))
	}
	return nil
}

type VariantLookup interface {
	GetVariant(ctx context.Context, id string) (*orders.Variant, error)
}

// CatalogCheck verifies every ordered variant is still in the catalog.
type CatalogCheck struct {
	Variants VariantLookup
}

func (c CatalogCheck) Check(ctx context.Context, o *orders.Order) error {
	for _, it := range o.Items {
		if _, err := c.Variants.GetVariant(ctx, it.VariantID); err != nil {
			return fmt.Errorf("%w: variant %s: %w", ErrInventoryMismatch, it.VariantID, err)
		}
	}
	return nil
}
