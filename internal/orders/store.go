package orders

import (
	"context"
	"time"
)

// Store is the relational system of record for orders and variant stock.
type Store interface {
	// InTx runs fn in one database transaction. A non-nil error from fn
	// rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, id string) (*Order, error)
	GetVariant(ctx context.Context, id string) (*Variant, error)
	// ListStalled returns orders ready for processing (PAID, or PENDING
	// cash on delivery) last updated before the cutoff, oldest first,
	// without items.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]Order, error)
}

type Tx interface {
	InsertOrder(ctx context.Context, o *Order) error
	InsertOrderItem(ctx context.Context, it *OrderItem) error
	InsertPromotion(ctx context.Context, p *OrderPromotion) error
	InsertPayment(ctx context.Context, p *PaymentTransaction) error
	UpdateOrderTotals(ctx context.Context, orderID string, subtotal, discount, total int64) error

	// LockVariant reads a variant row and holds it until the transaction ends.
	LockVariant(ctx context.Context, id string) (*Variant, error)
	// DecrementStock fails with *InsufficientStockError instead of going negative.
	DecrementStock(ctx context.Context, variantID string, qty int) error
	IncrementStock(ctx context.Context, variantID string, qty int) error

	// LockOrder reads an order with items and holds the row.
	LockOrder(ctx context.Context, id string) (*Order, error)
	// UpdateStatus writes to only if the current status is still from.
	UpdateStatus(ctx context.Context, orderID string, from, to Status) error
	UpdatePaymentStatus(ctx context.Context, orderID string, status PaymentStatus) error
}
