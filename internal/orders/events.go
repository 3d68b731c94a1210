package orders

import (
	"context"
	"encoding/json"
	"time"
)

const EventOrderStatusChanged = "OrderStatusChanged"

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type EventItem struct {
	VariantID  string `json:"variantId"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unitPrice"`
	TotalPrice int64  `json:"totalPrice"`
}

// StatusChanged is the view pushed to subscribers after every committed
// status write, including the initial PENDING one.
type StatusChanged struct {
	OrderID     string      `json:"orderId"`
	Status      Status      `json:"status"`
	UserID      string      `json:"userId"`
	TotalAmount int64       `json:"totalAmount"`
	Items       []EventItem `json:"items"`
	Timestamp   time.Time   `json:"timestamp"`
}

func NewStatusChanged(o *Order, at time.Time) StatusChanged {
	items := make([]EventItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, EventItem{
			VariantID:  it.VariantID,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
			TotalPrice: it.TotalPrice,
		})
	}
	return StatusChanged{
		OrderID:     o.ID,
		Status:      o.Status,
		UserID:      o.UserID,
		TotalAmount: o.TotalAmount,
		Items:       items,
		Timestamp:   at.UTC(),
	}
}

// Notifier delivers status-changed events. Delivery is best effort;
// callers log failures and move on.
type Notifier interface {
	Publish(ctx context.Context, ev StatusChanged) error
}

type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, StatusChanged) error { return nil }
