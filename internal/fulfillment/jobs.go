// Package fulfillment drives placed orders to completion through the job
// queue: payment confirmation, inventory and fraud checks, shipping,
// delivery and refunds.
package fulfillment

const (
	JobProcessOrder   = "process-order"
	JobShipOrder      = "ship-order"
	JobNotifyDelivery = "notify-delivery"
	JobHandleRefund   = "handle-refund"
)

type OrderPayload struct {
	OrderID string `json:"orderId"`
}

type RefundPayload struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// Carrier-reported tracking statuses. Only TrackingDelivered moves the order.
const (
	TrackingInTransit = "IN_TRANSIT"
	TrackingDelivered = "DELIVERED"
	TrackingFailed    = "FAILED_ATTEMPT"
)

type TrackingUpdate struct {
	Status         string `json:"status"`
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
}

type TrackingPayload struct {
	OrderID        string         `json:"orderId"`
	TrackingUpdate TrackingUpdate `json:"trackingUpdate"`
}
