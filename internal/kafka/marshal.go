package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/google/uuid"
)

// Wrap builds a versioned envelope around payload, correlated by order id.
func Wrap(eventType, producer, orderID string, payload any, at time.Time) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return json.Marshal(orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       body,
	})
}

// Unwrap decodes an envelope and its payload as T.
func Unwrap[T any](b []byte) (orders.Envelope, T, error) {
	var (
		env orders.Envelope
		t   T
	)
	if err := json.Unmarshal(b, &env); err != nil {
		return env, t, fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return env, t, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return env, t, nil
}
