// Package notify delivers order status changes to subscribers: a Kafka
// broadcast topic for other services and a Redis pub/sub channel per user
// for live clients.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

type Publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafkago.Header) error
}

// Broadcaster wraps events in an envelope and publishes them keyed by
// order id.
type Broadcaster struct {
	pub      Publisher
	producer string
}

func NewBroadcaster(pub Publisher, producer string) *Broadcaster {
	return &Broadcaster{pub: pub, producer: producer}
}

func (b *Broadcaster) Publish(ctx context.Context, ev orders.StatusChanged) error {
	body, err := kafka.Wrap(orders.EventOrderStatusChanged, b.producer, ev.OrderID, ev, ev.Timestamp)
	if err != nil {
		return err
	}
	return b.pub.Publish(ctx, orders.PartitionKey(ev.OrderID), body,
		kafkago.Header{Key: "event_type", Value: []byte(orders.EventOrderStatusChanged)},
	)
}

// UserChannel publishes the bare event on orders:user:<userId>.
type UserChannel struct {
	rdb redis.UniversalClient
}

func NewUserChannel(rdb redis.UniversalClient) *UserChannel {
	return &UserChannel{rdb: rdb}
}

func (u *UserChannel) Publish(ctx context.Context, ev orders.StatusChanged) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return u.rdb.Publish(ctx, fmt.Sprintf(redisx.ChannelUserOrders, ev.UserID), b).Err()
}

// Fanout sends every event to all targets, even when one fails.
type Fanout []orders.Notifier

func (f Fanout) Publish(ctx context.Context, ev orders.StatusChanged) error {
	var errs []error
	for _, n := range f {
		if err := n.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
