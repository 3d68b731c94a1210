package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type CachedStatus struct {
	Status    orders.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StatusCache is the short-lived read model at order_status:<id>.
type StatusCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewStatusCache(rdb redis.UniversalClient) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: redisx.TTLStatusCache}
}

func statusKey(orderID string) string { return fmt.Sprintf(redisx.KeyOrderStatus, orderID) }

func (c *StatusCache) Put(ctx context.Context, orderID string, s CachedStatus) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, statusKey(orderID), b, c.ttl).Err()
}

// Get reports false on a miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool, error) {
	var s CachedStatus
	b, err := c.rdb.Get(ctx, statusKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, false, err
	}
	return s, true, nil
}

// Projector consumes the broadcast topic and keeps StatusCache current.
type Projector struct {
	cache *StatusCache
	log   *zap.Logger
}

func NewProjector(cache *StatusCache, log *zap.Logger) *Projector {
	return &Projector{cache: cache, log: log}
}

func (p *Projector) Handle(ctx context.Context, m kafkago.Message) error {
	env, ev, err := kafka.Unwrap[orders.StatusChanged](m.Value)
	if err != nil {
		return err
	}
	if env.EventType != orders.EventOrderStatusChanged {
		return nil
	}
	if err := p.cache.Put(ctx, ev.OrderID, CachedStatus{Status: ev.Status, UpdatedAt: ev.Timestamp}); err != nil {
		return fmt.Errorf("cache status %s: %w", ev.OrderID, err)
	}
	p.log.Debug("status projected", zap.String("order_id", ev.OrderID), zap.String("status", string(ev.Status)))
	return nil
}
