package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captured struct {
	key, value []byte
	headers    []kafkago.Header
}

type fakePublisher struct {
	got []captured
	err error
}

func (f *fakePublisher) Publish(_ context.Context, key, value []byte, headers ...kafkago.Header) error {
	f.got = append(f.got, captured{key, value, headers})
	return f.err
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

var event = orders.StatusChanged{
	OrderID:     "o-1",
	Status:      orders.StatusShipped,
	UserID:      "u-1",
	TotalAmount: 150000,
	Items:       []orders.EventItem{{VariantID: "v-x", Quantity: 3, UnitPrice: 50000, TotalPrice: 150000}},
	Timestamp:   time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC),
}

func TestBroadcasterKeysByOrder(t *testing.T) {
	pub := &fakePublisher{}
	b := NewBroadcaster(pub, "order-api")

	require.NoError(t, b.Publish(context.Background(), event))
	require.Len(t, pub.got, 1)
	assert.Equal(t, "o-1", string(pub.got[0].key))
	assert.Equal(t, "event_type", pub.got[0].headers[0].Key)

	env, ev, err := kafka.Unwrap[orders.StatusChanged](pub.got[0].value)
	require.NoError(t, err)
	assert.Equal(t, "order-api", env.Producer)
	assert.Equal(t, event, ev)
}

func TestUserChannelPublishesToUser(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "orders:user:u-1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, NewUserChannel(rdb).Publish(ctx, event))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got orders.StatusChanged
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, event, got)
}

func TestFanoutReachesAllTargetsDespiteFailure(t *testing.T) {
	bad := &fakePublisher{err: errors.New("broker down")}
	good := &fakePublisher{}
	f := Fanout{NewBroadcaster(bad, "api"), NewBroadcaster(good, "api")}

	err := f.Publish(context.Background(), event)
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, bad.got, 1)
	assert.Len(t, good.got, 1)
	assert.NoError(t, Fanout{}.Publish(context.Background(), event))
}

func TestProjectorCachesStatus(t *testing.T) {
	rdb, mr := newRedis(t)
	cache := NewStatusCache(rdb)
	p := NewProjector(cache, zap.NewNop())
	ctx := context.Background()

	body, err := kafka.Wrap(orders.EventOrderStatusChanged, "api", "o-1", event, event.Timestamp)
	require.NoError(t, err)
	require.NoError(t, p.Handle(ctx, kafkago.Message{Key: []byte("o-1"), Value: body}))

	got, ok, err := cache.Get(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orders.StatusShipped, got.Status)
	assert.True(t, event.Timestamp.Equal(got.UpdatedAt))
	assert.Equal(t, 5*time.Minute, mr.TTL("order_status:o-1"))

	mr.FastForward(6 * time.Minute)
	_, ok, err = cache.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProjectorRejectsGarbage(t *testing.T) {
	rdb, _ := newRedis(t)
	p := NewProjector(NewStatusCache(rdb), zap.NewNop())
	assert.Error(t, p.Handle(context.Background(), kafkago.Message{Value: []byte("{")}))
}
