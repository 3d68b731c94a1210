package cart

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-order-fulfillment/internal/ids"
	"github.com/ariefcatur/go-order-fulfillment/internal/lock"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type catalog struct {
	mu       sync.Mutex
	variants map[string]orders.Variant
}

func (c *catalog) GetVariant(_ context.Context, id string) (*orders.Variant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.variants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orders.ErrVariantNotFound, id)
	}
	return &v, nil
}

func newStore(t *testing.T) (*Store, *miniredis.Miniredis, *catalog) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	cat := &catalog{variants: map[string]orders.Variant{
		"v-x": {ID: "v-x", ProductID: "p-1", SKU: "SKU-X", Name: "Shirt / M", Price: 50000, StockQuantity: 10},
		"v-y": {ID: "v-y", ProductID: "p-2", SKU: "SKU-Y", Name: "Cap", Price: 20000, StockQuantity: 2},
	}}
	locks := lock.New(rdb, lock.Options{Wait: 2 * time.Second, Poll: 2 * time.Millisecond}, zap.NewNop())
	s := NewStore(rdb, locks, cat, &ids.Sequence{Prefix: "id"}, Options{TTL: time.Hour}, zap.NewNop())
	return s, mr, cat
}

func TestGetOrCreateCreatesEmptyCartWithPlaceholder(t *testing.T) {
	s, mr, _ := newStore(t)

	c := s.GetOrCreate(context.Background(), "u1")

	assert.True(t, c.IsEmpty())
	assert.False(t, c.Degraded)
	assert.Equal(t, "1", mr.HGet("cart:u1:items", emptyField))
	assert.Equal(t, c.ID, mr.HGet("cart:u1:meta", "id"))
	assert.Equal(t, time.Hour, mr.TTL("cart:u1:items"))
	assert.Equal(t, time.Hour, mr.TTL("cart:u1:meta"))

	again := s.GetOrCreate(context.Background(), "u1")
	assert.Equal(t, c.ID, again.ID)
}

func TestGetOrCreateSlidesTTL(t *testing.T) {
	s, mr, _ := newStore(t)
	ctx := context.Background()

	s.GetOrCreate(ctx, "u1")
	mr.FastForward(50 * time.Minute)
	require.Equal(t, 10*time.Minute, mr.TTL("cart:u1:meta"))

	s.GetOrCreate(ctx, "u1")
	assert.Equal(t, time.Hour, mr.TTL("cart:u1:meta"))
	assert.Equal(t, time.Hour, mr.TTL("cart:u1:items"))
}

func TestGetOrCreateDoesNotOverwriteConcurrentAdd(t *testing.T) {
	s, mr, _ := newStore(t)
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	written := make(chan string, 1)
	go func() {
		_ = s.locks.WithLock(ctx, lockName("u1"), time.Second, func(ctx context.Context) error {
			close(holding)
			<-release
			// what AddItem writes for a cart it had to create
			c := s.fresh("u1")
			c.Items["v-x"] = &Item{ID: "it-1", VariantID: "v-x", Quantity: 1, CreatedAt: c.CreatedAt}
			written <- c.ID
			return s.persist(ctx, c, true, nil, nil)
		})
	}()
	<-holding

	got := make(chan *Cart, 1)
	go func() { got <- s.GetOrCreate(ctx, "u1") }()
	time.Sleep(20 * time.Millisecond) // GetOrCreate has missed the cart and waits on the lock
	close(release)

	c := <-got
	require.False(t, c.Degraded)
	assert.Equal(t, <-written, c.ID)
	require.Contains(t, c.Items, "v-x")
	assert.Equal(t, 1, c.Items["v-x"].Quantity)
	assert.NotEmpty(t, mr.HGet("cart:u1:items", "v-x"))
}

func TestAddItemMergesSameVariant(t *testing.T) {
	s, mr, _ := newStore(t)
	ctx := context.Background()

	c, err := s.AddItem(ctx, "u1", "v-x", 1)
	require.NoError(t, err)
	first := c.Items["v-x"].ID

	c, err = s.AddItem(ctx, "u1", "v-x", 2)
	require.NoError(t, err)

	require.Len(t, c.Items, 1)
	assert.Equal(t, 3, c.Items["v-x"].Quantity)
	assert.Equal(t, first, c.Items["v-x"].ID)
	assert.Equal(t, int64(50000), c.Items["v-x"].Variant.Price)
	assert.Empty(t, mr.HGet("cart:u1:items", emptyField))

	loaded := s.GetOrCreate(ctx, "u1")
	assert.Equal(t, 3, loaded.Items["v-x"].Quantity)
	assert.Equal(t, Totals{ItemCount: 3, Subtotal: 150000}, ComputeTotals(loaded))
}

func TestAddItemRejectsOverStock(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	_, err := s.AddItem(ctx, "u1", "v-y", 2)
	require.NoError(t, err)

	_, err = s.AddItem(ctx, "u1", "v-y", 1)
	require.ErrorIs(t, err, orders.ErrInsufficientStock)
	var ise *orders.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "v-y", ise.VariantID)
	assert.Equal(t, 3, ise.Requested)
	assert.Equal(t, 2, ise.Available)

	assert.Equal(t, 2, s.GetOrCreate(ctx, "u1").Items["v-y"].Quantity)
}

func TestAddItemValidation(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	_, err := s.AddItem(ctx, "u1", "v-x", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = s.AddItem(ctx, "u1", "nope", 1)
	assert.ErrorIs(t, err, orders.ErrVariantNotFound)
}

func TestConcurrentAddsSerialize(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddItem(ctx, "u1", "v-x", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, s.GetOrCreate(ctx, "u1").Items["v-x"].Quantity)
}

func TestUpdateItem(t *testing.T) {
	s, mr, _ := newStore(t)
	ctx := context.Background()

	c, err := s.AddItem(ctx, "u1", "v-x", 1)
	require.NoError(t, err)
	itemID := c.Items["v-x"].ID

	c, err = s.UpdateItem(ctx, "u1", itemID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Items["v-x"].Quantity)

	_, err = s.UpdateItem(ctx, "u1", itemID, 11)
	assert.ErrorIs(t, err, orders.ErrInsufficientStock)

	_, err = s.UpdateItem(ctx, "u1", itemID, -1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = s.UpdateItem(ctx, "u1", "missing", 1)
	assert.ErrorIs(t, err, ErrItemNotFound)

	c, err = s.UpdateItem(ctx, "u1", itemID, 0)
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())
	assert.Equal(t, "1", mr.HGet("cart:u1:items", emptyField))
	assert.Empty(t, mr.HGet("cart:u1:items", "v-x"))
}

func TestRemoveItem(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	_, err := s.AddItem(ctx, "u1", "v-x", 1)
	require.NoError(t, err)
	c, err := s.AddItem(ctx, "u1", "v-y", 1)
	require.NoError(t, err)

	c, err = s.RemoveItem(ctx, "u1", c.Items["v-y"].ID)
	require.NoError(t, err)
	assert.Len(t, c.Items, 1)
	assert.Contains(t, c.Items, "v-x")

	_, err = s.RemoveItem(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestClearKeepsCartWithPlaceholder(t *testing.T) {
	s, mr, _ := newStore(t)
	ctx := context.Background()

	c, err := s.AddItem(ctx, "u1", "v-x", 2)
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, "u1"))

	after := s.GetOrCreate(ctx, "u1")
	assert.True(t, after.IsEmpty())
	assert.Equal(t, c.ID, after.ID)
	assert.Equal(t, "1", mr.HGet("cart:u1:items", emptyField))
	assert.False(t, mr.Exists("lock:cartlock:u1"))
}

func TestGetOrCreateDegradesOnCacheFailure(t *testing.T) {
	s, mr, _ := newStore(t)
	mr.Close()

	c := s.GetOrCreate(context.Background(), "u1")

	require.NotNil(t, c)
	assert.True(t, c.Degraded)
	assert.True(t, c.IsEmpty())
	assert.Equal(t, "u1", c.UserID)
}

func TestMutationsFailWhenCacheDown(t *testing.T) {
	s, mr, _ := newStore(t)
	mr.Close()

	_, err := s.AddItem(context.Background(), "u1", "v-x", 1)
	assert.Error(t, err)
}

func TestLinesOrdering(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cart{Items: map[string]*Item{
		"b": {VariantID: "b", CreatedAt: t0},
		"a": {VariantID: "a", CreatedAt: t0},
		"c": {VariantID: "c", CreatedAt: t0.Add(-time.Minute)},
	}}
	lines := c.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{lines[0].VariantID, lines[1].VariantID, lines[2].VariantID})
}
