package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/ids"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrItemNotFound    = errors.New("cart item not found")
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// emptyField keeps the items hash alive while the cart has no items, so a
// missing key always means "no cart" and never "empty cart".
const emptyField = "__empty__"

type VariantLookup interface {
	GetVariant(ctx context.Context, id string) (*orders.Variant, error)
}

type Locker interface {
	WithLock(ctx context.Context, name string, wait time.Duration, fn func(ctx context.Context) error) error
}

type Options struct {
	TTL      time.Duration
	LockWait time.Duration
}

type Store struct {
	rdb      redis.UniversalClient
	locks    Locker
	variants VariantLookup
	ids      ids.Generator
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

func NewStore(rdb redis.UniversalClient, locks Locker, variants VariantLookup, gen ids.Generator, opts Options, log *zap.Logger) *Store {
	if opts.TTL <= 0 {
		opts.TTL = redisx.TTLCart
	}
	return &Store{rdb: rdb, locks: locks, variants: variants, ids: gen, opts: opts, log: log, now: time.Now}
}

func itemsKey(userID string) string { return fmt.Sprintf(redisx.KeyCartItems, userID) }
func metaKey(userID string) string  { return fmt.Sprintf(redisx.KeyCartMeta, userID) }
func lockName(userID string) string { return fmt.Sprintf(redisx.LockCart, userID) }

// GetOrCreate returns the user's cart, creating it if absent, and slides
// its TTL. It never fails: when the cache is unreachable the caller gets a
// fresh empty cart that is not persisted.
func (s *Store) GetOrCreate(ctx context.Context, userID string) *Cart {
	c, found, err := s.load(ctx, userID)
	if err != nil {
		s.log.Warn("cart cache unavailable, serving empty cart", zap.String("user_id", userID), zap.Error(err))
		return s.degraded(userID)
	}
	if found {
		if err := s.touch(ctx, userID); err != nil {
			s.log.Warn("cart ttl refresh failed", zap.String("user_id", userID), zap.Error(err))
		}
		return c
	}

	// Creation resets the items hash, so it runs under the cart lock and
	// re-reads first.
	err = s.locks.WithLock(ctx, lockName(userID), s.opts.LockWait, func(ctx context.Context) error {
		var err error
		c, found, err = s.load(ctx, userID)
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}
		if found {
			return nil
		}
		c = s.fresh(userID)
		return s.persist(ctx, c, true, nil, nil)
	})
	if err != nil {
		s.log.Warn("cart create failed, serving empty cart", zap.String("user_id", userID), zap.Error(err))
		return s.degraded(userID)
	}
	return c
}

// AddItem adds qty of a variant, merging with an existing line.
func (s *Store) AddItem(ctx context.Context, userID, variantID string, qty int) (*Cart, error) {
	if qty < 1 {
		return nil, ErrInvalidQuantity
	}
	return s.mutate(ctx, userID, func(ctx context.Context, c *Cart) ([]*Item, []string, error) {
		v, err := s.variants.GetVariant(ctx, variantID)
		if err != nil {
			return nil, nil, err
		}
		now := s.now()
		it, ok := c.Items[variantID]
		want := qty
		if ok {
			want += it.Quantity
		}
		if want > v.StockQuantity {
			return nil, nil, &orders.InsufficientStockError{VariantID: variantID, Requested: want, Available: v.StockQuantity}
		}
		if !ok {
			it = &Item{ID: s.ids.NewID(), VariantID: variantID, CreatedAt: now}
			c.Items[variantID] = it
		}
		it.Quantity = want
		it.Variant = snapshot(v)
		it.UpdatedAt = now
		return []*Item{it}, nil, nil
	})
}

// UpdateItem sets an item's quantity; zero removes it.
func (s *Store) UpdateItem(ctx context.Context, userID, itemID string, qty int) (*Cart, error) {
	if qty < 0 {
		return nil, ErrInvalidQuantity
	}
	return s.mutate(ctx, userID, func(ctx context.Context, c *Cart) ([]*Item, []string, error) {
		it, ok := c.ItemByID(itemID)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		if qty == 0 {
			delete(c.Items, it.VariantID)
			return nil, []string{it.VariantID}, nil
		}
		v, err := s.variants.GetVariant(ctx, it.VariantID)
		if err != nil {
			return nil, nil, err
		}
		if qty > v.StockQuantity {
			return nil, nil, &orders.InsufficientStockError{VariantID: it.VariantID, Requested: qty, Available: v.StockQuantity}
		}
		it.Quantity = qty
		it.Variant = snapshot(v)
		it.UpdatedAt = s.now()
		return []*Item{it}, nil, nil
	})
}

func (s *Store) RemoveItem(ctx context.Context, userID, itemID string) (*Cart, error) {
	return s.mutate(ctx, userID, func(ctx context.Context, c *Cart) ([]*Item, []string, error) {
		it, ok := c.ItemByID(itemID)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		delete(c.Items, it.VariantID)
		return nil, []string{it.VariantID}, nil
	})
}

// Clear empties the cart but keeps it, with the placeholder in place.
func (s *Store) Clear(ctx context.Context, userID string) error {
	return s.locks.WithLock(ctx, lockName(userID), s.opts.LockWait, func(ctx context.Context) error {
		c, found, err := s.load(ctx, userID)
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}
		if !found {
			c = s.fresh(userID)
		}
		c.Items = map[string]*Item{}
		c.UpdatedAt = s.now()
		return s.persist(ctx, c, true, nil, nil)
	})
}

type mutation func(ctx context.Context, c *Cart) (set []*Item, del []string, err error)

func (s *Store) mutate(ctx context.Context, userID string, fn mutation) (*Cart, error) {
	var out *Cart
	err := s.locks.WithLock(ctx, lockName(userID), s.opts.LockWait, func(ctx context.Context) error {
		c, found, err := s.load(ctx, userID)
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}
		if !found {
			c = s.fresh(userID)
		}
		set, del, err := fn(ctx, c)
		if err != nil {
			return err
		}
		c.UpdatedAt = s.now()
		if err := s.persist(ctx, c, !found, set, del); err != nil {
			return fmt.Errorf("save cart: %w", err)
		}
		out = c
		return nil
	})
	return out, err
}

func (s *Store) fresh(userID string) *Cart {
	now := s.now()
	return &Cart{ID: s.ids.NewID(), UserID: userID, Items: map[string]*Item{}, CreatedAt: now, UpdatedAt: now}
}

func (s *Store) degraded(userID string) *Cart {
	c := s.fresh(userID)
	c.Degraded = true
	return c
}

func (s *Store) load(ctx context.Context, userID string) (*Cart, bool, error) {
	var meta, items *redis.MapStringStringCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		meta = p.HGetAll(ctx, metaKey(userID))
		items = p.HGetAll(ctx, itemsKey(userID))
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	m := meta.Val()
	if m["id"] == "" {
		return nil, false, nil
	}
	c := &Cart{ID: m["id"], UserID: userID, Items: map[string]*Item{}}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"])
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"])

	for field, raw := range items.Val() {
		if field == emptyField {
			continue
		}
		var it Item
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return nil, false, fmt.Errorf("decode cart item %s: %w", field, err)
		}
		if it.Quantity <= 0 {
			continue
		}
		c.Items[field] = &it
	}
	return c, true, nil
}

// persist writes metadata plus the given item changes in one MULTI and
// slides both keys' TTL. reset drops every stored item first.
func (s *Store) persist(ctx context.Context, c *Cart, reset bool, set []*Item, del []string) error {
	src := set
	if reset {
		src = c.Lines()
	}
	encoded := make([]any, 0, 2*len(src))
	for _, it := range src {
		b, err := json.Marshal(it)
		if err != nil {
			return err
		}
		encoded = append(encoded, it.VariantID, b)
	}

	ik, mk := itemsKey(c.UserID), metaKey(c.UserID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, mk,
			"id", c.ID,
			"created_at", c.CreatedAt.Format(time.RFC3339Nano),
			"updated_at", c.UpdatedAt.Format(time.RFC3339Nano),
		)
		if reset {
			p.Del(ctx, ik)
		}
		if len(del) > 0 {
			p.HDel(ctx, ik, del...)
		}
		if len(encoded) > 0 {
			p.HSet(ctx, ik, encoded...)
		}
		if c.IsEmpty() {
			p.HSet(ctx, ik, emptyField, "1")
		} else {
			p.HDel(ctx, ik, emptyField)
		}
		p.Expire(ctx, ik, s.opts.TTL)
		p.Expire(ctx, mk, s.opts.TTL)
		return nil
	})
	return err
}

func (s *Store) touch(ctx context.Context, userID string) error {
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Expire(ctx, itemsKey(userID), s.opts.TTL)
		p.Expire(ctx, metaKey(userID), s.opts.TTL)
		return nil
	})
	return err
}

func snapshot(v *orders.Variant) VariantSnapshot {
	return VariantSnapshot{ProductID: v.ProductID, SKU: v.SKU, Name: v.Name, Price: v.Price}
}
