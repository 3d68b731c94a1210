// Package orderstest provides an in-memory orders.Store with real
// transaction semantics: a transaction works on a private copy that
// replaces the shared state only when fn returns nil.
package orderstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
)

type state struct {
	variants map[string]orders.Variant
	orders   map[string]*orders.Order
	payments map[string]orders.PaymentTransaction // by order id
}

func (s *state) clone() *state {
	c := &state{
		variants: make(map[string]orders.Variant, len(s.variants)),
		orders:   make(map[string]*orders.Order, len(s.orders)),
		payments: make(map[string]orders.PaymentTransaction, len(s.payments)),
	}
	for k, v := range s.variants {
		c.variants[k] = v
	}
	for k, o := range s.orders {
		c.orders[k] = o.Clone()
	}
	for k, p := range s.payments {
		c.payments[k] = p
	}
	return c
}

type Store struct {
	mu   sync.Mutex
	st   *state
	fail map[string]error
	txs  int
}

var _ orders.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		st: &state{
			variants: map[string]orders.Variant{},
			orders:   map[string]*orders.Order{},
			payments: map[string]orders.PaymentTransaction{},
		},
		fail: map[string]error{},
	}
}

// FailOn makes the named Tx method (e.g. "InsertPayment") return err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

func (s *Store) PutVariant(v orders.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.variants[v.ID] = v
}

func (s *Store) PutOrder(o *orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.orders[o.ID] = o.Clone()
}

func (s *Store) Stock(variantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.variants[variantID].StockQuantity
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.orders)
}

func (s *Store) Payment(orderID string) (orders.PaymentTransaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.payments[orderID]
	return p, ok
}

// Commits counts successful transactions.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txs
}

func (s *Store) InTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&tx{st: work, fail: s.fail}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	s.txs++
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}

func (s *Store) GetVariant(_ context.Context, id string) (*orders.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.variants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orders.ErrVariantNotFound, id)
	}
	return &v, nil
}

func (s *Store) ListStalled(_ context.Context, before time.Time, limit int) ([]orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Order
	for _, o := range s.st.orders {
		ready := o.Status == orders.StatusPaid ||
			(o.Status == orders.StatusPending && o.PaymentMethod == orders.PaymentCOD)
		if ready && o.UpdatedAt.Before(before) {
			c := *o
			c.Items, c.Promotions = nil, nil
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type tx struct {
	st   *state
	fail map[string]error
}

func (t *tx) InsertOrder(_ context.Context, o *orders.Order) error {
	if err := t.fail["InsertOrder"]; err != nil {
		return err
	}
	if _, dup := t.st.orders[o.ID]; dup {
		return fmt.Errorf("duplicate order %s", o.ID)
	}
	c := o.Clone()
	c.Items, c.Promotions = nil, nil
	t.st.orders[o.ID] = c
	return nil
}

func (t *tx) InsertOrderItem(_ context.Context, it *orders.OrderItem) error {
	if err := t.fail["InsertOrderItem"]; err != nil {
		return err
	}
	o, ok := t.st.orders[it.OrderID]
	if !ok {
		return fmt.Errorf("%w: %s", orders.ErrOrderNotFound, it.OrderID)
	}
	o.Items = append(o.Items, *it)
	return nil
}

func (t *tx) InsertPromotion(_ context.Context, p *orders.OrderPromotion) error {
	if err := t.fail["InsertPromotion"]; err != nil {
		return err
	}
	o, ok := t.st.orders[p.OrderID]
	if !ok {
		return fmt.Errorf("%w: %s", orders.ErrOrderNotFound, p.OrderID)
	}
	o.Promotions = append(o.Promotions, *p)
	return nil
}

func (t *tx) InsertPayment(_ context.Context, p *orders.PaymentTransaction) error {
	if err := t.fail["InsertPayment"]; err != nil {
		return err
	}
	t.st.payments[p.OrderID] = *p
	return nil
}

func (t *tx) UpdateOrderTotals(_ context.Context, orderID string, subtotal, discount, total int64) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", orders.ErrOrderNotFound, orderID)
	}
	o.Subtotal, o.DiscountAmount, o.TotalAmount = subtotal, discount, total
	return nil
}

func (t *tx) LockVariant(_ context.Context, id string) (*orders.Variant, error) {
	v, ok := t.st.variants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orders.ErrVariantNotFound, id)
	}
	return &v, nil
}

func (t *tx) DecrementStock(_ context.Context, variantID string, qty int) error {
	if err := t.fail["DecrementStock"]; err != nil {
		return err
	}
	v, ok := t.st.variants[variantID]
	if !ok {
		return fmt.Errorf("%w: %s", orders.ErrVariantNotFound, variantID)
	}
	if v.StockQuantity < qty {
		return &orders.InsufficientStockError{VariantID: variantID, Requested: qty, Available: v.StockQuantity}
	}
	v.StockQuantity -= qty
	t.st.variants[variantID] = v
	return nil
}

func (t *tx) IncrementStock(_ context.Context, variantID string, qty int) error {
	if err := t.fail["IncrementStock"]; err != nil {
		return err
	}
	v, ok := t.st.variants[variantID]
	if !ok {
		return fmt.Errorf("%w: %s", orders.ErrVariantNotFound, variantID)
	}
	v.StockQuantity += qty
	t.st.variants[variantID] = v
	return nil
}

func (t *tx) LockOrder(_ context.Context, id string) (*orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}

func (t *tx) UpdateStatus(_ context.Context, orderID string, from, to orders.Status) error {
	if err := t.fail["UpdateStatus"]; err != nil {
		return err
	}
	o, ok := t.st.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", orders.ErrOrderNotFound, orderID)
	}
	if o.Status != from {
		return &orders.TransitionError{OrderID: orderID, From: from, To: to}
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return nil
}

func (t *tx) UpdatePaymentStatus(_ context.Context, orderID string, status orders.PaymentStatus) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", orders.ErrOrderNotFound, orderID)
	}
	o.PaymentStatus = status
	if p, ok := t.st.payments[orderID]; ok {
		p.Status = status
		t.st.payments[orderID] = p
	}
	return nil
}
