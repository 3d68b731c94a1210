package cart

import (
	"sort"
	"time"
)

// VariantSnapshot is the catalog view captured when the item was last
// added or updated. Checkout re-reads live prices; this is for display.
type VariantSnapshot struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
}

type Item struct {
	ID        string          `json:"id"`
	VariantID string          `json:"variant_id"`
	Quantity  int             `json:"quantity"`
	Variant   VariantSnapshot `json:"variant"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Cart is keyed by variant id so adding the same variant twice merges.
type Cart struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Items     map[string]*Item `json:"items"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// Degraded is set when the cart could not be read from or written to
	// the cache and is a throwaway empty cart.
	Degraded bool `json:"degraded,omitempty"`
}

func (c *Cart) IsEmpty() bool { return len(c.Items) == 0 }

// ItemByID finds an item by its own id rather than the variant key.
func (c *Cart) ItemByID(id string) (*Item, bool) {
	for _, it := range c.Items {
		if it.ID == id {
			return it, true
		}
	}
	return nil, false
}

// Lines returns the items oldest first, ties broken by variant id.
func (c *Cart) Lines() []*Item {
	out := make([]*Item, 0, len(c.Items))
	for _, it := range c.Items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].VariantID < out[j].VariantID
	})
	return out
}

type Totals struct {
	ItemCount int   `json:"item_count"`
	Subtotal  int64 `json:"subtotal"`
}

// ComputeTotals sums quantities and snapshot prices.
func ComputeTotals(c *Cart) Totals {
	var t Totals
	for _, it := range c.Items {
		t.ItemCount += it.Quantity
		t.Subtotal += it.Variant.Price * int64(it.Quantity)
	}
	return t
}
