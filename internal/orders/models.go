package orders

import "time"

// Money values are int64 minor units.

type Variant struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	SKU           string    `json:"sku"`
	Name          string    `json:"name"`
	Price         int64     `json:"price"`
	StockQuantity int       `json:"stock_quantity"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Address struct {
	FullName   string `json:"full_name"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
}

func (a Address) IsZero() bool { return a == Address{} }

type Order struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Status          Status           `json:"status"`
	PaymentStatus   PaymentStatus    `json:"payment_status"`
	PaymentMethod   PaymentMethod    `json:"payment_method"`
	Subtotal        int64            `json:"subtotal"`
	DiscountAmount  int64            `json:"discount_amount"`
	TotalAmount     int64            `json:"total_amount"`
	ShippingAddress Address          `json:"shipping_address"`
	BillingAddress  Address          `json:"billing_address"`
	Items           []OrderItem      `json:"items"`
	Promotions      []OrderPromotion `json:"promotions"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// OrderItem prices are snapshots taken at placement and never rewritten.
type OrderItem struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	VariantID  string `json:"variant_id"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
	TotalPrice int64  `json:"total_price"`
}

type OrderPromotion struct {
	ID             string `json:"id"`
	OrderID        string `json:"order_id"`
	Code           string `json:"code"`
	DiscountAmount int64  `json:"discount_amount"`
}

type PaymentTransaction struct {
	ID        string        `json:"id"`
	OrderID   string        `json:"order_id"`
	Method    PaymentMethod `json:"method"`
	Amount    int64         `json:"amount"`
	Status    PaymentStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Clone returns a deep copy so callers can hand orders across goroutines
// without sharing the item slices.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.Promotions = append([]OrderPromotion(nil), o.Promotions...)
	return &c
}
