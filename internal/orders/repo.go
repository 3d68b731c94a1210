package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the Postgres Store.
type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

// querier is what *pgxpool.Pool and pgx.Tx have in common.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repo) GetOrder(ctx context.Context, id string) (*Order, error) {
	return loadOrder(ctx, r.DB, id, false)
}

func (r *Repo) GetVariant(ctx context.Context, id string) (*Variant, error) {
	return loadVariant(ctx, r.DB, id, false)
}

func (r *Repo) ListStalled(ctx context.Context, before time.Time, limit int) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+`
	                                FROM orders
	                               WHERE (status = $1 OR (status = $2 AND payment_method = $3))
	                                 AND updated_at < $4
	                               ORDER BY updated_at
	                               LIMIT $5`,
		string(StatusPaid), string(StatusPending), string(PaymentCOD), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) InsertOrder(ctx context.Context, o *Order) error {
	ship, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	bill, err := json.Marshal(o.BillingAddress)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, payment_status, payment_method,
		                   subtotal, discount_amount, total_amount,
		                   shipping_address, billing_address, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.UserID, string(o.Status), string(o.PaymentStatus), string(o.PaymentMethod),
		o.Subtotal, o.DiscountAmount, o.TotalAmount, ship, bill, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (t *pgTx) InsertOrderItem(ctx context.Context, it *OrderItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_items(id, order_id, variant_id, quantity, unit_price, total_price)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		it.ID, it.OrderID, it.VariantID, it.Quantity, it.UnitPrice, it.TotalPrice,
	)
	return err
}

func (t *pgTx) InsertPromotion(ctx context.Context, p *OrderPromotion) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_promotions(id, order_id, code, discount_amount)
		VALUES ($1,$2,$3,$4)`,
		p.ID, p.OrderID, p.Code, p.DiscountAmount,
	)
	return err
}

func (t *pgTx) InsertPayment(ctx context.Context, p *PaymentTransaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payment_transactions(id, order_id, method, amount, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.OrderID, string(p.Method), p.Amount, string(p.Status), p.CreatedAt,
	)
	return err
}

func (t *pgTx) UpdateOrderTotals(ctx context.Context, orderID string, subtotal, discount, total int64) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET subtotal=$2, discount_amount=$3, total_amount=$4, updated_at=now()
		 WHERE id=$1`, orderID, subtotal, discount, total)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return nil
}

func (t *pgTx) LockVariant(ctx context.Context, id string) (*Variant, error) {
	return loadVariant(ctx, t.tx, id, true)
}

// DecrementStock is conditional on the row still covering qty, so stock
// cannot go negative even if a caller skipped LockVariant.
func (t *pgTx) DecrementStock(ctx context.Context, variantID string, qty int) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE product_variants SET stock_quantity = stock_quantity - $2, updated_at = now()
		 WHERE id=$1 AND stock_quantity >= $2`, variantID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	v, err := loadVariant(ctx, t.tx, variantID, false)
	if err != nil {
		return err
	}
	return &InsufficientStockError{VariantID: variantID, Requested: qty, Available: v.StockQuantity}
}

func (t *pgTx) IncrementStock(ctx context.Context, variantID string, qty int) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE product_variants SET stock_quantity = stock_quantity + $2, updated_at = now()
		 WHERE id=$1`, variantID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (*Order, error) {
	return loadOrder(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateStatus(ctx context.Context, orderID string, from, to Status) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=now()
		 WHERE id=$1 AND status=$2`, orderID, string(from), string(to))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return &TransitionError{OrderID: orderID, From: from, To: to}
	}
	return nil
}

func (t *pgTx) UpdatePaymentStatus(ctx context.Context, orderID string, status PaymentStatus) error {
	if _, err := t.tx.Exec(ctx, `UPDATE orders SET payment_status=$2, updated_at=now() WHERE id=$1`,
		orderID, string(status)); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `UPDATE payment_transactions SET status=$2 WHERE order_id=$1`,
		orderID, string(status))
	return err
}

const orderColumns = `id, user_id, status, payment_status, payment_method,
	subtotal, discount_amount, total_amount, shipping_address, billing_address,
	created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                      Order
		status, pstat, pmethod string
		ship, bill             []byte
	)
	if err := row.Scan(&o.ID, &o.UserID, &status, &pstat, &pmethod,
		&o.Subtotal, &o.DiscountAmount, &o.TotalAmount, &ship, &bill,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status, o.PaymentStatus, o.PaymentMethod = Status(status), PaymentStatus(pstat), PaymentMethod(pmethod)
	if len(ship) > 0 {
		if err := json.Unmarshal(ship, &o.ShippingAddress); err != nil {
			return nil, fmt.Errorf("decode shipping address: %w", err)
		}
	}
	if len(bill) > 0 {
		if err := json.Unmarshal(bill, &o.BillingAddress); err != nil {
			return nil, fmt.Errorf("decode billing address: %w", err)
		}
	}
	return &o, nil
}

func loadOrder(ctx context.Context, q querier, id string, forUpdate bool) (*Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT id, order_id, variant_id, quantity, unit_price, total_price
	                             FROM order_items WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.VariantID, &it.Quantity, &it.UnitPrice, &it.TotalPrice); err != nil {
			rows.Close()
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx, `SELECT id, order_id, code, discount_amount
	                            FROM order_promotions WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p OrderPromotion
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Code, &p.DiscountAmount); err != nil {
			return nil, err
		}
		o.Promotions = append(o.Promotions, p)
	}
	return o, rows.Err()
}

func loadVariant(ctx context.Context, q querier, id string, forUpdate bool) (*Variant, error) {
	sql := `SELECT id, product_id, sku, name, price, stock_quantity, updated_at
	          FROM product_variants WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var v Variant
	err := q.QueryRow(ctx, sql, id).Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.Price, &v.StockQuantity, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
