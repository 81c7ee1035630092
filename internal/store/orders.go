package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const orderColumns = `id, seller_id, user_id, idempotency_key, position, status, payment_status,
	payment_method, currency, subtotal, discount, total_price, coupon_code, gateway_order_id,
	gateway_payment_id, cancel_reason, shipping_address, created_at, updated_at`

// CreateOrders inserts every order of an attempt with its items in one
// transaction. A second attempt with the same idempotency key violates the
// (idempotency_key, position) constraint and returns apperr.ErrDuplicateKey.
func (s *Store) CreateOrders(ctx context.Context, orders []*models.Order) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, o := range orders {
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO orders (`+orderColumns+`)
				VALUES (:id, :seller_id, :user_id, :idempotency_key, :position, :status, :payment_status,
					:payment_method, :currency, :subtotal, :discount, :total_price, :coupon_code, :gateway_order_id,
					:gateway_payment_id, :cancel_reason, :shipping_address, :created_at, :updated_at)`, o)
			if err != nil {
				return err
			}
			for i := range o.Items {
				item := &o.Items[i]
				item.OrderID = o.ID
				err := tx.GetContext(ctx, &item.ID, `
					INSERT INTO order_items (order_id, product_id, seller_listing_id, quantity, unit_price)
					VALUES ($1, $2, $3, $4, $5)
					RETURNING id`,
					item.OrderID, item.ProductID, item.SellerListingID, item.Quantity, item.UnitPrice)
				if err != nil {
					return fmt.Errorf("failed to create order item: %w", err)
				}
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("idempotency key %s: %w", orders[0].IdempotencyKey, apperr.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("failed to create orders: %w", err)
	}
	return nil
}

// GetOrdersByIdempotencyKey returns the orders of an attempt by position.
func (s *Store) GetOrdersByIdempotencyKey(ctx context.Context, key string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1 ORDER BY position", key)
	if err != nil {
		return nil, err
	}
	return orders, attachItems(ctx, s.db, orders)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	orders := []models.Order{order}
	if err := attachItems(ctx, s.db, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// GetOrdersByIDs returns the orders found among ids, in the order of ids.
func (s *Store) GetOrdersByIDs(ctx context.Context, ids []string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, err
	}
	orders = inIDOrder(orders, ids)
	return orders, attachItems(ctx, s.db, orders)
}

// ListOrders pages through orders matching the filter, newest first.
func (s *Store) ListOrders(ctx context.Context, f models.OrderFilter) (*models.Page[models.Order], error) {
	f.Page, f.Limit = models.Normalize(f.Page, f.Limit)

	var (
		conds []string
		args  []interface{}
	)
	add := func(col, val string) {
		if val != "" {
			args = append(args, val)
			conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	add("user_id", f.UserID)
	add("seller_id", f.SellerID)
	add("status", f.Status)
	add("payment_status", f.PaymentStatus)

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM orders"+where, args...); err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	query := fmt.Sprintf("SELECT %s FROM orders%s ORDER BY created_at DESC, idempotency_key, position LIMIT $%d OFFSET $%d",
		orderColumns, where, len(args)-1, len(args))

	var orders []models.Order
	if err := s.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	if err := attachItems(ctx, s.db, orders); err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return &models.Page[models.Order]{Items: orders, Page: f.Page, Limit: f.Limit, Total: total}, nil
}

// UpdateOrders locks the orders FOR UPDATE, applies fn and writes the
// mutable columns back. Either every order is updated or none is.
func (s *Store) UpdateOrders(ctx context.Context, ids []string, fn func([]*models.Order) error) ([]models.Order, error) {
	var out []models.Order
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var orders []models.Order
		err := tx.SelectContext(ctx, &orders,
			"SELECT "+orderColumns+" FROM orders WHERE id = ANY($1) ORDER BY id FOR UPDATE", pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to lock orders: %w", err)
		}
		orders = inIDOrder(orders, ids)
		if len(orders) != len(ids) {
			return fmt.Errorf("%d of %d orders: %w", len(orders), len(ids), apperr.ErrNotFound)
		}
		if err := attachItems(ctx, tx, orders); err != nil {
			return err
		}

		work := make([]*models.Order, len(orders))
		for i := range orders {
			work[i] = &orders[i]
		}
		if err := fn(work); err != nil {
			return err
		}

		for _, o := range work {
			_, err := tx.NamedExecContext(ctx, `
				UPDATE orders SET status = :status, payment_status = :payment_status,
					gateway_order_id = :gateway_order_id, gateway_payment_id = :gateway_payment_id,
					cancel_reason = :cancel_reason, updated_at = :updated_at
				WHERE id = :id`, o)
			if err != nil {
				return fmt.Errorf("failed to update order %s: %w", o.ID, err)
			}
		}
		out = orders
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func inIDOrder(orders []models.Order, ids []string) []models.Order {
	byID := make(map[string]models.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}
	out := make([]models.Order, 0, len(orders))
	for _, id := range ids {
		if o, ok := byID[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

type queryer interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

// attachItems loads the items of orders in one query.
func attachItems(ctx context.Context, q queryer, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := models.OrderIDs(orders)
	query, args, err := sqlx.In("SELECT id, order_id, product_id, seller_listing_id, quantity, unit_price FROM order_items WHERE order_id IN (?) ORDER BY id", ids)
	if err != nil {
		return err
	}

	var items []models.OrderItem
	if err := q.SelectContext(ctx, &items, q.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	index := make(map[string]int, len(orders))
	for i := range orders {
		index[orders[i].ID] = i
		orders[i].Items = nil
	}
	for _, it := range items {
		i := index[it.OrderID]
		orders[i].Items = append(orders[i].Items, it)
	}
	return nil
}
