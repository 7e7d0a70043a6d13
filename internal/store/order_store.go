package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/soyeahso/shipbot/internal/domain"
)

const orderColumns = `id, user_id, session_id, idempotency_key, snapshot, rate, amount,
	payment_method, payment_status, shipping_status, label, created_at`

// OrderStore reads the permanent order records written by
// SessionStore.CompleteAndArchive.
type OrderStore struct {
	db *DB
}

// NewOrderStore creates an order store using the given database.
func NewOrderStore(db *DB) *OrderStore {
	return &OrderStore{db: db}
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                     domain.Order
		snapshot, rate, label string
		amount                int64
		createdAt             string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.SessionID, &o.IdempotencyKey, &snapshot, &rate, &amount,
		&o.PaymentMethod, &o.PaymentStatus, &o.ShippingStatus, &label, &createdAt); err != nil {
		return nil, err
	}
	o.Amount = domain.Money(amount)
	o.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(snapshot), &o.Snapshot); err != nil {
		return nil, fmt.Errorf("decoding snapshot of order %s: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(rate), &o.Rate); err != nil {
		return nil, fmt.Errorf("decoding rate of order %s: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(label), &o.Label); err != nil {
		return nil, fmt.Errorf("decoding label of order %s: %w", o.ID, err)
	}
	return &o, nil
}

func (s *OrderStore) one(ctx context.Context, op, where string, arg any) (*domain.Order, error) {
	o, err := scanOrder(s.db.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infra(op, err)
	}
	return o, nil
}

// Order returns an order by id.
func (s *OrderStore) Order(ctx context.Context, id string) (*domain.Order, error) {
	return s.one(ctx, "get order", "id = ?", id)
}

// OrderByKey returns the order created under an idempotency key.
func (s *OrderStore) OrderByKey(ctx context.Context, key string) (*domain.Order, error) {
	return s.one(ctx, "get order by key", "idempotency_key = ?", key)
}

// ListOrders returns orders newest first. An empty userID lists everyone's.
func (s *OrderStore) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, infra("list orders", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, infra("list orders", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, infra("list orders", err)
	}
	return out, nil
}

// UpdateOrderStatus changes the status columns of an order. Empty values
// leave a column unchanged. Nothing else about an order is mutable.
func (s *OrderStore) UpdateOrderStatus(ctx context.Context, id, paymentStatus, shippingStatus string) error {
	var sets []string
	var args []any
	if paymentStatus != "" {
		sets = append(sets, "payment_status = ?")
		args = append(args, paymentStatus)
	}
	if shippingStatus != "" {
		sets = append(sets, "shipping_status = ?")
		args = append(args, shippingStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	res, err := s.db.exec(ctx, `UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE id = ?`, append(args, id)...)
	if err != nil {
		return infra("update order", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOrders returns the number of stored orders.
func (s *OrderStore) CountOrders(ctx context.Context) (int, error) {
	var n int
	if err := s.db.queryRow(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		return 0, infra("count orders", err)
	}
	return n, nil
}
