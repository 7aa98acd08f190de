package db

import (
	"context"
	"database/sql"
	"fmt"
)

const orderColumns = `
	id, account_id, ticker, side, qty, order_type, COALESCE(limit_price, 0),
	idempotency_key, lookup_key, COALESCE(broker_order_id, ''), status,
	COALESCE(filled_qty, 0), COALESCE(filled_avg_price, 0),
	COALESCE(signal_id, ''), COALESCE(exit_reason, ''),
	submitted_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.AccountID, &o.Ticker, &o.Side, &o.Qty, &o.OrderType,
		&o.LimitPrice, &o.IdempotencyKey, &o.LookupKey, &o.BrokerOrderID, &o.Status,
		&o.FilledQty, &o.FilledAvgPrice, &o.SignalID, &o.ExitReason,
		&o.SubmittedAt, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// CreateOrderTx inserts a new order row inside an existing transaction.
func (d *Database) CreateOrderTx(ctx context.Context, tx *sql.Tx, o Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, account_id, ticker, side, qty, order_type, limit_price,
			idempotency_key, lookup_key, broker_order_id, status,
			filled_qty, filled_avg_price, signal_id, exit_reason, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.AccountID, o.Ticker, o.Side, o.Qty, o.OrderType, nullFloat(o.LimitPrice),
		o.IdempotencyKey, o.LookupKey, nullString(o.BrokerOrderID), o.Status,
		o.FilledQty, o.FilledAvgPrice, nullString(o.SignalID), nullString(o.ExitReason),
		o.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder returns an order by local id.
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// GetOrderByLookupKey returns the most recent order with the given
// deterministic duplicate-detection key, if any.
func (d *Database) GetOrderByLookupKey(ctx context.Context, lookupKey string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE lookup_key = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, lookupKey)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by lookup key: %w", err)
	}
	return &o, nil
}

// GetOrderByBrokerID returns the order holding a broker-side order id.
func (d *Database) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE broker_order_id = ?
	`, brokerOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by broker id: %w", err)
	}
	return &o, nil
}

// ListOrders returns the newest orders first.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListOpenOrders returns orders that have not reached a terminal status.
func (d *Database) ListOpenOrders(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('filled', 'canceled', 'rejected', 'expired')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateOrderStatusTx updates the mutable status/fill columns of an order.
// The audit trail of how the order got here lives in order_state_log.
func (d *Database) UpdateOrderStatusTx(ctx context.Context, tx *sql.Tx, orderID, status string, filledQty, filledAvgPrice float64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_qty = ?, filled_avg_price = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, filledQty, filledAvgPrice, orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOrderBrokerID records the broker-side order id once it is known, e.g.
// when the sync job matches a timed-out submission by client order id.
func (d *Database) SetOrderBrokerID(ctx context.Context, orderID, brokerOrderID string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET broker_order_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, brokerOrderID, orderID)
	if err != nil {
		return fmt.Errorf("set broker order id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrderByIdempotencyKey returns the order persisted under a storage key.
func (d *Database) GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE idempotency_key = ?
	`, key)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by idempotency key: %w", err)
	}
	return &o, nil
}

// CountOrdersToday counts non-rejected orders created on the given local day
// (YYYY-MM-DD), for the daily trade limit.
func (d *Database) CountOrdersToday(ctx context.Context, day string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE date(created_at) = ? AND status != 'rejected'
	`, day).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orders today: %w", err)
	}
	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
