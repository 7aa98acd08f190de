package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const positionColumns = `
	id, ticker, side, qty, entry_price, entry_date,
	COALESCE(entry_signal_id, ''), COALESCE(entry_order_id, ''),
	COALESCE(current_price, 0), COALESCE(market_value, 0), COALESCE(unrealized_pl, 0),
	COALESCE(highest_price, 0), COALESCE(stop_loss_price, 0),
	COALESCE(take_profit_price, 0), COALESCE(trailing_stop_price, 0),
	is_open, exit_price, exit_date, COALESCE(exit_reason, ''),
	COALESCE(exit_order_id, ''), COALESCE(exit_signal_id, ''),
	realized_pl, realized_pl_pct, created_at, updated_at`

func scanPosition(row rowScanner) (Position, error) {
	var p Position
	err := row.Scan(&p.ID, &p.Ticker, &p.Side, &p.Qty, &p.EntryPrice, &p.EntryDate,
		&p.EntrySignalID, &p.EntryOrderID, &p.CurrentPrice, &p.MarketValue,
		&p.UnrealizedPL, &p.HighestPrice, &p.StopLossPrice, &p.TakeProfitPrice,
		&p.TrailingStopPrice, &p.IsOpen, &p.ExitPrice, &p.ExitDate, &p.ExitReason,
		&p.ExitOrderID, &p.ExitSignalID, &p.RealizedPL, &p.RealizedPLPct,
		&p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreatePosition inserts a new open position.
func (d *Database) CreatePosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (
			id, ticker, side, qty, entry_price, entry_date,
			entry_signal_id, entry_order_id, current_price, market_value,
			highest_price, stop_loss_price, take_profit_price, trailing_stop_price, is_open
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, p.ID, p.Ticker, p.Side, p.Qty, p.EntryPrice, p.EntryDate,
		nullString(p.EntrySignalID), nullString(p.EntryOrderID),
		p.CurrentPrice, p.MarketValue, p.HighestPrice,
		p.StopLossPrice, p.TakeProfitPrice, p.TrailingStopPrice)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// GetPosition returns a position by id.
func (d *Database) GetPosition(ctx context.Context, id string) (*Position, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return &p, nil
}

// GetOpenPositionByTicker returns the open position for a ticker, if any.
func (d *Database) GetOpenPositionByTicker(ctx context.Context, ticker string) (*Position, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE ticker = ? AND is_open = 1
	`, ticker)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open position: %w", err)
	}
	return &p, nil
}

// ListOpenPositions returns all open positions.
func (d *Database) ListOpenPositions(ctx context.Context) ([]Position, error) {
	return d.listPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE is_open = 1 ORDER BY entry_date ASC`)
}

// ListClosedPositions returns all closed positions.
func (d *Database) ListClosedPositions(ctx context.Context) ([]Position, error) {
	return d.listPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE is_open = 0 ORDER BY exit_date ASC`)
}

func (d *Database) listPositions(ctx context.Context, query string) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdatePositionMarket refreshes price-derived fields on an open position.
func (d *Database) UpdatePositionMarket(ctx context.Context, id string, currentPrice, marketValue, unrealizedPL, highestPrice, trailingStopPrice float64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions
		SET current_price = ?, market_value = ?, unrealized_pl = ?,
		    highest_price = ?, trailing_stop_price = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND is_open = 1
	`, currentPrice, marketValue, unrealizedPL, highestPrice, trailingStopPrice, id)
	if err != nil {
		return fmt.Errorf("update position market: %w", err)
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

// SetPositionExitOrder records the in-flight exit order for a position so the
// risk engine does not double-submit while it works its way to a fill.
func (d *Database) SetPositionExitOrder(ctx context.Context, id, exitOrderID, exitReason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions
		SET exit_order_id = ?, exit_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND is_open = 1
	`, exitOrderID, exitReason, id)
	if err != nil {
		return fmt.Errorf("set position exit order: %w", err)
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

// ClearPositionExitOrder detaches a failed exit order (canceled or rejected)
// so the next risk cycle can try again.
func (d *Database) ClearPositionExitOrder(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE positions
		SET exit_order_id = NULL, exit_reason = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND is_open = 1
	`, id)
	if err != nil {
		return fmt.Errorf("clear position exit order: %w", err)
	}
	return nil
}

// GetOpenPositionByExitOrder finds the open position waiting on an exit order.
func (d *Database) GetOpenPositionByExitOrder(ctx context.Context, exitOrderID string) (*Position, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE exit_order_id = ? AND is_open = 1
	`, exitOrderID)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query position by exit order: %w", err)
	}
	return &p, nil
}

// ClosePosition marks a position closed, setting exit fields together.
// Closed positions are terminal; re-entry requires a new Position row.
func (d *Database) ClosePosition(ctx context.Context, id string, exitPrice float64, exitDate time.Time, exitReason, exitOrderID string, realizedPL, realizedPLPct float64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions
		SET is_open = 0, exit_price = ?, exit_date = ?, exit_reason = ?,
		    exit_order_id = ?, realized_pl = ?, realized_pl_pct = ?,
		    current_price = ?, market_value = 0, unrealized_pl = 0,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND is_open = 1
	`, exitPrice, exitDate, exitReason, nullString(exitOrderID),
		realizedPL, realizedPLPct, exitPrice, id)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
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
