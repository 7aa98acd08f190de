package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const signalColumns = `
	id, ticker, classification, confidence, COALESCE(model_ref, ''),
	asset_type, valid_from, valid_until, archived, created_at`

func scanSignal(row rowScanner) (Signal, error) {
	var s Signal
	err := row.Scan(&s.ID, &s.Ticker, &s.Classification, &s.Confidence, &s.ModelRef,
		&s.AssetType, &s.ValidFrom, &s.ValidUntil, &s.Archived, &s.CreatedAt)
	return s, err
}

// CreateSignal inserts a signal produced by the external model pipeline.
func (d *Database) CreateSignal(ctx context.Context, s Signal) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (id, ticker, classification, confidence, model_ref, asset_type, valid_from, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Ticker, s.Classification, s.Confidence, nullString(s.ModelRef),
		s.AssetType, s.ValidFrom, s.ValidUntil)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// GetSignal returns a signal by id.
func (d *Database) GetSignal(ctx context.Context, id string) (*Signal, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	s, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query signal: %w", err)
	}
	return &s, nil
}

// ListExecutableSignals returns unarchived buy-side signals at or above the
// confidence threshold that are inside their validity window and whose latest
// lifecycle state is still pre-order (generated, active, or in_cart).
func (d *Database) ListExecutableSignals(ctx context.Context, threshold float64, now time.Time) ([]Signal, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+signalColumns+` FROM signals s
		WHERE s.archived = 0
		  AND s.confidence >= ?
		  AND s.classification IN ('buy', 'strong_buy')
		  AND (s.valid_from IS NULL OR s.valid_from <= ?)
		  AND (s.valid_until IS NULL OR s.valid_until >= ?)
		  AND COALESCE((
			SELECT l.new_state FROM signal_lifecycle l
			WHERE l.signal_id = s.id
			ORDER BY l.id DESC LIMIT 1
		  ), 'generated') IN ('generated', 'active', 'in_cart')
		ORDER BY s.confidence DESC
	`, threshold, now, now)
	if err != nil {
		return nil, fmt.Errorf("query executable signals: %w", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// ListStaleSignals returns signals past their validity window whose latest
// lifecycle state is not terminal yet.
func (d *Database) ListStaleSignals(ctx context.Context, now time.Time) ([]Signal, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+signalColumns+` FROM signals s
		WHERE s.archived = 0
		  AND s.valid_until IS NOT NULL AND s.valid_until < ?
		  AND COALESCE((
			SELECT l.new_state FROM signal_lifecycle l
			WHERE l.signal_id = s.id
			ORDER BY l.id DESC LIMIT 1
		  ), 'generated') NOT IN ('filled', 'expired', 'canceled', 'invalidated')
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query stale signals: %w", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// InsertLifecycleTx appends one signal lifecycle transition.
func (d *Database) InsertLifecycleTx(ctx context.Context, tx *sql.Tx, e SignalLifecycleEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO signal_lifecycle (signal_id, prev_state, new_state, order_id, position_id, reason, actor)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.SignalID, e.PrevState, e.NewState, nullString(e.OrderID),
		nullString(e.PositionID), nullString(e.Reason), e.Actor)
	if err != nil {
		return fmt.Errorf("insert signal lifecycle: %w", err)
	}
	return nil
}

// LatestSignalState returns the current lifecycle state of a signal. A signal
// with no lifecycle rows is "generated" by definition.
func (d *Database) LatestSignalState(ctx context.Context, signalID string) (string, error) {
	var state string
	err := d.DB.QueryRowContext(ctx, `
		SELECT new_state FROM signal_lifecycle
		WHERE signal_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, signalID).Scan(&state)
	if err == sql.ErrNoRows {
		return SignalGenerated, nil
	}
	if err != nil {
		return "", fmt.Errorf("query signal state: %w", err)
	}
	return state, nil
}

// ListLifecycle returns a signal's transitions, oldest first.
func (d *Database) ListLifecycle(ctx context.Context, signalID string) ([]SignalLifecycleEntry, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, signal_id, prev_state, new_state, COALESCE(order_id, ''),
		       COALESCE(position_id, ''), COALESCE(reason, ''), actor, created_at
		FROM signal_lifecycle
		WHERE signal_id = ?
		ORDER BY id ASC
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("query signal lifecycle: %w", err)
	}
	defer rows.Close()

	var entries []SignalLifecycleEntry
	for rows.Next() {
		var e SignalLifecycleEntry
		if err := rows.Scan(&e.ID, &e.SignalID, &e.PrevState, &e.NewState, &e.OrderID,
			&e.PositionID, &e.Reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal lifecycle: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
