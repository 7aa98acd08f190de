package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertStateLogTx appends one audit row for an order status change.
// This is the only write the audit log supports.
func (d *Database) InsertStateLogTx(ctx context.Context, tx *sql.Tx, e OrderStateLogEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_state_log (
			order_id, prev_status, new_status, source,
			filled_qty, filled_avg_price, error_code, error_message, raw_event
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.OrderID, nullString(e.PrevStatus), e.NewStatus, e.Source,
		e.FilledQty, e.FilledAvgPrice, nullString(e.ErrorCode),
		nullString(e.ErrorMessage), nullString(e.RawEvent))
	if err != nil {
		return fmt.Errorf("insert order state log: %w", err)
	}
	return nil
}

// ListStateLog returns the audit trail for an order, oldest first.
func (d *Database) ListStateLog(ctx context.Context, orderID string) ([]OrderStateLogEntry, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, COALESCE(prev_status, ''), new_status, source,
		       COALESCE(filled_qty, 0), COALESCE(filled_avg_price, 0),
		       COALESCE(error_code, ''), COALESCE(error_message, ''),
		       COALESCE(raw_event, ''), created_at
		FROM order_state_log
		WHERE order_id = ?
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order state log: %w", err)
	}
	defer rows.Close()

	var entries []OrderStateLogEntry
	for rows.Next() {
		var e OrderStateLogEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.PrevStatus, &e.NewStatus, &e.Source,
			&e.FilledQty, &e.FilledAvgPrice, &e.ErrorCode, &e.ErrorMessage,
			&e.RawEvent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order state log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountStateLog returns the number of live (non-archived) audit rows.
func (d *Database) CountStateLog(ctx context.Context) (int, error) {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_state_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count order state log: %w", err)
	}
	return n, nil
}

// UpdateStateLog always fails: the audit log is append-only. It exists so the
// invariant is expressed in the API, not just in the schema triggers.
func (d *Database) UpdateStateLog(ctx context.Context, id int64, e OrderStateLogEntry) error {
	return ErrImmutableAuditLog
}

// DeleteStateLog always fails: see UpdateStateLog.
func (d *Database) DeleteStateLog(ctx context.Context, id int64) error {
	return ErrImmutableAuditLog
}

// ArchiveStateLog moves audit rows older than cutoff to order_state_archive.
// The copy and the delete run in one transaction; the delete temporarily drops
// the immutability trigger because archival is the single sanctioned removal
// path, then restores it before commit.
func (d *Database) ArchiveStateLog(ctx context.Context, cutoff time.Time) (int64, error) {
	// created_at is CURRENT_TIMESTAMP text; compare in the same format.
	cut := cutoff.UTC().Format("2006-01-02 15:04:05")
	var moved int64
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO order_state_archive (
				id, order_id, prev_status, new_status, source,
				filled_qty, filled_avg_price, error_code, error_message,
				raw_event, created_at
			)
			SELECT id, order_id, prev_status, new_status, source,
			       filled_qty, filled_avg_price, error_code, error_message,
			       raw_event, created_at
			FROM order_state_log
			WHERE created_at < ?
		`, cut)
		if err != nil {
			return fmt.Errorf("copy to archive: %w", err)
		}
		moved, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if moved == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DROP TRIGGER order_state_log_no_delete`); err != nil {
			return fmt.Errorf("drop delete trigger: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM order_state_log WHERE created_at < ?`, cut); err != nil {
			return fmt.Errorf("delete archived rows: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			CREATE TRIGGER order_state_log_no_delete
			BEFORE DELETE ON order_state_log
			BEGIN
			    SELECT RAISE(ABORT, 'order_state_log is append-only');
			END`)
		if err != nil {
			return fmt.Errorf("restore delete trigger: %w", err)
		}
		return nil
	})
	return moved, err
}

// PurgeArchive deletes archived rows older than cutoff. Archived entries are
// outside the immutability guarantee.
func (d *Database) PurgeArchive(ctx context.Context, cutoff time.Time) (int64, error) {
	cut := cutoff.UTC().Format("2006-01-02 15:04:05")
	res, err := d.DB.ExecContext(ctx, `DELETE FROM order_state_archive WHERE created_at < ?`, cut)
	if err != nil {
		return 0, fmt.Errorf("purge archive: %w", err)
	}
	return res.RowsAffected()
}
