// Package audit is the order state machine. Every status change, whatever its
// origin, goes through Recorder.Record so the audit trail is complete and
// per-order updates stay serialized.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"signal-trader/internal/events"
	"signal-trader/internal/monitor"
	"signal-trader/pkg/db"
)

// Fill carries fill detail observed at a transition.
type Fill struct {
	Qty      float64
	AvgPrice float64
}

// Transition is the result of a Record call.
type Transition struct {
	OrderID    string
	PrevStatus string
	NewStatus  string
	Source     string
	Applied    bool // false when the status did not actually change
}

// Recorder appends order state transitions.
type Recorder struct {
	DB  *db.Database
	Bus *events.Bus
}

func NewRecorder(database *db.Database, bus *events.Bus) *Recorder {
	return &Recorder{DB: database, Bus: bus}
}

// Record applies a status change to an order and appends the audit row in one
// transaction. When newStatus equals the current status the call is a no-op:
// no row is written, so a webhook and a poll racing on the same update cannot
// produce duplicate transitions.
func (r *Recorder) Record(ctx context.Context, orderID, newStatus string, fill Fill, errCode, errMsg string, payload EventPayload) (Transition, error) {
	t := Transition{OrderID: orderID, NewStatus: newStatus, Source: payload.Source()}

	err := r.DB.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, orderID).Scan(&current)
		if err == sql.ErrNoRows {
			return db.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load order status: %w", err)
		}

		t.PrevStatus = current
		if current == newStatus {
			return nil // second writer detected no actual change
		}

		if err := r.DB.UpdateOrderStatusTx(ctx, tx, orderID, newStatus, fill.Qty, fill.AvgPrice); err != nil {
			return err
		}
		if err := r.DB.InsertStateLogTx(ctx, tx, db.OrderStateLogEntry{
			OrderID:        orderID,
			PrevStatus:     current,
			NewStatus:      newStatus,
			Source:         payload.Source(),
			FilledQty:      fill.Qty,
			FilledAvgPrice: fill.AvgPrice,
			ErrorCode:      errCode,
			ErrorMessage:   errMsg,
			RawEvent:       payload.Raw(),
		}); err != nil {
			return err
		}
		t.Applied = true
		return nil
	})
	if err != nil {
		return t, err
	}

	if t.Applied {
		monitor.StateTransitions.WithLabelValues(t.Source).Inc()
		if r.Bus != nil {
			r.Bus.Publish(events.EventOrderTransition, t)
		}
		log.Printf("audit: order %s %s -> %s (%s)", orderID, t.PrevStatus, t.NewStatus, t.Source)
	}
	return t, nil
}

// RecordInitialTx appends the first audit row for a freshly inserted order,
// inside the caller's transaction. prev_status is empty by definition.
func (r *Recorder) RecordInitialTx(ctx context.Context, tx *sql.Tx, orderID, status string, fill Fill, payload EventPayload) error {
	return r.DB.InsertStateLogTx(ctx, tx, db.OrderStateLogEntry{
		OrderID:        orderID,
		NewStatus:      status,
		Source:         payload.Source(),
		FilledQty:      fill.Qty,
		FilledAvgPrice: fill.AvgPrice,
		RawEvent:       payload.Raw(),
	})
}

// Archive moves audit rows older than the retention window to the archive
// table, then purges archived rows past the longer window.
func (r *Recorder) Archive(ctx context.Context, retention, archiveRetention time.Duration) error {
	now := time.Now()

	moved, err := r.DB.ArchiveStateLog(ctx, now.Add(-retention))
	if err != nil {
		return fmt.Errorf("archive state log: %w", err)
	}
	purged, err := r.DB.PurgeArchive(ctx, now.Add(-archiveRetention))
	if err != nil {
		return fmt.Errorf("purge archive: %w", err)
	}
	if moved > 0 || purged > 0 {
		log.Printf("audit: archived %d entries, purged %d archived entries", moved, purged)
	}
	return nil
}
