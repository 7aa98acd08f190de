// Package lifecycle tracks trading signals through their finite-state model:
// generated → active → in_cart → ordered → executed → filled, with excursions
// to expired, canceled, or invalidated from any non-terminal state.
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"signal-trader/internal/events"
	"signal-trader/pkg/db"
)

// Tracker appends signal lifecycle transitions.
type Tracker struct {
	DB  *db.Database
	Bus *events.Bus
}

func NewTracker(database *db.Database, bus *events.Bus) *Tracker {
	return &Tracker{DB: database, Bus: bus}
}

// Change describes one requested transition.
type Change struct {
	SignalID   string
	NewState   string
	OrderID    string
	PositionID string
	Reason     string
	Actor      string // "scheduler", "user:<id>", "broker_poll", ...
}

// Current returns the signal's present state; a signal with no lifecycle rows
// is "generated" by definition.
func (t *Tracker) Current(ctx context.Context, signalID string) (string, error) {
	return t.DB.LatestSignalState(ctx, signalID)
}

// Transition appends a lifecycle row if the state actually changes. Re-entrant
// calls with the current state (a sync job re-polling a filled order) append
// nothing and return false. Transitions out of a terminal state are rejected.
func (t *Tracker) Transition(ctx context.Context, c Change) (bool, error) {
	applied := false
	err := t.DB.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `
			SELECT new_state FROM signal_lifecycle
			WHERE signal_id = ? ORDER BY id DESC LIMIT 1
		`, c.SignalID).Scan(&current)
		if err == sql.ErrNoRows {
			current = db.SignalGenerated
		} else if err != nil {
			return fmt.Errorf("load signal state: %w", err)
		}

		if current == c.NewState {
			return nil
		}
		if db.IsTerminalSignalState(current) {
			return fmt.Errorf("signal %s is %s (terminal), cannot move to %s", c.SignalID, current, c.NewState)
		}

		if err := t.DB.InsertLifecycleTx(ctx, tx, db.SignalLifecycleEntry{
			SignalID:   c.SignalID,
			PrevState:  current,
			NewState:   c.NewState,
			OrderID:    c.OrderID,
			PositionID: c.PositionID,
			Reason:     c.Reason,
			Actor:      c.Actor,
		}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		if t.Bus != nil {
			t.Bus.Publish(events.EventSignalTransition, c)
		}
		log.Printf("lifecycle: signal %s -> %s (%s)", c.SignalID, c.NewState, c.Actor)
	}
	return applied, nil
}

// TransitionTx is Transition inside a caller-owned transaction, used when a
// signal move must commit atomically with an order insert.
func (t *Tracker) TransitionTx(ctx context.Context, tx *sql.Tx, c Change) (bool, error) {
	var current string
	err := tx.QueryRowContext(ctx, `
		SELECT new_state FROM signal_lifecycle
		WHERE signal_id = ? ORDER BY id DESC LIMIT 1
	`, c.SignalID).Scan(&current)
	if err == sql.ErrNoRows {
		current = db.SignalGenerated
	} else if err != nil {
		return false, fmt.Errorf("load signal state: %w", err)
	}

	if current == c.NewState {
		return false, nil
	}
	if db.IsTerminalSignalState(current) {
		return false, fmt.Errorf("signal %s is %s (terminal), cannot move to %s", c.SignalID, current, c.NewState)
	}

	if err := t.DB.InsertLifecycleTx(ctx, tx, db.SignalLifecycleEntry{
		SignalID:   c.SignalID,
		PrevState:  current,
		NewState:   c.NewState,
		OrderID:    c.OrderID,
		PositionID: c.PositionID,
		Reason:     c.Reason,
		Actor:      c.Actor,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireStale invalidates signals past their validity window that never
// reached a terminal state. Safe to re-invoke; already-expired signals are
// skipped by the query.
func (t *Tracker) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := t.DB.ListStaleSignals(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, s := range stale {
		applied, err := t.Transition(ctx, Change{
			SignalID: s.ID,
			NewState: db.SignalExpired,
			Reason:   "validity window elapsed",
			Actor:    "scheduler",
		})
		if err != nil {
			log.Printf("lifecycle: expire signal %s: %v", s.ID, err)
			continue
		}
		if applied {
			expired++
		}
	}
	return expired, nil
}
