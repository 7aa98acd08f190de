package db

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func insertTestOrder(t *testing.T, database *Database, id string) {
	t.Helper()
	ctx := context.Background()
	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		return database.CreateOrderTx(ctx, tx, Order{
			ID:             id,
			AccountID:      "primary",
			Ticker:         "AAPL",
			Side:           "buy",
			Qty:            10,
			OrderType:      "market",
			IdempotencyKey: "key-" + id,
			LookupKey:      "lookup-" + id,
			Status:         OrderStatusNew,
		})
	})
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
}

func appendLogEntry(t *testing.T, database *Database, orderID, prev, next string) {
	t.Helper()
	ctx := context.Background()
	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		return database.InsertStateLogTx(ctx, tx, OrderStateLogEntry{
			OrderID:    orderID,
			PrevStatus: prev,
			NewStatus:  next,
			Source:     SourceBrokerPoll,
			RawEvent:   `{"status":"` + next + `"}`,
		})
	})
	if err != nil {
		t.Fatalf("insert state log: %v", err)
	}
}

func TestStateLogIsAppendOnly(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	insertTestOrder(t, database, "order-1")
	appendLogEntry(t, database, "order-1", "", OrderStatusNew)

	entries, err := database.ListStateLog(ctx, "order-1")
	if err != nil {
		t.Fatalf("list state log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	t.Run("UpdateStateLog is refused", func(t *testing.T) {
		err := database.UpdateStateLog(ctx, entries[0].ID, entries[0])
		if err != ErrImmutableAuditLog {
			t.Errorf("expected ErrImmutableAuditLog, got %v", err)
		}
	})

	t.Run("DeleteStateLog is refused", func(t *testing.T) {
		err := database.DeleteStateLog(ctx, entries[0].ID)
		if err != ErrImmutableAuditLog {
			t.Errorf("expected ErrImmutableAuditLog, got %v", err)
		}
	})

	t.Run("raw UPDATE is refused by trigger", func(t *testing.T) {
		_, err := database.DB.ExecContext(ctx,
			`UPDATE order_state_log SET new_status = 'filled' WHERE id = ?`, entries[0].ID)
		if err == nil || !strings.Contains(err.Error(), "append-only") {
			t.Errorf("expected trigger abort, got %v", err)
		}
	})

	t.Run("raw DELETE is refused by trigger", func(t *testing.T) {
		_, err := database.DB.ExecContext(ctx,
			`DELETE FROM order_state_log WHERE id = ?`, entries[0].ID)
		if err == nil || !strings.Contains(err.Error(), "append-only") {
			t.Errorf("expected trigger abort, got %v", err)
		}
	})

	// The row is untouched after all rejected attempts.
	after, err := database.ListStateLog(ctx, "order-1")
	if err != nil {
		t.Fatalf("list state log: %v", err)
	}
	if len(after) != 1 || after[0].NewStatus != OrderStatusNew {
		t.Fatalf("audit row was altered: %+v", after)
	}
}

func TestArchiveStateLogMovesOldRows(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	insertTestOrder(t, database, "order-1")
	appendLogEntry(t, database, "order-1", "", OrderStatusNew)
	appendLogEntry(t, database, "order-1", OrderStatusNew, OrderStatusFilled)

	// Triggers block backdating rows, so archive with a future cutoff
	// instead: both rows are older than it.
	moved, err := database.ArchiveStateLog(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if moved != 2 {
		t.Fatalf("expected 2 archived rows, got %d", moved)
	}

	live, err := database.ListStateLog(ctx, "order-1")
	if err != nil {
		t.Fatalf("list state log: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected empty live log after archive, got %d rows", len(live))
	}

	var archived int
	if err := database.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM order_state_archive`).Scan(&archived); err != nil {
		t.Fatalf("count archive: %v", err)
	}
	if archived != 2 {
		t.Fatalf("expected 2 rows in archive, got %d", archived)
	}

	t.Run("delete trigger is restored after archive", func(t *testing.T) {
		appendLogEntry(t, database, "order-1", OrderStatusFilled, OrderStatusFilled)
		_, err := database.DB.ExecContext(ctx, `DELETE FROM order_state_log`)
		if err == nil || !strings.Contains(err.Error(), "append-only") {
			t.Errorf("expected trigger abort after archive, got %v", err)
		}
	})

	t.Run("purge removes old archive rows", func(t *testing.T) {
		purged, err := database.PurgeArchive(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if purged != 2 {
			t.Errorf("expected 2 purged rows, got %d", purged)
		}
	})
}
