package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    ticker TEXT NOT NULL,
    classification TEXT NOT NULL,
    confidence REAL NOT NULL,
    model_ref TEXT,
    asset_type TEXT NOT NULL DEFAULT 'stock',
    valid_from DATETIME,
    valid_until DATETIME,
    archived INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS signal_lifecycle (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    signal_id TEXT NOT NULL,
    prev_state TEXT NOT NULL,
    new_state TEXT NOT NULL,
    order_id TEXT,
    position_id TEXT,
    reason TEXT,
    actor TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(signal_id) REFERENCES signals(id)
);
CREATE INDEX IF NOT EXISTS idx_signal_lifecycle_signal ON signal_lifecycle(signal_id, id);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    ticker TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    order_type TEXT NOT NULL DEFAULT 'market',
    limit_price REAL,
    idempotency_key TEXT NOT NULL UNIQUE,
    lookup_key TEXT NOT NULL,
    broker_order_id TEXT,
    status TEXT NOT NULL,
    filled_qty REAL DEFAULT 0,
    filled_avg_price REAL DEFAULT 0,
    signal_id TEXT,
    exit_reason TEXT,
    submitted_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_orders_lookup ON orders(lookup_key);
CREATE INDEX IF NOT EXISTS idx_orders_broker ON orders(broker_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS order_state_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    prev_status TEXT,
    new_status TEXT NOT NULL,
    source TEXT NOT NULL,
    filled_qty REAL DEFAULT 0,
    filled_avg_price REAL DEFAULT 0,
    error_code TEXT,
    error_message TEXT,
    raw_event TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(order_id) REFERENCES orders(id)
);
CREATE INDEX IF NOT EXISTS idx_order_state_log_order ON order_state_log(order_id, id);

-- The audit log is append-only. Mutations fail at the SQL level so that no
-- code path, present or future, can rewrite history.
CREATE TRIGGER IF NOT EXISTS order_state_log_no_update
BEFORE UPDATE ON order_state_log
BEGIN
    SELECT RAISE(ABORT, 'order_state_log is append-only');
END;
CREATE TRIGGER IF NOT EXISTS order_state_log_no_delete
BEFORE DELETE ON order_state_log
BEGIN
    SELECT RAISE(ABORT, 'order_state_log is append-only');
END;

-- Archived entries are outside the immutability guarantee; they may be purged
-- after the longer retention window.
CREATE TABLE IF NOT EXISTS order_state_archive (
    id INTEGER PRIMARY KEY,
    order_id TEXT NOT NULL,
    prev_status TEXT,
    new_status TEXT NOT NULL,
    source TEXT NOT NULL,
    filled_qty REAL DEFAULT 0,
    filled_avg_price REAL DEFAULT 0,
    error_code TEXT,
    error_message TEXT,
    raw_event TEXT,
    created_at DATETIME,
    archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    ticker TEXT NOT NULL,
    side TEXT NOT NULL DEFAULT 'long',
    qty REAL NOT NULL,
    entry_price REAL NOT NULL,
    entry_date DATETIME NOT NULL,
    entry_signal_id TEXT,
    entry_order_id TEXT,
    current_price REAL DEFAULT 0,
    market_value REAL DEFAULT 0,
    unrealized_pl REAL DEFAULT 0,
    highest_price REAL DEFAULT 0,
    stop_loss_price REAL DEFAULT 0,
    take_profit_price REAL DEFAULT 0,
    trailing_stop_price REAL DEFAULT 0,
    is_open INTEGER DEFAULT 1,
    exit_price REAL,
    exit_date DATETIME,
    exit_reason TEXT,
    exit_order_id TEXT,
    exit_signal_id TEXT,
    realized_pl REAL,
    realized_pl_pct REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(is_open, ticker);

CREATE TABLE IF NOT EXISTS portfolio_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    cash REAL DEFAULT 0,
    portfolio_value REAL DEFAULT 0,
    positions_value REAL DEFAULT 0,
    open_positions INTEGER DEFAULT 0,
    trades_today INTEGER DEFAULT 0,
    trades_total INTEGER DEFAULT 0,
    winning_trades INTEGER DEFAULT 0,
    losing_trades INTEGER DEFAULT 0,
    win_rate REAL DEFAULT 0,
    avg_win_pct REAL DEFAULT 0,
    avg_loss_pct REAL DEFAULT 0,
    profit_factor REAL DEFAULT 0,
    peak_value REAL DEFAULT 0,
    current_drawdown_pct REAL DEFAULT 0,
    max_drawdown_pct REAL DEFAULT 0,
    last_trade_day TEXT DEFAULT '',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS portfolio_config (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    capital_base REAL NOT NULL,
    confidence_threshold REAL NOT NULL,
    max_open_positions INTEGER NOT NULL,
    max_position_size_pct REAL NOT NULL,
    max_single_trade_pct REAL NOT NULL,
    max_daily_trades INTEGER NOT NULL,
    stop_loss_pct REAL NOT NULL,
    take_profit_pct REAL NOT NULL,
    trailing_stop_pct REAL NOT NULL,
    max_hold_days INTEGER NOT NULL,
    base_position_size_pct REAL NOT NULL,
    max_confidence_multiplier REAL NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS portfolio_snapshots (
    day TEXT PRIMARY KEY,
    cash REAL DEFAULT 0,
    portfolio_value REAL DEFAULT 0,
    positions_value REAL DEFAULT 0,
    open_positions INTEGER DEFAULT 0,
    trades_total INTEGER DEFAULT 0,
    win_rate REAL DEFAULT 0,
    profit_factor REAL DEFAULT 0,
    max_drawdown_pct REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "orders", "exit_reason", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "positions", "exit_signal_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "portfolio_state", "last_trade_day", "TEXT DEFAULT ''"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
