package db

import (
	"database/sql"
	"fmt"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS order_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    exchange_order_id TEXT,
    kind TEXT NOT NULL,
    instrument TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    status TEXT NOT NULL,
    qty TEXT NOT NULL,
    filled_qty TEXT NOT NULL DEFAULT '0',
    price TEXT,
    event_time DATETIME NOT NULL,
    recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, id)`,
	`
CREATE TABLE IF NOT EXISTS reconciliation_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    checked INTEGER NOT NULL,
    diffs INTEGER NOT NULL,
    synced INTEGER NOT NULL,
    query_errors INTEGER NOT NULL DEFAULT 0,
    detail TEXT NOT NULL,
    swept_at DATETIME NOT NULL
)`,
}

// ApplyMigrations creates the journal tables in one transaction and adds
// columns introduced later. File journals switch to WAL first so API reads
// do not block the batch writer.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("db: database is not initialized")
	}
	if !d.InMemory() {
		if _, err := d.DB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("db: enable wal: %w", err)
		}
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return fmt.Errorf("db: begin migration: %w", err)
	}
	for i, stmt := range schema {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("db: schema statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: commit migration: %w", err)
	}

	// Journals written before rejection reasons were recorded.
	if err := ensureColumn(d.DB, "order_events", "reason", "TEXT NOT NULL DEFAULT ''"); err != nil {
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
