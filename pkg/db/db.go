package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private journal that disappears with the process.
const MemoryPath = ":memory:"

// Database is the audit journal's SQLite handle. The batch writer is the
// only writer and API reads are short, so a single connection serves both.
type Database struct {
	DB   *sql.DB
	path string
}

// New opens the journal at path, creating its directory when needed.
func New(path string) (*Database, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("db: journal path is empty")
	}

	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("db: create journal directory: %w", err)
		}
		// API reads can overlap a flush; wait instead of failing with SQLITE_BUSY.
		dsn += "?_pragma=busy_timeout(5000)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	// One connection also keeps an in-memory journal alive: each new
	// connection to :memory: would see an empty database.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	return &Database{DB: conn, path: path}, nil
}

func (d *Database) Path() string { return d.path }

func (d *Database) InMemory() bool { return d.path == MemoryPath }

// Queries returns the read helpers for the journal tables.
func (d *Database) Queries() *JournalQueries {
	return NewJournalQueries(d.DB)
}

func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
