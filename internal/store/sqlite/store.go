// Package sqlite implements the domain stores on an embedded SQLite
// database for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS obligor_snapshots (
	address     TEXT PRIMARY KEY,
	seed_alpha  REAL NOT NULL,
	seed_beta   REAL NOT NULL,
	alpha       REAL NOT NULL,
	beta        REAL NOT NULL,
	positions   TEXT NOT NULL,
	event_count INTEGER NOT NULL DEFAULT 0,
	last_event  TEXT NOT NULL DEFAULT '',
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lending_events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	obligor   TEXT NOT NULL,
	protocol  TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	log_index INTEGER NOT NULL,
	type      TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	amount    REAL NOT NULL,
	tx_hash   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_lending_events_obligor_order
	ON lending_events (obligor, ts, log_index);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event      TEXT NOT NULL,
	detail     TEXT,
	created_at TEXT NOT NULL
);
`

// DB is an open SQLite database holding every store's tables.
type DB struct {
	db *sql.DB
}

// Open opens the database at path (":memory:" for a private in-memory
// database) and creates the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One connection: SQLite has a single writer, and each connection to
	// ":memory:" would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &DB{db: db}, nil
}

// Health pings the database.
func (d *DB) Health(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Obligors returns the obligor snapshot store.
func (d *DB) Obligors() *ObligorStore { return &ObligorStore{db: d.db} }

// Events returns the lending event store.
func (d *DB) Events() *EventStore { return &EventStore{db: d.db} }

// Audit returns the audit log store.
func (d *DB) Audit() *AuditStore { return &AuditStore{db: d.db} }

func limitOffset(opts domain.ListOpts) (string, []any) {
	limit, offset := opts.Limit, opts.Offset
	if limit <= 0 && offset <= 0 {
		return "", nil
	}
	if limit <= 0 {
		limit = -1
	}
	return " LIMIT ? OFFSET ?", []any{limit, offset}
}
