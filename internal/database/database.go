// Package database manages the SQLite connection journal. It opens the
// database, enables WAL mode, and runs the schema migration.
package database

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Retention is how long journal rows are kept.
const Retention = 30 * 24 * time.Hour

// Open opens (or creates) the SQLite database at path and runs all migrations.
// Use ":memory:" for an in-memory database (useful in tests).
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Keep a single writer connection to avoid SQLITE_BUSY under concurrent load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrate executes the schema DDL. All statements are idempotent.
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Event is one journal row.
type Event struct {
	ID        int64     `json:"id"`
	Scope     string    `json:"scope"`
	Server    string    `json:"server"`
	Provider  string    `json:"provider"`
	Address   string    `json:"address"`
	Code      string    `json:"code"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal records connection lifecycle outcomes.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record appends ev, stamping the current time when it has none.
func (j *Journal) Record(ev Event) error {
	if j == nil || j.db == nil {
		return errors.New("database handle is required")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := j.db.Exec(
		`INSERT INTO connection_events (scope, server, provider, address, code, detail, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Scope, ev.Server, ev.Provider, ev.Address, ev.Code, ev.Detail, ev.Timestamp.Unix(),
	)
	return err
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("database handle is required")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := j.db.Query(
		`SELECT id, scope, server, provider, address, code, detail, timestamp
		 FROM connection_events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var ev Event
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.Scope, &ev.Server, &ev.Provider, &ev.Address, &ev.Code, &ev.Detail, &ts); err != nil {
			return nil, err
		}
		ev.Timestamp = time.Unix(ts, 0).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Cleanup prunes journal rows older than Retention.
func Cleanup(db *sql.DB) error {
	return cleanupBefore(db, time.Now().UTC())
}

func cleanupBefore(db *sql.DB, now time.Time) error {
	if db == nil {
		return errors.New("database handle is required")
	}
	cutoff := now.Add(-Retention).Unix()
	_, err := db.Exec(`DELETE FROM connection_events WHERE timestamp < ?`, cutoff)
	return err
}
