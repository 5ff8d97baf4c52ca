// Package sqlite implements the repository on an embedded SQLite
// database using the pure Go driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended pool configuration.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// Store is the SQLite-backed repository.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs and
// creates the schema. WAL mode and busy_timeout are set in the DSN so
// they apply to every connection in the pool.
func Open(dbPath string, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens a private in-memory database, used by tests. The
// pool is capped at one connection so every statement sees the same
// database.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open memory failed: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS leases (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	project_id  TEXT NOT NULL DEFAULT '',
	user_id     TEXT NOT NULL DEFAULT '',
	trust_id    TEXT NOT NULL DEFAULT '',
	start_date  TEXT NOT NULL,
	end_date    TEXT NOT NULL,
	status      TEXT NOT NULL,
	degraded    INTEGER NOT NULL DEFAULT 0,
	UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS reservations (
	id                TEXT PRIMARY KEY,
	lease_id          TEXT NOT NULL REFERENCES leases(id) ON DELETE CASCADE,
	resource_type     TEXT NOT NULL,
	resource_id       TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	missing_resources INTEGER NOT NULL DEFAULT 0,
	resources_changed INTEGER NOT NULL DEFAULT 0,
	params            TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_reservations_lease ON reservations(lease_id);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	lease_id   TEXT NOT NULL REFERENCES leases(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	time       TEXT NOT NULL,
	status     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_due ON events(status, time);
CREATE INDEX IF NOT EXISTS idx_events_lease ON events(lease_id);

CREATE TABLE IF NOT EXISTS allocations (
	id             TEXT PRIMARY KEY,
	reservation_id TEXT NOT NULL REFERENCES reservations(id) ON DELETE CASCADE,
	resource_id    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_allocations_resource ON allocations(resource_id);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Timestamps are stored as RFC 3339 UTC strings; lexicographic order
// matches chronological order, which the due-event queries rely on.
func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
