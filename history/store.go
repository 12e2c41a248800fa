// Package history persists the outcome of every snapshot and upload for later
// inspection. Recording is observational; the pipeline never depends on it.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS outcomes (
	id          TEXT PRIMARY KEY,
	build_id    TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS outcomes_build ON outcomes(build_id);
`

// Outcome kinds.
const (
	KindSnapshot = "snapshot"
	KindUpload   = "upload"
)

// Outcome statuses.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// Outcome is one recorded pipeline result.
type Outcome struct {
	ID         string    `json:"id"`
	BuildID    string    `json:"build_id"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	BuildID string
	Kind    string
	Status  string
}

// Store persists outcomes in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at dbPath and ensures the
// outcomes table exists. The caller is responsible for calling Close.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Record persists one outcome, assigning its ID.
func (s *Store) Record(ctx context.Context, o Outcome) error {
	o.ID = uuid.NewString()
	if o.StartedAt.IsZero() {
		o.StartedAt = time.Now().UTC()
	}
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (id, build_id, kind, name, status, error, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.BuildID, o.Kind, o.Name, o.Status, o.Error,
		o.StartedAt.UTC(), o.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// List returns outcomes matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Outcome, error) {
	query := `SELECT id, build_id, kind, name, status, error, started_at, finished_at FROM outcomes WHERE 1=1`
	var args []any
	if f.BuildID != "" {
		query += " AND build_id = ?"
		args = append(args, f.BuildID)
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY finished_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.ID, &o.BuildID, &o.Kind, &o.Name, &o.Status, &o.Error, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
