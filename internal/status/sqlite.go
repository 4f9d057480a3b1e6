package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id  TEXT PRIMARY KEY,
    state       TEXT NOT NULL,
    stage       TEXT NOT NULL DEFAULT '',
    progress    REAL NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    started_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
`

// SQLite is a Tracker backed by a local SQLite database, so status survives
// the process and other tools can read it.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the status database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("status: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("status: ping database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("status: create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// StartSession implements [Tracker]. Restarting an existing session resets
// its row.
func (s *SQLite) StartSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, state, started_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (session_id)
DO UPDATE SET state = excluded.state, stage = '', progress = 0, error = '',
              started_at = excluded.started_at, updated_at = excluded.updated_at`,
		sessionID, StateRunning, now, now,
	)
	if err != nil {
		return fmt.Errorf("status: start session: %w", err)
	}
	return nil
}

// UpdateStage implements [Tracker].
func (s *SQLite) UpdateStage(ctx context.Context, sessionID, stage string, progress float64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET stage = ?, progress = ?, updated_at = ? WHERE session_id = ?`,
		stage, progress, time.Now().UTC().Format(time.RFC3339), sessionID,
	)
	if err != nil {
		return fmt.Errorf("status: update stage: %w", err)
	}
	return s.requireRow(res, sessionID)
}

// CompleteSession implements [Tracker].
func (s *SQLite) CompleteSession(ctx context.Context, sessionID string) error {
	return s.finish(ctx, sessionID, StateCompleted, "")
}

// FailSession implements [Tracker].
func (s *SQLite) FailSession(ctx context.Context, sessionID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, sessionID, StateFailed, msg)
}

func (s *SQLite) finish(ctx context.Context, sessionID, state, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET state = ?, error = ?, updated_at = ? WHERE session_id = ?`,
		state, errMsg, time.Now().UTC().Format(time.RFC3339), sessionID,
	)
	if err != nil {
		return fmt.Errorf("status: finish session: %w", err)
	}
	return s.requireRow(res, sessionID)
}

func (s *SQLite) requireRow(res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("status: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return nil
}

// Get implements [Tracker].
func (s *SQLite) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, state, stage, progress, error, started_at, updated_at
FROM sessions WHERE session_id = ?`, sessionID)

	var out Session
	var started, updated string
	err := row.Scan(&out.SessionID, &out.State, &out.Stage, &out.Progress, &out.Error, &started, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("status: get session: %w", err)
	}
	if out.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
		return nil, fmt.Errorf("status: parse started_at: %w", err)
	}
	if out.UpdatedAt, err = time.Parse(time.RFC3339, updated); err != nil {
		return nil, fmt.Errorf("status: parse updated_at: %w", err)
	}
	return &out, nil
}

var _ Tracker = (*SQLite)(nil)
