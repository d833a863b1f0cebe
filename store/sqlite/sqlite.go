// Package sqlite provides the SQLite-backed store.Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully
// static and works in scratch/alpine Docker images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sticky-tools/sticky-kerneld/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies
// migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			cwd        TEXT NOT NULL,
			status     TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS session_events (
			session_id TEXT    NOT NULL REFERENCES sessions(id),
			seq        INTEGER NOT NULL,
			channel    TEXT    NOT NULL,
			type       TEXT    NOT NULL,
			payload    TEXT    NOT NULL DEFAULT '{}',
			ts         TEXT    NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS workspaces (
			path           TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			last_active_at TEXT NOT NULL
		)`,

		// Queries filter primarily on (cwd), (status), and (session_id) for
		// listings and the event tail read.
		`CREATE INDEX IF NOT EXISTS idx_sessions_cwd ON sessions(cwd)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- sessions ----

func (s *DB) CreateSession(ctx context.Context, id, kind, cwd string, metadata json.RawMessage) (*store.Session, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, kind, cwd, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, kind, cwd, string(store.StatusRunning), string(metadata), now, now)
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, id)
}

func (s *DB) FindByID(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, cwd, status, metadata, created_at, updated_at
		   FROM sessions WHERE id = ?`, id)
	return scanSession(row.Scan)
}

func (s *DB) ListByCwd(ctx context.Context, cwd string) ([]*store.Session, error) {
	return s.querySessions(ctx, `
		SELECT id, kind, cwd, status, metadata, created_at, updated_at
		  FROM sessions
		 WHERE cwd = ?
		 ORDER BY created_at DESC
	`, cwd)
}

func (s *DB) ListByStatus(ctx context.Context, status store.Status) ([]*store.Session, error) {
	return s.querySessions(ctx, `
		SELECT id, kind, cwd, status, metadata, created_at, updated_at
		  FROM sessions
		 WHERE status = ?
		 ORDER BY created_at
	`, string(status))
}

func (s *DB) UpdateStatus(ctx context.Context, id string, status store.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DB) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- events ----

func (s *DB) Append(ctx context.Context, sessionID string, channel store.Channel, typ string, payload json.RawMessage) (*store.Event, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM session_events WHERE session_id = ?`, sessionID,
	).Scan(&maxSeq); err != nil {
		return nil, err
	}
	seq := int64(1)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	ts := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_events (session_id, seq, channel, type, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, seq, string(channel), typ, string(payload), ts.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &store.Event{
		SessionID: sessionID,
		Seq:       seq,
		Channel:   channel,
		Type:      typ,
		Payload:   payload,
		Timestamp: ts,
	}, nil
}

func (s *DB) EventsSince(ctx context.Context, sessionID string, fromSeq int64) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, channel, type, payload, ts
		  FROM session_events
		 WHERE session_id = ? AND seq > ?
		 ORDER BY seq ASC
	`, sessionID, fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var ev store.Event
		var channel, payload, ts string
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &channel, &ev.Type, &payload, &ts); err != nil {
			return nil, err
		}
		ev.Channel = store.Channel(channel)
		ev.Payload = json.RawMessage(payload)
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *DB) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM session_events WHERE session_id = ?`, sessionID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, err
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return maxSeq.Int64, nil
}

// ---- workspaces ----

func (s *DB) TouchWorkspace(ctx context.Context, path string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	name := filepath.Base(path)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (path, name, last_active_at)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET last_active_at = excluded.last_active_at
	`, path, name, now)
	return err
}

func (s *DB) GetWorkspace(ctx context.Context, path string) (*store.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, name, last_active_at FROM workspaces WHERE path = ?`, path)
	var w store.Workspace
	var lastActive string
	err := row.Scan(&w.Path, &w.Name, &lastActive)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActive)
	return &w, nil
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanSession(scan scanFn) (*store.Session, error) {
	var sess store.Session
	var status, metadata, createdAt, updatedAt string
	err := scan(&sess.ID, &sess.Kind, &sess.Cwd, &status, &metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Status = store.Status(status)
	sess.Metadata = json.RawMessage(metadata)
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sess, nil
}

func (s *DB) querySessions(ctx context.Context, q string, args ...any) ([]*store.Session, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
