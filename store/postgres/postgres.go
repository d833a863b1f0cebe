// Package postgres provides the PostgreSQL-backed store.Store
// implementation. It uses pgx/v5 (pure Go, no CGO) and runs embedded
// golang-migrate migrations at startup — for deployments that already run
// a shared database instead of per-process SQLite files.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sticky-tools/sticky-kerneld/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn.
// Safe to call multiple times — ErrNoChange is treated as success.
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	migrateURL := toMigrateURL(dsn)
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// ---- sessions ----

func (d *DB) CreateSession(ctx context.Context, id, kind, cwd string, metadata json.RawMessage) (*store.Session, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO sessions (id, kind, cwd, status, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, id, kind, cwd, string(store.StatusRunning), metadata)
	if err != nil {
		return nil, err
	}
	return d.FindByID(ctx, id)
}

func (d *DB) FindByID(ctx context.Context, id string) (*store.Session, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT id, kind, cwd, status, metadata, created_at, updated_at
		  FROM sessions WHERE id = $1
	`, id)
	return scanSession(row.Scan)
}

func (d *DB) ListByCwd(ctx context.Context, cwd string) ([]*store.Session, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, kind, cwd, status, metadata, created_at, updated_at
		  FROM sessions WHERE cwd = $1 ORDER BY created_at DESC
	`, cwd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (d *DB) ListByStatus(ctx context.Context, status store.Status) ([]*store.Session, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, kind, cwd, status, metadata, created_at, updated_at
		  FROM sessions WHERE status = $1 ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (d *DB) UpdateStatus(ctx context.Context, id string, status store.Status) error {
	tag, err := d.pool.Exec(ctx,
		`UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) Delete(ctx context.Context, id string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM session_events WHERE session_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---- events ----

func (d *DB) Append(ctx context.Context, sessionID string, channel store.Channel, typ string, payload json.RawMessage) (*store.Event, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = $1
	`, sessionID).Scan(&seq)
	if err != nil {
		return nil, err
	}

	var ts time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO session_events (session_id, seq, channel, type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ts
	`, sessionID, seq, string(channel), typ, payload).Scan(&ts)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
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

func (d *DB) EventsSince(ctx context.Context, sessionID string, fromSeq int64) ([]store.Event, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT session_id, seq, channel, type, payload, ts
		  FROM session_events
		 WHERE session_id = $1 AND seq > $2
		 ORDER BY seq ASC
	`, sessionID, fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var ev store.Event
		var channel string
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &channel, &ev.Type, &ev.Payload, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Channel = store.Channel(channel)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (d *DB) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := d.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = $1`, sessionID,
	).Scan(&seq)
	return seq, err
}

// ---- workspaces ----

func (d *DB) TouchWorkspace(ctx context.Context, path string) error {
	name := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 && idx+1 < len(path) {
		name = path[idx+1:]
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO workspaces (path, name, last_active_at)
		VALUES ($1, $2, now())
		ON CONFLICT (path) DO UPDATE SET last_active_at = now()
	`, path, name)
	return err
}

func (d *DB) GetWorkspace(ctx context.Context, path string) (*store.Workspace, error) {
	var w store.Workspace
	err := d.pool.QueryRow(ctx,
		`SELECT path, name, last_active_at FROM workspaces WHERE path = $1`, path,
	).Scan(&w.Path, &w.Name, &w.LastActiveAt)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ---- internal helpers ----

func scanSession(scan func(dest ...any) error) (*store.Session, error) {
	var sess store.Session
	var status string
	err := scan(&sess.ID, &sess.Kind, &sess.Cwd, &status, &sess.Metadata, &sess.CreatedAt, &sess.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Status = store.Status(status)
	return &sess, nil
}

func scanSessions(rows pgx.Rows) ([]*store.Session, error) {
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
