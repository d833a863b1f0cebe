// Package store defines the persistence abstraction for the run-session
// kernel. The default implementation is SQLite (store/sqlite); Postgres
// (store/postgres) is available for deployments that already run a shared
// database. All write-path methods are context-aware so either backend can
// honor cancellation and timeouts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ---- session lifecycle ----

// Status is the persisted lifecycle state of a session.
type Status string

const (
	// StatusRunning means a live process is (or should be) attached.
	StatusRunning Status = "running"

	// StatusIdle means the session exists but has no live process; metadata
	// only. Resume and Delete accept a session in this state; no
	// orchestrator operation moves a session into it (there is no suspend).
	StatusIdle Status = "idle"

	// StatusStopped means the process exited or was closed. Terminal until
	// Resume or Delete.
	StatusStopped Status = "stopped"
)

// Session is the canonical persisted entity. It owns no direct process
// reference — that lives only in the orchestrator's in-memory live-session
// table while the session is running.
type Session struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Cwd       string          `json:"cwd"`
	Status    Status          `json:"status"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ---- events ----

// Channel partitions events by direction and semantics.
type Channel string

const (
	ChannelStdout           Channel = "stdout"
	ChannelStderr           Channel = "stderr"
	ChannelStdinEcho        Channel = "stdin-echo"
	ChannelResize           Channel = "resize"
	ChannelStatus           Channel = "status"
	ChannelAssistantMessage Channel = "assistant-message"
	ChannelToolCall         Channel = "tool-call"
	ChannelToolResult       Channel = "tool-result"
	ChannelError            Channel = "error"
)

// Event is an immutable, sequenced record of something that happened in a
// session. Seq is strictly increasing per session, starting at 1, and dense
// (no gaps) once committed.
type Event struct {
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Channel   Channel         `json:"channel"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ---- workspaces ----

// Workspace collects sessions by cwd and persists user-visible display
// state. The kernel only consults it to resolve a default cwd and record
// last-active time.
type Workspace struct {
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// ---- errors ----

// ErrNotFound is returned by lookups that find nothing, where the caller
// needs to distinguish "not found" from "storage error".
var ErrNotFound = errors.New("store: not found")

// ---- store interface ----

// Store is the persistence abstraction. All methods are context-aware.
// Implementations must guarantee: writes within a single session's event
// log are serialized by the caller (the Recorder holds the per-session
// append lock, see package recorder); reads never block writes; eventsSince
// returns a consistent snapshot up to some committed seq at call time.
type Store interface {
	// ---- sessions ----

	// CreateSession inserts a new session row with StatusRunning.
	CreateSession(ctx context.Context, id, kind, cwd string, metadata json.RawMessage) (*Session, error)

	// FindByID fetches a session by id. Returns ErrNotFound if absent.
	FindByID(ctx context.Context, id string) (*Session, error)

	// ListByCwd returns all sessions whose cwd matches, newest first.
	ListByCwd(ctx context.Context, cwd string) ([]*Session, error)

	// ListByStatus returns all sessions in the given status.
	ListByStatus(ctx context.Context, status Status) ([]*Session, error)

	// UpdateStatus transitions a session to the given status.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Delete purges a session row and all of its events. Whole-session
	// purge is the only way events are ever removed or mutated.
	Delete(ctx context.Context, id string) error

	// ---- events ----

	// Append atomically selects max(seq)+1 (or 1) for the session and
	// inserts the event, returning the assigned seq. Fails only on storage
	// error — never on logical conflict; per-session serialization is the
	// caller's (Recorder's) responsibility.
	Append(ctx context.Context, sessionID string, channel Channel, typ string, payload json.RawMessage) (*Event, error)

	// EventsSince returns events with seq > fromSeq in ascending order.
	EventsSince(ctx context.Context, sessionID string, fromSeq int64) ([]Event, error)

	// LatestSeq returns 0 if no events exist for the session.
	LatestSeq(ctx context.Context, sessionID string) (int64, error)

	// ---- workspaces ----

	// TouchWorkspace creates or updates a workspace's last-active timestamp,
	// defaulting Name to the last path element when creating.
	TouchWorkspace(ctx context.Context, path string) error

	// GetWorkspace returns the workspace for path, or ErrNotFound.
	GetWorkspace(ctx context.Context, path string) (*Workspace, error)

	// ---- lifecycle ----

	Close() error
}
