// Package adapter defines the typed adapter registry that abstracts the
// differences between session backends. Registration happens once at
// startup; lookup is frequent and lock-free after initialization.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sticky-tools/sticky-kerneld/store"
)

// EmitFunc is the callback an Adapter uses to emit an event for its session.
// The caller (orchestrator, via the Recorder) assigns seq and persists —
// the adapter only supplies channel/type/payload.
type EmitFunc func(channel store.Channel, typ string, payload json.RawMessage)

// Handle is the opaque, in-memory-only Process Handle returned by Create
// and Resume. It is owned exclusively by the adapter that created it and
// is referenced — never interpreted — by the orchestrator.
type Handle any

// Adapter is the fixed capability interface every session kind must
// implement.
type Adapter interface {
	// Create spawns a new process for cwd with the given opaque metadata.
	// onEvent must be called for every event the process produces, for as
	// long as the handle lives. Fails with *errs.Error{Kind: SpawnFailed}.
	Create(ctx context.Context, cwd string, metadata json.RawMessage, onEvent EmitFunc) (Handle, error)

	// Resume re-attaches to a previously-persisted session, or reconstructs
	// equivalent state (e.g. replaying a transcript) when the underlying
	// process cannot literally be re-attached to. lastSeq is the highest
	// seq already persisted, used by adapters that reconstruct context from
	// history. Fails with *errs.Error{Kind: ResumeUnsupported} if the kind
	// cannot be resumed at all.
	Resume(ctx context.Context, cwd string, metadata json.RawMessage, lastSeq int64, onEvent EmitFunc) (Handle, error)

	// SendInput forwards raw input to the live process. Fails with
	// *errs.Error{Kind: ClosedSink} if the process is gone.
	SendInput(ctx context.Context, handle Handle, data []byte) error

	// PerformOperation invokes a kind-specific operation (e.g. "resize",
	// "signal"). Fails with UnsupportedOperation or BadArgs.
	PerformOperation(ctx context.Context, handle Handle, op string, args json.RawMessage) error

	// Close requests termination of the live process. It must eventually
	// emit a terminal status event via onEvent (not necessarily
	// synchronously) and must be idempotent — a second Close on an already
	//-closed handle is a no-op.
	Close(ctx context.Context, handle Handle, reason string) error
}

// Registry is a process-wide mapping from kind string to Adapter. It is
// frozen after Freeze is called — Get is then a lock-free map read.
type Registry struct {
	mu     sync.Mutex
	byKind map[string]Adapter
	frozen bool
}

// NewRegistry creates an empty, unfrozen Registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[string]Adapter)}
}

// Register adds an adapter for kind. Panics if called after Freeze —
// registration is a startup-only operation.
func (r *Registry) Register(kind string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("adapter: Register(%q) called after Freeze", kind))
	}
	r.byKind[kind] = a
}

// Freeze closes registration. Call once at startup after all Register
// calls. Subsequent Get calls do not take the mutex.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the adapter for kind, or (nil, false) if unregistered.
// Safe to call concurrently with other Get calls without locking once
// Freeze has been called; Get itself never mutates the map.
func (r *Registry) Get(kind string) (Adapter, bool) {
	a, ok := r.byKind[kind]
	return a, ok
}

// Kinds returns all registered kind strings.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}
