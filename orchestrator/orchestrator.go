// Package orchestrator implements the Session Orchestrator: the state
// machine governing a session's lifecycle (create, resume, send input,
// perform a kind-specific operation, close, delete) and the crash-loop /
// restart bookkeeping around a live process. The runtime-state-plus-PID
// shape, and the pattern of recording a status event before acting so the
// subsequent process exit can be correctly attributed, are both grounded on
// manager.Manager's subState/OnExited/checkErrorThreshold machinery — here
// generalized across every adapter kind rather than specialized to one
// worker binary.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sticky-tools/sticky-kerneld/adapter"
	"github.com/sticky-tools/sticky-kerneld/adapter/assistant"
	"github.com/sticky-tools/sticky-kerneld/config"
	"github.com/sticky-tools/sticky-kerneld/errs"
	"github.com/sticky-tools/sticky-kerneld/recorder"
	"github.com/sticky-tools/sticky-kerneld/store"
)

// runState is the in-memory state of a live session. Its mutex serializes
// every lifecycle transition for this one session.
type runState struct {
	mu          sync.Mutex
	id          string
	kind        string
	cwd         string
	status      store.Status
	handle      adapter.Handle
	closing     bool
	closeReason string
	errorExits  []time.Time
	cycleReset  time.Time
}

// Orchestrator is the process-wide Session Orchestrator.
type Orchestrator struct {
	mu     sync.RWMutex
	states map[string]*runState

	cfg      *config.Global
	st       store.Store
	reg      *adapter.Registry
	rec      *recorder.Recorder
	log      *slog.Logger
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New creates an Orchestrator. Call Start before accepting requests.
func New(cfg *config.Global, st store.Store, reg *adapter.Registry, rec *recorder.Recorder, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		states: make(map[string]*runState),
		cfg:    cfg,
		st:     st,
		reg:    reg,
		rec:    rec,
		log:    log,
	}
}

// Start wires a background context used by the restart timers this
// Orchestrator schedules; call once, before any session operation.
func (o *Orchestrator) Start(ctx context.Context) {
	o.bgCtx, o.bgCancel = context.WithCancel(ctx)
}

// Stop cancels any pending restart timers. It does not close live sessions.
func (o *Orchestrator) Stop() {
	if o.bgCancel != nil {
		o.bgCancel()
	}
}

func (o *Orchestrator) stateFor(id string) *runState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.states[id]
}

// Create starts a brand-new session of the given kind, persists it as
// running, and spawns its adapter process.
func (o *Orchestrator) Create(ctx context.Context, kind, cwd string, metadata json.RawMessage) (*store.Session, error) {
	a, ok := o.reg.Get(kind)
	if !ok {
		return nil, errs.New(errs.BadArgs, "orchestrator: unknown session kind %q", kind)
	}

	id := newSessionID()
	sess, err := o.st.CreateSession(ctx, id, kind, cwd, metadata)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "orchestrator: create session")
	}

	rs := &runState{id: id, kind: kind, cwd: cwd, status: store.StatusRunning, cycleReset: time.Now()}
	o.mu.Lock()
	o.states[id] = rs
	o.mu.Unlock()

	g := o.cfg.Get()
	spawnCtx, cancel := context.WithTimeout(ctx, time.Duration(g.SpawnTimeoutMS)*time.Millisecond)
	defer cancel()

	handle, err := a.Create(spawnCtx, cwd, metadata, o.emitFunc(id))
	if err != nil {
		_ = o.st.UpdateStatus(context.Background(), id, store.StatusStopped)
		o.recordStatus(context.Background(), id, "spawn-failed", err.Error())
		return sess, err
	}

	rs.mu.Lock()
	rs.handle = handle
	rs.mu.Unlock()

	o.recordStatus(ctx, id, "started", "")
	return sess, nil
}

// ResumeResult reports the outcome of a Resume call. Resuming a session
// that is already running is not an error — it is a no-op, reported via
// Resumed=false rather than a fresh spawn.
type ResumeResult struct {
	Session *store.Session
	Resumed bool
	Reason  string
}

// Resume re-attaches to a persisted session, spawning a fresh process via
// the adapter's Resume method. Fails with ResumeUnsupported if the kind
// cannot resume, or SessionNotFound if the session row does not exist.
// Resuming an already-running session is a no-op: it returns
// Resumed=false, Reason="already-running" rather than spawning a second
// process for the same session.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*ResumeResult, error) {
	sess, err := o.st.FindByID(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errs.New(errs.SessionNotFound, "orchestrator: session %q", id)
		}
		return nil, errs.Wrap(errs.StorageError, err, "orchestrator: find session")
	}

	a, ok := o.reg.Get(sess.Kind)
	if !ok {
		return nil, errs.New(errs.BadArgs, "orchestrator: unknown session kind %q", sess.Kind)
	}

	prev := o.stateFor(id)
	if prev != nil {
		prev.mu.Lock()
		live := prev.handle != nil
		prev.mu.Unlock()
		if live {
			return &ResumeResult{Session: sess, Resumed: false, Reason: "already-running"}, nil
		}
	}

	lastSeq, err := o.rec.LatestSeq(ctx, id)
	if err != nil {
		return nil, err
	}

	g := o.cfg.Get()
	spawnCtx, cancel := context.WithTimeout(ctx, time.Duration(g.SpawnTimeoutMS)*time.Millisecond)
	defer cancel()

	handle, err := a.Resume(spawnCtx, sess.Cwd, sess.Metadata, lastSeq, o.emitFunc(id))
	if err != nil {
		return nil, err
	}

	if _, ok := a.(*assistant.Adapter); ok {
		history, err := o.st.EventsSince(ctx, id, 0)
		if err == nil {
			err = assistant.ReplayTranscript(handle, history)
		}
		if err != nil {
			o.log.Warn("orchestrator: replay assistant transcript", "session", id, "error", err)
		}
	}

	rs := &runState{id: id, kind: sess.Kind, cwd: sess.Cwd, status: store.StatusRunning, handle: handle, cycleReset: time.Now()}
	if prev != nil {
		// A restart after a crash keeps the crash-loop bookkeeping; a resume
		// after an intentional close starts a fresh cycle.
		prev.mu.Lock()
		if !prev.closing {
			rs.errorExits = prev.errorExits
			rs.cycleReset = prev.cycleReset
		}
		prev.mu.Unlock()
	}
	o.mu.Lock()
	o.states[id] = rs
	o.mu.Unlock()

	if err := o.st.UpdateStatus(ctx, id, store.StatusRunning); err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "orchestrator: update status")
	}
	o.recordStatus(ctx, id, "resumed", "")
	return &ResumeResult{Session: sess, Resumed: true}, nil
}

// SendInput forwards raw bytes to a live session's adapter.
func (o *Orchestrator) SendInput(ctx context.Context, id string, data []byte) error {
	rs := o.stateFor(id)
	if rs == nil {
		return errs.New(errs.SessionNotLive, "orchestrator: session %q is not live", id)
	}
	a, ok := o.reg.Get(rs.kind)
	if !ok {
		return errs.New(errs.BadArgs, "orchestrator: unknown session kind %q", rs.kind)
	}
	rs.mu.Lock()
	handle := rs.handle
	rs.mu.Unlock()
	if handle == nil {
		return errs.New(errs.SessionNotLive, "orchestrator: session %q has no live process", id)
	}
	return a.SendInput(ctx, handle, data)
}

// PerformOperation invokes a kind-specific operation on a live session.
func (o *Orchestrator) PerformOperation(ctx context.Context, id, op string, args json.RawMessage) error {
	rs := o.stateFor(id)
	if rs == nil {
		return errs.New(errs.SessionNotLive, "orchestrator: session %q is not live", id)
	}
	a, ok := o.reg.Get(rs.kind)
	if !ok {
		return errs.New(errs.BadArgs, "orchestrator: unknown session kind %q", rs.kind)
	}
	rs.mu.Lock()
	handle := rs.handle
	rs.mu.Unlock()
	if handle == nil {
		return errs.New(errs.SessionNotLive, "orchestrator: session %q has no live process", id)
	}
	return a.PerformOperation(ctx, handle, op, args)
}

// Close requests a graceful shutdown of a live session's process. The
// session only transitions to "stopped" once the adapter's terminal
// status:exited event arrives — not synchronously here — so Close marks
// the session as closing first; when that terminal event reaches
// onUnexpectedExit, it is attributed to this intentional close rather
// than treated as a crash to restart.
func (o *Orchestrator) Close(ctx context.Context, id, reason string) error {
	rs := o.stateFor(id)
	if rs == nil {
		return errs.New(errs.SessionNotLive, "orchestrator: session %q is not live", id)
	}
	a, ok := o.reg.Get(rs.kind)
	if !ok {
		return errs.New(errs.BadArgs, "orchestrator: unknown session kind %q", rs.kind)
	}

	rs.mu.Lock()
	handle := rs.handle
	rs.closing = true
	rs.closeReason = reason
	rs.mu.Unlock()

	if handle == nil {
		return o.finishClose(ctx, id, reason)
	}
	return a.Close(ctx, handle, reason)
}

// finishClose persists the "stopped" transition and its status event. It
// runs either synchronously from Close (when there was no live handle to
// wait on) or from onUnexpectedExit once the adapter's terminal event for
// an intentional close arrives.
func (o *Orchestrator) finishClose(ctx context.Context, id, reason string) error {
	if err := o.st.UpdateStatus(ctx, id, store.StatusStopped); err != nil {
		return errs.Wrap(errs.StorageError, err, "orchestrator: update status")
	}
	o.recordStatus(ctx, id, "closed", reason)
	return nil
}

// Delete permanently removes a session: requires the session be stopped
// or idle (a running session must be closed first), then its row and
// event log are erased from the store and its in-memory state is
// forgotten.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	sess, err := o.st.FindByID(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return errs.New(errs.SessionNotFound, "orchestrator: session %q", id)
		}
		return errs.Wrap(errs.StorageError, err, "orchestrator: find session")
	}
	if sess.Status == store.StatusRunning {
		return errs.New(errs.SessionNotLive, "orchestrator: session %q is running; close it before deleting", id)
	}

	if rs := o.stateFor(id); rs != nil {
		rs.mu.Lock()
		handle := rs.handle
		kind := rs.kind
		rs.mu.Unlock()
		if handle != nil {
			if a, ok := o.reg.Get(kind); ok {
				_ = a.Close(ctx, handle, "deleted")
			}
		}
	}

	o.mu.Lock()
	delete(o.states, id)
	o.mu.Unlock()
	o.rec.Forget(id)

	if err := o.st.Delete(ctx, id); err != nil {
		if err == store.ErrNotFound {
			return errs.New(errs.SessionNotFound, "orchestrator: session %q", id)
		}
		return errs.Wrap(errs.StorageError, err, "orchestrator: delete session")
	}
	return nil
}

// MarkStopped transitions a session that could not be resumed to stopped
// (used by the recovery pass on startup).
func (o *Orchestrator) MarkStopped(ctx context.Context, id, reason string) error {
	if err := o.st.UpdateStatus(ctx, id, store.StatusStopped); err != nil {
		return errs.Wrap(errs.StorageError, err, "orchestrator: mark stopped")
	}
	o.recordStatus(ctx, id, "recovered-as-stopped", reason)
	return nil
}

// emitFunc returns the onEvent callback an adapter uses for sessionID,
// persisting through the recorder and handling unexpected process exit
// by scheduling a restart, exactly the way OnExited queues
// time.AfterFunc(d, ...) after recording the exit event first.
func (o *Orchestrator) emitFunc(sessionID string) func(store.Channel, string, json.RawMessage) {
	return func(channel store.Channel, typ string, payload json.RawMessage) {
		ctx := context.Background()
		if _, err := o.rec.Append(ctx, sessionID, channel, typ, payload); err != nil {
			o.log.Error("orchestrator: append event", "session", sessionID, "error", err)
			return
		}
		if channel == store.ChannelStatus && typ == "exited" {
			o.onUnexpectedExit(sessionID)
		}
	}
}

func (o *Orchestrator) onUnexpectedExit(sessionID string) {
	rs := o.stateFor(sessionID)
	if rs == nil {
		return
	}

	rs.mu.Lock()
	rs.handle = nil
	closing := rs.closing
	reason := rs.closeReason
	rs.mu.Unlock()

	if closing {
		if err := o.finishClose(context.Background(), sessionID, reason); err != nil {
			o.log.Warn("orchestrator: finish close", "session", sessionID, "error", err)
		}
		return
	}

	g := o.cfg.Get()
	if o.overErrorThreshold(rs, g) {
		_ = o.st.UpdateStatus(context.Background(), sessionID, store.StatusStopped)
		o.recordStatus(context.Background(), sessionID, "error-threshold-exceeded", "")
		return
	}

	if o.bgCtx == nil || o.bgCtx.Err() != nil {
		return
	}
	delay := parseDuration(g.RestartDelay, 30*time.Second)
	o.log.Info("orchestrator: scheduling restart", "session", sessionID, "delay", delay)
	time.AfterFunc(delay, func() {
		if o.bgCtx.Err() != nil {
			return
		}
		if _, err := o.Resume(o.bgCtx, sessionID); err != nil {
			o.log.Warn("orchestrator: restart failed", "session", sessionID, "error", err)
			_ = o.st.UpdateStatus(o.bgCtx, sessionID, store.StatusStopped)
			o.recordStatus(o.bgCtx, sessionID, "restart-failed", err.Error())
		}
	})
}

func (o *Orchestrator) overErrorThreshold(rs *runState, g config.Data) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	window := parseDuration(g.ErrorWindow, 5*time.Minute)
	now := time.Now()
	since := now.Add(-window)
	if rs.cycleReset.After(since) {
		since = rs.cycleReset
	}

	rs.errorExits = append(rs.errorExits, now)
	kept := rs.errorExits[:0]
	for _, t := range rs.errorExits {
		if t.After(since) {
			kept = append(kept, t)
		}
	}
	rs.errorExits = kept

	threshold := g.ErrorThreshold
	if threshold <= 0 {
		threshold = 5
	}
	return len(rs.errorExits) >= threshold
}

func (o *Orchestrator) recordStatus(ctx context.Context, sessionID, status, detail string) {
	payload, _ := json.Marshal(map[string]string{"status": status, "detail": detail})
	if _, err := o.rec.Append(ctx, sessionID, store.ChannelStatus, "status", payload); err != nil {
		o.log.Error("orchestrator: record status", "session", sessionID, "error", err)
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func newSessionID() string {
	return "sess-" + uuid.NewString()
}
