// Package recorder implements the Event Recorder: the single writer of a
// session's append-only event log and the fan-out point for its live
// subscribers. The broadcaster shape (per-subscriber buffered channel,
// non-blocking send) is grounded on the Broadcaster pattern found in the
// corpus's terminal-session code; unlike that pattern, a full subscriber
// queue here is evicted outright rather than silently dropping one message,
// since a session replay makes catch-up possible only from the point a
// subscriber is still attached.
package recorder

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/sticky-tools/sticky-kerneld/errs"
	"github.com/sticky-tools/sticky-kerneld/store"
)

// DefaultQueueSize is the default bounded per-subscriber queue depth.
const DefaultQueueSize = 1024

// Eviction describes why a subscriber's feed was torn down.
type Eviction struct {
	SubscriberID string
	Reason       string
}

// Subscription is a live subscriber's view onto a session's event stream.
type Subscription struct {
	ID     string
	Events <-chan store.Event
	Evict  <-chan Eviction
}

type subscriber struct {
	id     string
	ch     chan store.Event
	evict  chan Eviction
	closed bool
}

// sessionLog serializes Append for one session and fans events out to its
// live subscribers.
type sessionLog struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
}

// Recorder is the process-wide Event Recorder, keyed by session ID.
type Recorder struct {
	st store.Store

	mu    sync.Mutex
	logs  map[string]*sessionLog
	queue int
}

// New creates a Recorder persisting through st. queueSize bounds each
// subscriber's channel; 0 selects DefaultQueueSize.
func New(st store.Store, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Recorder{st: st, logs: make(map[string]*sessionLog), queue: queueSize}
}

func (r *Recorder) logFor(sessionID string) *sessionLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[sessionID]
	if !ok {
		l = &sessionLog{subscribers: make(map[string]*subscriber)}
		r.logs[sessionID] = l
	}
	return l
}

// Append persists a new event for sessionID and then notifies every
// attached subscriber — write-then-notify is the ordering guarantee every
// caller depends on; a subscriber never observes an event the store has not
// already durably recorded.
func (r *Recorder) Append(ctx context.Context, sessionID string, channel store.Channel, typ string, payload json.RawMessage) (*store.Event, error) {
	l := r.logFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, err := r.st.Append(ctx, sessionID, channel, typ, payload)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "recorder: append")
	}

	for id, sub := range l.subscribers {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- *ev:
		default:
			r.evictLocked(l, id, "slow-consumer")
		}
	}

	return ev, nil
}

// evictLocked must be called with l.mu held.
func (r *Recorder) evictLocked(l *sessionLog, subscriberID, reason string) {
	sub, ok := l.subscribers[subscriberID]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	delete(l.subscribers, subscriberID)
	close(sub.ch)
	select {
	case sub.evict <- Eviction{SubscriberID: subscriberID, Reason: reason}:
	default:
	}
	close(sub.evict)
}

// Subscribe atomically replays every event after fromSeq and then begins
// forwarding newly-appended events, with no gap and no duplication — the
// replay and the start of live delivery happen while the session's append
// lock is held, so no event appended concurrently with the call to
// Subscribe can be missed or double-delivered.
func (r *Recorder) Subscribe(ctx context.Context, sessionID string, fromSeq int64) (*Subscription, []store.Event, error) {
	l := r.logFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	backlog, err := r.st.EventsSince(ctx, sessionID, fromSeq)
	if err != nil {
		return nil, nil, errs.Wrap(errs.StorageError, err, "recorder: events since")
	}

	sub := &subscriber{
		id:    uuid.NewString(),
		ch:    make(chan store.Event, r.queue),
		evict: make(chan Eviction, 1),
	}
	l.subscribers[sub.id] = sub

	return &Subscription{ID: sub.id, Events: sub.ch, Evict: sub.evict}, backlog, nil
}

// Unsubscribe detaches a subscriber without treating the detach as an
// eviction.
func (r *Recorder) Unsubscribe(sessionID, subscriberID string) {
	l := r.logFor(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.subscribers[subscriberID]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	delete(l.subscribers, subscriberID)
	close(sub.ch)
	close(sub.evict)
}

// LatestSeq returns the highest seq persisted for sessionID.
func (r *Recorder) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	seq, err := r.st.LatestSeq(ctx, sessionID)
	if err != nil {
		return 0, errs.Wrap(errs.StorageError, err, "recorder: latest seq")
	}
	return seq, nil
}

// Forget drops in-memory bookkeeping for a deleted session. It does not
// touch the store — callers delete session rows separately.
func (r *Recorder) Forget(sessionID string) {
	r.mu.Lock()
	l, ok := r.logs[sessionID]
	delete(r.logs, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, sub := range l.subscribers {
		if sub.closed {
			continue
		}
		sub.closed = true
		close(sub.ch)
		close(sub.evict)
		delete(l.subscribers, id)
	}
}
