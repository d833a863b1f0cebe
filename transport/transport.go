// Package transport implements the websocket Transport Multiplexer: one
// connection carries any number of concurrent session attachments, each
// independently replayed-then-live-tailed from the Event Recorder. The
// single-writer-goroutine-plus-outbound-channel shape, and the
// ping/pong heartbeat loop, mirror the client-side connection management in
// the corpus's overseer client — here turned inside out into a
// gorilla/websocket server, since the corpus only shows the dial side of
// this relationship.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sticky-tools/sticky-kerneld/auth"
	"github.com/sticky-tools/sticky-kerneld/errs"
	"github.com/sticky-tools/sticky-kerneld/orchestrator"
	"github.com/sticky-tools/sticky-kerneld/recorder"
	"github.com/sticky-tools/sticky-kerneld/store"
)

// protocolVersion is the only wire version this server speaks.
const protocolVersion = 1

// envelope is the superset of every message exchanged over the wire —
// {"v":1,"op":...} per the protocol's single-envelope shape.
type envelope struct {
	V         int             `json:"v"`
	Op        string          `json:"op"`
	ID        string          `json:"id,omitempty"`
	Token     string          `json:"token,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	FromSeq   int64           `json:"fromSeq,omitempty"`
	Data      string          `json:"data,omitempty"` // base64
	OpName    string          `json:"opName,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Event     *store.Event    `json:"event,omitempty"`
	Message   string          `json:"message,omitempty"`
	Kind      errs.Kind       `json:"kind,omitempty"`
}

// Config bounds the multiplexer's timing behavior.
type Config struct {
	Heartbeat    time.Duration
	PongDeadline time.Duration
}

// Server is the websocket Transport Multiplexer.
type Server struct {
	upgrader websocket.Upgrader
	verifier *auth.Verifier
	orch     *orchestrator.Orchestrator
	rec      *recorder.Recorder
	log      *slog.Logger
	cfg      Config
}

// New creates a Server. verifier may be nil to disable hello-time auth
// (local/dev use only).
func New(verifier *auth.Verifier, orch *orchestrator.Orchestrator, rec *recorder.Recorder, log *slog.Logger, cfg Config) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 20 * time.Second
	}
	if cfg.PongDeadline <= 0 {
		cfg.PongDeadline = 30 * time.Second
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		verifier: verifier,
		orch:     orch,
		rec:      rec,
		log:      log,
		cfg:      cfg,
	}
}

// ServeHTTP upgrades the request to a websocket connection and runs the
// connection's lifetime synchronously, returning when the connection
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("transport: upgrade failed", "error", err)
		return
	}
	c := newConn(conn, s)
	c.run(r.Context())
}

// attachment tracks one live session subscription multiplexed onto this
// connection.
type attachment struct {
	sub    *recorder.Subscription
	cancel context.CancelFunc
}

type conn struct {
	s  *Server
	ws *websocket.Conn
	id uuid.UUID

	writeMu sync.Mutex // serializes direct writes from the writer goroutine's perspective
	out     chan envelope

	mu          sync.Mutex
	attachments map[string]*attachment
	helloDone   bool
}

func newConn(ws *websocket.Conn, s *Server) *conn {
	return &conn{
		s:           s,
		ws:          ws,
		id:          uuid.New(),
		out:         make(chan envelope, 64),
		attachments: make(map[string]*attachment),
	}
}

func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.ws.Close()
	defer c.detachAll()

	c.ws.SetReadDeadline(time.Now().Add(c.s.cfg.PongDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.s.cfg.PongDeadline))
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()

	c.readLoop(ctx)
	cancel()
	wg.Wait()
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			c.writeMu.Lock()
			err = c.ws.WriteMessage(websocket.TextMessage, raw)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("", errs.ProtocolError, "malformed message")
			continue
		}
		if env.V != protocolVersion {
			c.sendError(env.ID, errs.ProtocolError, "unsupported protocol version")
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *conn) handle(ctx context.Context, env envelope) {
	switch env.Op {
	case "hello":
		c.handleHello(env)
	case "attach":
		c.handleAttach(ctx, env)
	case "detach":
		c.handleDetach(env)
	case "input":
		c.handleInput(ctx, env)
	case "op":
		c.handleOp(ctx, env)
	case "close":
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(5*time.Second))
	default:
		c.sendError(env.ID, errs.ProtocolError, "unknown op "+env.Op)
	}
}

func (c *conn) handleHello(env envelope) {
	if c.s.verifier != nil {
		if _, err := c.s.verifier.Verify(env.Token); err != nil {
			c.sendError(env.ID, errs.AuthRequired, err.Error())
			c.ws.Close()
			return
		}
	}
	c.mu.Lock()
	c.helloDone = true
	c.mu.Unlock()
	c.enqueue(envelope{V: protocolVersion, Op: "welcome", ID: env.ID})
}

func (c *conn) requireHello(env envelope) bool {
	c.mu.Lock()
	ok := c.helloDone
	c.mu.Unlock()
	if !ok {
		c.sendError(env.ID, errs.AuthRequired, "hello required before any other op")
	}
	return ok
}

func (c *conn) handleAttach(ctx context.Context, env envelope) {
	if !c.requireHello(env) {
		return
	}
	if env.SessionID == "" {
		c.sendError(env.ID, errs.BadArgs, "attach requires sessionId")
		return
	}

	sub, backlog, err := c.s.rec.Subscribe(ctx, env.SessionID, env.FromSeq)
	if err != nil {
		c.sendError(env.ID, errs.Kind(errorKind(err)), err.Error())
		return
	}

	attachCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if prior, exists := c.attachments[env.SessionID]; exists {
		prior.cancel()
		c.s.rec.Unsubscribe(env.SessionID, prior.sub.ID)
	}
	c.attachments[env.SessionID] = &attachment{sub: sub, cancel: cancel}
	c.mu.Unlock()

	for _, ev := range backlog {
		ev := ev
		c.enqueue(envelope{V: protocolVersion, Op: "event", SessionID: env.SessionID, Event: &ev})
	}
	c.enqueue(envelope{V: protocolVersion, Op: "ack", ID: env.ID, SessionID: env.SessionID})

	go c.pumpSession(attachCtx, env.SessionID, sub)
}

func (c *conn) pumpSession(ctx context.Context, sessionID string, sub *recorder.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			e := ev
			c.enqueue(envelope{V: protocolVersion, Op: "event", SessionID: sessionID, Event: &e})
		case reason, ok := <-sub.Evict:
			if !ok {
				return
			}
			c.sendError("", errs.SlowConsumer, reason.Reason)
			c.enqueue(envelope{V: protocolVersion, Op: "detach", SessionID: sessionID})
			c.mu.Lock()
			delete(c.attachments, sessionID)
			c.mu.Unlock()
			return
		}
	}
}

func (c *conn) handleDetach(env envelope) {
	if !c.requireHello(env) {
		return
	}
	c.mu.Lock()
	a, ok := c.attachments[env.SessionID]
	if ok {
		delete(c.attachments, env.SessionID)
	}
	c.mu.Unlock()
	if !ok {
		c.sendError(env.ID, errs.BadArgs, "not attached to session "+env.SessionID)
		return
	}
	a.cancel()
	c.s.rec.Unsubscribe(env.SessionID, a.sub.ID)
	c.enqueue(envelope{V: protocolVersion, Op: "ack", ID: env.ID, SessionID: env.SessionID})
}

func (c *conn) handleInput(ctx context.Context, env envelope) {
	if !c.requireHello(env) {
		return
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		c.sendError(env.ID, errs.BadArgs, "input data must be base64")
		return
	}
	if err := c.s.orch.SendInput(ctx, env.SessionID, data); err != nil {
		c.sendError(env.ID, errs.Kind(errorKind(err)), err.Error())
		return
	}
	c.enqueue(envelope{V: protocolVersion, Op: "ack", ID: env.ID, SessionID: env.SessionID})
}

func (c *conn) handleOp(ctx context.Context, env envelope) {
	if !c.requireHello(env) {
		return
	}
	if err := c.s.orch.PerformOperation(ctx, env.SessionID, env.OpName, env.Args); err != nil {
		c.sendError(env.ID, errs.Kind(errorKind(err)), err.Error())
		return
	}
	c.enqueue(envelope{V: protocolVersion, Op: "ack", ID: env.ID, SessionID: env.SessionID})
}

func (c *conn) detachAll() {
	c.mu.Lock()
	attachments := c.attachments
	c.attachments = make(map[string]*attachment)
	c.mu.Unlock()
	for sessionID, a := range attachments {
		a.cancel()
		c.s.rec.Unsubscribe(sessionID, a.sub.ID)
	}
}

func (c *conn) enqueue(env envelope) {
	select {
	case c.out <- env:
	default:
		// Outbound buffer full: the connection itself is the slow consumer.
		// Drop the connection rather than block every session it multiplexes.
		c.ws.Close()
	}
}

func (c *conn) sendError(id string, kind errs.Kind, msg string) {
	c.enqueue(envelope{V: protocolVersion, Op: "error", ID: id, Kind: kind, Message: msg})
}

func errorKind(err error) errs.Kind {
	var ke *errs.Error
	cur := err
	for cur != nil {
		if e, ok := cur.(*errs.Error); ok {
			ke = e
			break
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	if ke == nil {
		return errs.ProtocolError
	}
	return ke.Kind
}
