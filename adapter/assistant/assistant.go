// Package assistant implements the assistant-conversation adapter: a
// subprocess speaking newline-delimited JSON that drives an AI assistant.
// The dispatch/pending-request bookkeeping mirrors the overseer client's
// read-loop pattern; permission-mode evaluation mirrors dive/permission's
// Manager.evaluateMode (allow / deny / no-decision-defer).
package assistant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/sticky-tools/sticky-kerneld/adapter"
	"github.com/sticky-tools/sticky-kerneld/errs"
	"github.com/sticky-tools/sticky-kerneld/store"
)

// PermissionMode controls how tool-call confirmation is resolved, mirroring
// the assistant CLI's own mode vocabulary (a subset of dive/permission's
// Mode set, since the kernel itself never evaluates per-rule allowlists —
// that lives in the assistant subprocess).
type PermissionMode string

const (
	ModeDefault           PermissionMode = "default"
	ModeAcceptEdits       PermissionMode = "acceptEdits"
	ModeBypassPermissions PermissionMode = "bypassPermissions"
)

type decision int

const (
	noDecision decision = iota
	allow
	deny
)

// evaluateMode decides whether a tool call identified by name should be
// auto-resolved by the kernel before forwarding the decision to the
// subprocess, without consulting the subprocess's own confirmation dialog.
func evaluateMode(mode PermissionMode, toolName string, isEdit bool) (decision, string) {
	switch mode {
	case ModeBypassPermissions:
		return allow, ""
	case ModeAcceptEdits:
		if isEdit {
			return allow, ""
		}
		return noDecision, ""
	default:
		return noDecision, ""
	}
}

// Metadata is the kind-specific options accepted in metadata for assistant
// sessions.
type Metadata struct {
	Command        string         `json:"command,omitempty"`
	Args           []string       `json:"args,omitempty"`
	PermissionMode PermissionMode `json:"permissionMode,omitempty"`
	SystemPrompt   string         `json:"systemPrompt,omitempty"`
}

// Adapter implements adapter.Adapter for kind "assistant".
type Adapter struct {
	// DefaultCommand is the subprocess binary used when metadata.Command is
	// empty.
	DefaultCommand string
	// SpawnTimeout bounds how long Create waits for the subprocess's first
	// "ready" message.
	SpawnTimeout time.Duration
}

// New creates an assistant Adapter.
func New(defaultCommand string, spawnTimeout time.Duration) *Adapter {
	if defaultCommand == "" {
		defaultCommand = "assistant-cli"
	}
	if spawnTimeout <= 0 {
		spawnTimeout = 10 * time.Second
	}
	return &Adapter{DefaultCommand: defaultCommand, SpawnTimeout: spawnTimeout}
}

// inbound is the superset of messages the subprocess emits on stdout.
type inbound struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Delta    string          `json:"delta,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	IsEdit   bool            `json:"isEdit,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	ErrorMsg string          `json:"error,omitempty"`
}

type handle struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	mode    PermissionMode
	closed  bool
	pending sync.Map // tool-call id -> chan decisionResult

	// buffer accumulates streaming-token deltas per in-flight assistant
	// message id so a single "assistant-message" event can be emitted once
	// the message completes, alongside per-token deltas for live display.
	buf   map[string]*[]byte
	bufMu sync.Mutex
}

type decisionResult struct {
	allow bool
	msg   string
}

func (a *Adapter) Create(ctx context.Context, cwd string, metadata json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
	var meta Metadata
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return nil, errs.Wrap(errs.BadArgs, err, "assistant: invalid metadata")
		}
	}
	if meta.PermissionMode == "" {
		meta.PermissionMode = ModeDefault
	}

	command := meta.Command
	if command == "" {
		command = a.DefaultCommand
	}

	cmd := exec.Command(command, meta.Args...)
	cmd.Dir = cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.SpawnFailed, err, "assistant: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.SpawnFailed, err, "assistant: stdout pipe")
	}

	spawnCtx, cancel := context.WithTimeout(ctx, a.SpawnTimeout)
	defer cancel()

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.SpawnFailed, err, "assistant: start %q", command)
	}

	h := &handle{cmd: cmd, stdin: stdin, mode: meta.PermissionMode, buf: make(map[string]*[]byte)}

	ready := make(chan error, 1)
	go h.readLoop(stdout, onEvent, ready)

	if meta.SystemPrompt != "" {
		_ = h.send(map[string]any{"type": "configure", "systemPrompt": meta.SystemPrompt})
	}

	select {
	case err := <-ready:
		if err != nil {
			_ = cmd.Process.Kill()
			return nil, errs.Wrap(errs.SpawnFailed, err, "assistant: process exited before ready")
		}
	case <-spawnCtx.Done():
		_ = cmd.Process.Kill()
		return nil, errs.New(errs.SpawnTimeout, "assistant: no ready signal within %s", a.SpawnTimeout)
	}

	return h, nil
}

// Resume spawns a fresh subprocess rather than reconnecting at the wire
// level — the subprocess that produced the original transcript does not
// survive a server restart, but the conversation's semantic state is
// recoverable from persisted events, which the orchestrator then feeds
// into the new subprocess through ReplayTranscript.
func (a *Adapter) Resume(ctx context.Context, cwd string, metadata json.RawMessage, lastSeq int64, onEvent adapter.EmitFunc) (adapter.Handle, error) {
	h, err := a.Create(ctx, cwd, metadata, onEvent)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// ReplayTranscript feeds previously-persisted assistant-message events back
// into a resumed subprocess so it can rebuild conversational context. The
// orchestrator calls this after Resume, once it has read the event log.
func ReplayTranscript(h any, events []store.Event) error {
	s, ok := h.(*handle)
	if !ok {
		return errs.New(errs.BadArgs, "assistant: wrong handle type")
	}
	for _, ev := range events {
		if ev.Channel != store.ChannelAssistantMessage {
			continue
		}
		if err := s.send(map[string]any{"type": "replay", "message": json.RawMessage(ev.Payload)}); err != nil {
			return errs.Wrap(errs.ClosedSink, err, "assistant: replay")
		}
	}
	return nil
}

func (a *Adapter) SendInput(ctx context.Context, h adapter.Handle, data []byte) error {
	s, ok := h.(*handle)
	if !ok {
		return errs.New(errs.BadArgs, "assistant: wrong handle type")
	}
	return s.send(map[string]any{"type": "user-message", "text": string(data)})
}

// PerformOperation supports "tool-decision" ({"id":string,"allow":bool}),
// used when the kernel-level permission mode defers to an external
// decision rather than resolving automatically.
func (a *Adapter) PerformOperation(ctx context.Context, h adapter.Handle, op string, args json.RawMessage) error {
	s, ok := h.(*handle)
	if !ok {
		return errs.New(errs.BadArgs, "assistant: wrong handle type")
	}
	switch op {
	case "tool-decision":
		var in struct {
			ID    string `json:"id"`
			Allow bool   `json:"allow"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errs.Wrap(errs.BadArgs, err, "assistant: tool-decision args")
		}
		if ch, ok := s.pending.LoadAndDelete(in.ID); ok {
			ch.(chan decisionResult) <- decisionResult{allow: in.Allow}
		}
		return nil
	default:
		return errs.New(errs.UnsupportedOperation, "assistant: unsupported operation %q", op)
	}
}

func (a *Adapter) Close(ctx context.Context, h adapter.Handle, reason string) error {
	s, ok := h.(*handle)
	if !ok {
		return errs.New(errs.BadArgs, "assistant: wrong handle type")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.mu.Unlock()
	return nil
}

func (s *handle) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.ClosedSink, "assistant: subprocess is gone")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = s.stdin.Write(raw)
	return err
}

func (s *handle) readLoop(stdout io.Reader, onEvent func(store.Channel, string, json.RawMessage), ready chan<- error) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	first := true
	for sc.Scan() {
		var msg inbound
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			continue
		}

		if first {
			first = false
			if msg.Type == "ready" {
				ready <- nil
			} else {
				ready <- fmt.Errorf("unexpected first message type %q", msg.Type)
			}
		}

		switch msg.Type {
		case "ready":
			// handled above

		case "delta":
			s.appendDelta(msg.ID, msg.Delta)
			payload, _ := json.Marshal(map[string]string{"id": msg.ID, "delta": msg.Delta})
			onEvent(store.ChannelAssistantMessage, "delta", payload)

		case "message-complete":
			full := s.flushDelta(msg.ID)
			payload, _ := json.Marshal(map[string]any{"id": msg.ID, "text": full})
			onEvent(store.ChannelAssistantMessage, "complete", payload)

		case "tool-call":
			d, reason := evaluateMode(s.mode, msg.Tool, msg.IsEdit)
			payload, _ := json.Marshal(map[string]any{"id": msg.ID, "tool": msg.Tool, "input": msg.Input})
			onEvent(store.ChannelToolCall, "requested", payload)

			switch d {
			case allow:
				_ = s.send(map[string]any{"type": "tool-decision", "id": msg.ID, "allow": true})
			case deny:
				_ = s.send(map[string]any{"type": "tool-decision", "id": msg.ID, "allow": false, "reason": reason})
			default:
				ch := make(chan decisionResult, 1)
				s.pending.Store(msg.ID, ch)
				// The decision arrives asynchronously via PerformOperation
				// ("tool-decision") once a client resolves the prompt that
				// the tool-call event above surfaced; forward it to the
				// subprocess the same way the allow/deny branches above do.
				go func(id string, ch chan decisionResult) {
					result := <-ch
					_ = s.send(map[string]any{"type": "tool-decision", "id": id, "allow": result.allow, "reason": result.msg})
				}(msg.ID, ch)
			}

		case "tool-result":
			payload, _ := json.Marshal(map[string]any{"id": msg.ID, "result": msg.Result})
			onEvent(store.ChannelToolResult, "completed", payload)

		case "error":
			payload, _ := json.Marshal(map[string]string{"message": msg.ErrorMsg})
			onEvent(store.ChannelError, "assistant-error", payload)
		}
	}

	if first {
		ready <- fmt.Errorf("subprocess closed stdout before any message")
	}

	payload, _ := json.Marshal(map[string]string{"reason": "subprocess exited"})
	onEvent(store.ChannelStatus, "exited", payload)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *handle) appendDelta(id, delta string) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	b, ok := s.buf[id]
	if !ok {
		nb := []byte(delta)
		s.buf[id] = &nb
		return
	}
	*b = append(*b, delta...)
}

func (s *handle) flushDelta(id string) string {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	b, ok := s.buf[id]
	if !ok {
		return ""
	}
	delete(s.buf, id)
	return string(*b)
}
