// Package pty implements the PTY adapter: a login shell in a pseudo
// terminal. Grounded on the creack/pty usage pattern found across the
// example corpus's terminal-multiplexer code (pty.StartWithSize /
// pty.Setsize), adapted to the kernel's Adapter contract.
package pty

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/sticky-tools/sticky-kerneld/adapter"
	"github.com/sticky-tools/sticky-kerneld/errs"
	"github.com/sticky-tools/sticky-kerneld/store"
)

// Metadata is the kind-specific options accepted in metadata for PTY
// sessions.
type Metadata struct {
	Shell string            `json:"shell,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Cols  uint16            `json:"cols,omitempty"`
	Rows  uint16            `json:"rows,omitempty"`
}

// Adapter implements adapter.Adapter for kind "pty".
type Adapter struct {
	// DefaultShell is used when metadata.Shell is empty.
	DefaultShell string
}

// New creates a PTY Adapter with the given default shell (used when a
// session's metadata does not specify one).
func New(defaultShell string) *Adapter {
	if defaultShell == "" {
		defaultShell = "/bin/sh"
	}
	return &Adapter{DefaultShell: defaultShell}
}

type handle struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	closed bool
	done   chan struct{}
}

func (a *Adapter) Create(ctx context.Context, cwd string, metadata json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
	var meta Metadata
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return nil, errs.Wrap(errs.BadArgs, err, "pty: invalid metadata")
		}
	}

	shell := meta.Shell
	if shell == "" {
		shell = a.DefaultShell
	}
	if _, err := os.Stat(shell); err != nil {
		return nil, errs.Wrap(errs.SpawnFailed, err, "pty: shell %q not found", shell)
	}

	rows, cols := meta.Rows, meta.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	cmd := exec.CommandContext(ctx, shell, "-l")
	cmd.Dir = cwd
	cmd.Env = append([]string{}, os.Environ()...)
	for k, v := range meta.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, errs.Wrap(errs.SpawnFailed, err, "pty: start")
	}

	h := &handle{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go h.readLoop(onEvent)
	go h.waitLoop(onEvent)
	return h, nil
}

// Resume for PTY has no wire-level reconnection to an OS process that no
// longer exists once the server restarted — the process table dies with
// the server. A fresh shell is spawned in its place; the client sees the
// prior output via event replay and a fresh prompt going forward.
func (a *Adapter) Resume(ctx context.Context, cwd string, metadata json.RawMessage, lastSeq int64, onEvent adapter.EmitFunc) (adapter.Handle, error) {
	return a.Create(ctx, cwd, metadata, onEvent)
}

func (a *Adapter) SendInput(ctx context.Context, h adapter.Handle, data []byte) error {
	s, ok := h.(*handle)
	if !ok {
		return errs.New(errs.BadArgs, "pty: wrong handle type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ptmx == nil {
		return errs.New(errs.ClosedSink, "pty: process is gone")
	}
	_, err := s.ptmx.Write(data)
	if err != nil {
		return errs.Wrap(errs.ClosedSink, err, "pty: write")
	}
	return nil
}

// PerformOperation supports "resize" ({"cols":int,"rows":int}) and
// "signal" ({"name":string}).
func (a *Adapter) PerformOperation(ctx context.Context, h adapter.Handle, op string, args json.RawMessage) error {
	s, ok := h.(*handle)
	if !ok {
		return errs.New(errs.BadArgs, "pty: wrong handle type")
	}

	switch op {
	case "resize":
		var in struct {
			Cols uint16 `json:"cols"`
			Rows uint16 `json:"rows"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errs.Wrap(errs.BadArgs, err, "pty: resize args")
		}
		if in.Cols == 0 || in.Rows == 0 {
			return errs.New(errs.BadArgs, "pty: resize requires cols and rows > 0")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.ptmx == nil {
			return errs.New(errs.ClosedSink, "pty: process is gone")
		}
		return pty.Setsize(s.ptmx, &pty.Winsize{Rows: in.Rows, Cols: in.Cols})

	case "signal":
		var in struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return errs.Wrap(errs.BadArgs, err, "pty: signal args")
		}
		sig, err := parseSignal(in.Name)
		if err != nil {
			return errs.Wrap(errs.BadArgs, err, "pty: signal")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.cmd.Process == nil {
			return errs.New(errs.ClosedSink, "pty: process is gone")
		}
		if err := s.cmd.Process.Signal(sig); err != nil {
			return errs.Wrap(errs.ClosedSink, err, "pty: signal")
		}
		return nil

	default:
		return errs.New(errs.UnsupportedOperation, "pty: unsupported operation %q", op)
	}
}

// Close is idempotent: a second call on an already-closed handle is a
// no-op.
func (a *Adapter) Close(ctx context.Context, h adapter.Handle, reason string) error {
	s, ok := h.(*handle)
	if !ok {
		return errs.New(errs.BadArgs, "pty: wrong handle type")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.mu.Unlock()
	return nil
}

func (h *handle) readLoop(onEvent func(store.Channel, string, json.RawMessage)) {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			payload, _ := json.Marshal(map[string]string{"data": base64.StdEncoding.EncodeToString(chunk)})
			onEvent(store.ChannelStdout, "bytes", payload)
		}
		if err != nil {
			return
		}
	}
}

func (h *handle) waitLoop(onEvent func(store.Channel, string, json.RawMessage)) {
	err := h.cmd.Wait()
	close(h.done)

	code, signal := exitDetails(err)
	payload, _ := json.Marshal(map[string]any{"code": code, "signal": signal})
	onEvent(store.ChannelStatus, "exited", payload)

	h.mu.Lock()
	h.closed = true
	h.ptmx = nil
	h.mu.Unlock()
}

func exitDetails(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -1, status.Signal().String()
			}
			return status.ExitStatus(), ""
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func parseSignal(name string) (syscall.Signal, error) {
	switch name {
	case "SIGINT", "INT":
		return syscall.SIGINT, nil
	case "SIGTERM", "TERM":
		return syscall.SIGTERM, nil
	case "SIGKILL", "KILL":
		return syscall.SIGKILL, nil
	case "SIGHUP", "HUP":
		return syscall.SIGHUP, nil
	case "SIGWINCH", "WINCH":
		return syscall.SIGWINCH, nil
	default:
		if n, err := strconv.Atoi(name); err == nil {
			return syscall.Signal(n), nil
		}
		return 0, fmt.Errorf("unknown signal %q", name)
	}
}
