// Package fileeditor implements the file-editor adapter: stateless
// synchronous read/write/diff operations against the workspace filesystem.
// There is no underlying process, so the adapter is trivially resumable —
// Resume is Create under a different name.
package fileeditor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/sticky-tools/sticky-kerneld/adapter"
	"github.com/sticky-tools/sticky-kerneld/errs"
	"github.com/sticky-tools/sticky-kerneld/store"
)

// Adapter implements adapter.Adapter for kind "file-editor".
type Adapter struct{}

// New creates a file-editor Adapter.
func New() *Adapter { return &Adapter{} }

type handle struct {
	cwd     string
	onEvent func(store.Channel, string, json.RawMessage)
	closed  bool
}

func (a *Adapter) Create(ctx context.Context, cwd string, metadata json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return nil, errs.Wrap(errs.SpawnFailed, err, "file-editor: cwd %q is not a directory", cwd)
	}
	return &handle{cwd: cwd, onEvent: onEvent}, nil
}

// Resume has no process state to reattach to — the adapter is stateless,
// so resuming is identical to creating.
func (a *Adapter) Resume(ctx context.Context, cwd string, metadata json.RawMessage, lastSeq int64, onEvent adapter.EmitFunc) (adapter.Handle, error) {
	return a.Create(ctx, cwd, metadata, onEvent)
}

// SendInput is unsupported — the file-editor adapter has no stdin-like
// channel; all interaction happens through PerformOperation.
func (a *Adapter) SendInput(ctx context.Context, h adapter.Handle, data []byte) error {
	return errs.New(errs.UnsupportedOperation, "file-editor: does not accept raw input")
}

// operation payloads
type readArgs struct {
	Path string `json:"path"`
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type diffArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PerformOperation supports "read", "write", and "diff".
func (a *Adapter) PerformOperation(ctx context.Context, h adapter.Handle, op string, args json.RawMessage) error {
	s, ok := h.(*handle)
	if !ok {
		return errs.New(errs.BadArgs, "file-editor: wrong handle type")
	}
	if s.closed {
		return errs.New(errs.ClosedSink, "file-editor: session closed")
	}

	switch op {
	case "read":
		var in readArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return errs.Wrap(errs.BadArgs, err, "file-editor: read args")
		}
		path, err := resolve(s.cwd, in.Path)
		if err != nil {
			return errs.Wrap(errs.BadArgs, err, "file-editor: read path")
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return errs.Wrap(errs.BadArgs, err, "file-editor: read %q", in.Path)
		}
		payload, _ := json.Marshal(map[string]string{"path": in.Path, "content": string(content)})
		s.onEvent(store.ChannelToolResult, "read", payload)
		return nil

	case "write":
		var in writeArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return errs.Wrap(errs.BadArgs, err, "file-editor: write args")
		}
		path, err := resolve(s.cwd, in.Path)
		if err != nil {
			return errs.Wrap(errs.BadArgs, err, "file-editor: write path")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errs.Wrap(errs.BadArgs, err, "file-editor: mkdir for %q", in.Path)
		}
		if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
			return errs.Wrap(errs.BadArgs, err, "file-editor: write %q", in.Path)
		}
		payload, _ := json.Marshal(map[string]string{"path": in.Path})
		s.onEvent(store.ChannelToolResult, "write", payload)
		return nil

	case "diff":
		var in diffArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return errs.Wrap(errs.BadArgs, err, "file-editor: diff args")
		}
		path, err := resolve(s.cwd, in.Path)
		if err != nil {
			return errs.Wrap(errs.BadArgs, err, "file-editor: diff path")
		}
		existing, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.BadArgs, err, "file-editor: diff %q", in.Path)
		}
		lines := unifiedDiff(string(existing), in.Content)
		payload, _ := json.Marshal(map[string]any{"path": in.Path, "changedLines": lines})
		s.onEvent(store.ChannelToolResult, "diff", payload)
		return nil

	default:
		return errs.New(errs.UnsupportedOperation, "file-editor: unsupported operation %q", op)
	}
}

// Close has no process to terminate, so the session transitions to its
// terminal status immediately rather than waiting on a subprocess exit.
func (a *Adapter) Close(ctx context.Context, h adapter.Handle, reason string) error {
	s, ok := h.(*handle)
	if !ok {
		return errs.New(errs.BadArgs, "file-editor: wrong handle type")
	}
	if s.closed {
		return nil
	}
	s.closed = true
	payload, _ := json.Marshal(map[string]any{"code": 0, "signal": ""})
	s.onEvent(store.ChannelStatus, "exited", payload)
	return nil
}

// resolve joins cwd and a relative path, rejecting anything that escapes
// cwd via "..".
func resolve(cwd, path string) (string, error) {
	clean := filepath.Clean(filepath.Join(cwd, path))
	if !strings.HasPrefix(clean, filepath.Clean(cwd)+string(os.PathSeparator)) && clean != filepath.Clean(cwd) {
		return "", errs.New(errs.BadArgs, "file-editor: path %q escapes workspace", path)
	}
	return clean, nil
}

// unifiedDiff produces a minimal line-based diff summary. It is
// intentionally not a full Myers diff — it lists a before/after pair for
// each line index whose content differs, not a patch to apply.
func unifiedDiff(before, after string) []string {
	if before == after {
		return nil
	}
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")
	var out []string
	max := len(beforeLines)
	if len(afterLines) > max {
		max = len(afterLines)
	}
	for i := 0; i < max; i++ {
		var b, a string
		if i < len(beforeLines) {
			b = beforeLines[i]
		}
		if i < len(afterLines) {
			a = afterLines[i]
		}
		if b != a {
			out = append(out, b, a)
		}
	}
	return out
}
