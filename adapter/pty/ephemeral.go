package pty

import (
	"context"
	"encoding/json"

	"github.com/sticky-tools/sticky-kerneld/adapter"
	"github.com/sticky-tools/sticky-kerneld/errs"
)

// EphemeralJob wraps Adapter for kind "ephemeral-job": a PTY session that
// the scheduler creates on a timer and expects to run to completion on its
// own, never resumed once the process exits. It forwards Create/SendInput/
// PerformOperation/Close to the underlying PTY adapter unchanged and
// refuses Resume — a missed ephemeral job is simply re-scheduled next tick
// rather than restored.
type EphemeralJob struct {
	*Adapter
}

// NewEphemeralJob creates an EphemeralJob adapter delegating to the same
// default shell as pty.
func NewEphemeralJob(defaultShell string) *EphemeralJob {
	return &EphemeralJob{Adapter: New(defaultShell)}
}

func (e *EphemeralJob) Resume(ctx context.Context, cwd string, metadata json.RawMessage, lastSeq int64, onEvent adapter.EmitFunc) (adapter.Handle, error) {
	return nil, errs.New(errs.ResumeUnsupported, "ephemeral-job: not resumable, reschedule instead")
}
