// Package recovery performs the startup reconciliation pass: every
// persisted session with status "running" had its process die with the
// previous process, since no adapter's Process Handle survives a restart.
// Each such session gets one resume attempt; sessions whose kind cannot
// resume, or whose resume attempt fails, fall back to "stopped" with a
// "recovered-as-stopped" status event. This generalizes manager.Start's
// claim-existing-workers step — there is no external overseer to query
// here, so recovery is driven entirely by the persisted session rows.
package recovery

import (
	"context"
	"log/slog"

	"github.com/sticky-tools/sticky-kerneld/errs"
	"github.com/sticky-tools/sticky-kerneld/orchestrator"
	"github.com/sticky-tools/sticky-kerneld/store"
)

// Report summarizes the outcome of one reconciliation pass.
type Report struct {
	Resumed int
	Stopped int
}

// Run lists every session in the "running" status and attempts to resume
// it. It never returns an error for an individual session's failure — only
// for a failure to list sessions at all — since a single unresumable
// session must not block the rest of the fleet from recovering.
func Run(ctx context.Context, st store.Store, orch *orchestrator.Orchestrator, log *slog.Logger) (Report, error) {
	if log == nil {
		log = slog.Default()
	}

	sessions, err := st.ListByStatus(ctx, store.StatusRunning)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for _, sess := range sessions {
		if _, err := orch.Resume(ctx, sess.ID); err != nil {
			reason := err.Error()
			if errs.Is(err, errs.ResumeUnsupported) {
				log.Info("recovery: kind does not support resume, marking stopped", "session", sess.ID, "kind", sess.Kind)
			} else {
				log.Warn("recovery: resume failed, marking stopped", "session", sess.ID, "kind", sess.Kind, "error", err)
			}
			if markErr := orch.MarkStopped(ctx, sess.ID, reason); markErr != nil {
				log.Error("recovery: mark stopped failed", "session", sess.ID, "error", markErr)
			}
			rep.Stopped++
			continue
		}
		rep.Resumed++
	}

	log.Info("recovery: reconciliation complete", "resumed", rep.Resumed, "stopped", rep.Stopped)
	return rep, nil
}
