// Package scheduler runs a periodic ticker that creates ephemeral-job
// sessions, the auxiliary collaborator the full system needs alongside the
// interactive kernel. The ticker-driven loop is the same shape as
// manager.reconcileLoop: a time.Ticker selected against ctx.Done in a
// dedicated goroutine, with the period itself reloaded from config each
// tick rather than fixed at construction.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sticky-tools/sticky-kerneld/config"
	"github.com/sticky-tools/sticky-kerneld/orchestrator"
)

// Job describes one ephemeral-job session the scheduler spawns on each
// tick.
type Job struct {
	Name     string
	Cwd      string
	Metadata json.RawMessage
}

// Scheduler periodically creates Job sessions of kind "ephemeral-job".
type Scheduler struct {
	cfg   *config.Global
	orch  *orchestrator.Orchestrator
	log   *slog.Logger
	jobs  []Job
	every time.Duration
}

// New creates a Scheduler that runs jobs every `every` tick. If every is
// zero, config's ReconcileInterval is reused as the scheduling period.
func New(cfg *config.Global, orch *orchestrator.Orchestrator, log *slog.Logger, every time.Duration, jobs []Job) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{cfg: cfg, orch: orch, log: log, jobs: jobs, every: every}
}

// Run blocks, ticking until ctx is cancelled. Call in a dedicated
// goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	period := s.every
	if period <= 0 {
		period = parseDuration(s.cfg.Get().ReconcileInterval, 60*time.Second)
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
			if s.every <= 0 {
				if next := parseDuration(s.cfg.Get().ReconcileInterval, 60*time.Second); next != period {
					period = next
					ticker.Reset(period)
				}
			}
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	for _, job := range s.jobs {
		meta := job.Metadata
		if len(meta) == 0 {
			meta = json.RawMessage("{}")
		}
		if _, err := s.orch.Create(ctx, "ephemeral-job", job.Cwd, meta); err != nil {
			s.log.Warn("scheduler: create ephemeral job failed", "job", job.Name, "error", err)
			continue
		}
		s.log.Info("scheduler: created ephemeral job", "job", job.Name, "cwd", job.Cwd)
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
