package recovery_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sticky-tools/sticky-kerneld/adapter"
	"github.com/sticky-tools/sticky-kerneld/config"
	"github.com/sticky-tools/sticky-kerneld/errs"
	"github.com/sticky-tools/sticky-kerneld/orchestrator"
	"github.com/sticky-tools/sticky-kerneld/recorder"
	"github.com/sticky-tools/sticky-kerneld/recovery"
	"github.com/sticky-tools/sticky-kerneld/store"
	"github.com/sticky-tools/sticky-kerneld/store/sqlite"
)

// resumeOnlyAdapter supports Resume only for sessions whose metadata
// does not carry {"unresumable":true}, enough to exercise both recovery
// outcomes (resumed vs. fallen back to stopped).
type resumeOnlyAdapter struct{}

func (resumeOnlyAdapter) Create(ctx context.Context, cwd string, metadata json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
	return struct{}{}, nil
}

func (resumeOnlyAdapter) Resume(ctx context.Context, cwd string, metadata json.RawMessage, lastSeq int64, onEvent adapter.EmitFunc) (adapter.Handle, error) {
	if string(metadata) == `{"unresumable":true}` {
		return nil, errs.New(errs.ResumeUnsupported, "resumeOnlyAdapter: not resumable")
	}
	return struct{}{}, nil
}

func (resumeOnlyAdapter) SendInput(ctx context.Context, handle adapter.Handle, data []byte) error {
	return nil
}

func (resumeOnlyAdapter) PerformOperation(ctx context.Context, handle adapter.Handle, op string, args json.RawMessage) error {
	return nil
}

func (resumeOnlyAdapter) Close(ctx context.Context, handle adapter.Handle, reason string) error {
	return nil
}

func TestRunResumesRunningSessionsAndStopsUnresumableOnes(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	reg := adapter.NewRegistry()
	reg.Register("fake", resumeOnlyAdapter{})
	reg.Freeze()

	rec := recorder.New(db, 0)
	orch := orchestrator.New(cfg, db, reg, rec, nil)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	ctx := context.Background()
	_, err = db.CreateSession(ctx, "resumable", "fake", "/ws", nil)
	require.NoError(t, err)
	_, err = db.CreateSession(ctx, "stuck", "fake", "/ws", json.RawMessage(`{"unresumable":true}`))
	require.NoError(t, err)

	report, err := recovery.Run(ctx, db, orch, nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.Resumed)
	require.Equal(t, 1, report.Stopped)

	resumable, err := db.FindByID(ctx, "resumable")
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, resumable.Status)

	stuck, err := db.FindByID(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, store.StatusStopped, stuck.Status)
}

func TestRunWithNoRunningSessionsIsANoop(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	reg := adapter.NewRegistry()
	reg.Freeze()

	rec := recorder.New(db, 0)
	orch := orchestrator.New(cfg, db, reg, rec, nil)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	report, err := recovery.Run(context.Background(), db, orch, nil)
	require.NoError(t, err)
	require.Equal(t, recovery.Report{}, report)
}
