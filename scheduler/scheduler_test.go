package scheduler_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sticky-tools/sticky-kerneld/adapter"
	"github.com/sticky-tools/sticky-kerneld/config"
	"github.com/sticky-tools/sticky-kerneld/orchestrator"
	"github.com/sticky-tools/sticky-kerneld/recorder"
	"github.com/sticky-tools/sticky-kerneld/scheduler"
	"github.com/sticky-tools/sticky-kerneld/store"
	"github.com/sticky-tools/sticky-kerneld/store/sqlite"
)

type noopAdapter struct{}

func (noopAdapter) Create(ctx context.Context, cwd string, metadata json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
	return struct{}{}, nil
}
func (noopAdapter) Resume(ctx context.Context, cwd string, metadata json.RawMessage, lastSeq int64, onEvent adapter.EmitFunc) (adapter.Handle, error) {
	return struct{}{}, nil
}
func (noopAdapter) SendInput(ctx context.Context, handle adapter.Handle, data []byte) error {
	return nil
}
func (noopAdapter) PerformOperation(ctx context.Context, handle adapter.Handle, op string, args json.RawMessage) error {
	return nil
}
func (noopAdapter) Close(ctx context.Context, handle adapter.Handle, reason string) error {
	return nil
}

func TestRunCreatesConfiguredJobsOnEachTick(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	reg := adapter.NewRegistry()
	reg.Register("ephemeral-job", noopAdapter{})
	reg.Freeze()

	rec := recorder.New(db, 0)
	orch := orchestrator.New(cfg, db, reg, rec, nil)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	sched := scheduler.New(cfg, orch, nil, 20*time.Millisecond, []scheduler.Job{
		{Name: "sweep", Cwd: "/ws"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 65*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	sessions, err := db.ListByCwd(context.Background(), "/ws")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(sessions), 2)
	for _, s := range sessions {
		require.Equal(t, "ephemeral-job", s.Kind)
		require.Equal(t, store.StatusRunning, s.Status)
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	reg := adapter.NewRegistry()
	reg.Register("ephemeral-job", noopAdapter{})
	reg.Freeze()

	rec := recorder.New(db, 0)
	orch := orchestrator.New(cfg, db, reg, rec, nil)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	sched := scheduler.New(cfg, orch, nil, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
