package recorder_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sticky-tools/sticky-kerneld/recorder"
	"github.com/sticky-tools/sticky-kerneld/store"
	"github.com/sticky-tools/sticky-kerneld/store/sqlite"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSubscribeReplaysBacklogThenLiveEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateSession(ctx, "sess-1", "pty", "/ws", nil)
	require.NoError(t, err)

	rec := recorder.New(st, 0)

	_, err = rec.Append(ctx, "sess-1", store.ChannelStdout, "bytes", nil)
	require.NoError(t, err)
	_, err = rec.Append(ctx, "sess-1", store.ChannelStdout, "bytes", nil)
	require.NoError(t, err)

	sub, backlog, err := rec.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, backlog, 2)
	require.Equal(t, int64(1), backlog[0].Seq)
	require.Equal(t, int64(2), backlog[1].Seq)

	_, err = rec.Append(ctx, "sess-1", store.ChannelStdout, "bytes", nil)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		require.Equal(t, int64(3), ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestSubscribeFromSeqSkipsBacklog(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateSession(ctx, "sess-1", "pty", "/ws", nil)
	require.NoError(t, err)
	rec := recorder.New(st, 0)

	for i := 0; i < 3; i++ {
		_, err := rec.Append(ctx, "sess-1", store.ChannelStdout, "bytes", nil)
		require.NoError(t, err)
	}

	_, backlog, err := rec.Subscribe(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	require.Equal(t, int64(3), backlog[0].Seq)
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateSession(ctx, "sess-1", "pty", "/ws", nil)
	require.NoError(t, err)

	rec := recorder.New(st, 2)
	sub, _, err := rec.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := rec.Append(ctx, "sess-1", store.ChannelStdout, "bytes", nil)
		require.NoError(t, err)
	}

	select {
	case ev, ok := <-sub.Evict:
		require.True(t, ok)
		require.Equal(t, "slow-consumer", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected eviction notification")
	}

	// The two events buffered before the queue filled are still delivered;
	// the channel is closed behind them.
	for want := int64(1); want <= 2; want++ {
		ev, ok := <-sub.Events
		require.True(t, ok)
		require.Equal(t, want, ev.Seq)
	}
	_, ok := <-sub.Events
	require.False(t, ok, "events channel should be closed on eviction")
}

func TestUnsubscribeIsNotAnEviction(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateSession(ctx, "sess-1", "pty", "/ws", nil)
	require.NoError(t, err)

	rec := recorder.New(st, 0)
	sub, _, err := rec.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)

	rec.Unsubscribe("sess-1", sub.ID)

	_, ok := <-sub.Evict
	require.False(t, ok)
	_, ok = <-sub.Events
	require.False(t, ok)
}

func TestForgetClosesAllSubscribers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateSession(ctx, "sess-1", "pty", "/ws", nil)
	require.NoError(t, err)

	rec := recorder.New(st, 0)
	sub1, _, err := rec.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)
	sub2, _, err := rec.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)

	rec.Forget("sess-1")

	for _, s := range []*recorder.Subscription{sub1, sub2} {
		_, ok := <-s.Events
		require.False(t, ok)
	}
}

func TestLatestSeqReflectsAppends(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateSession(ctx, "sess-1", "pty", "/ws", nil)
	require.NoError(t, err)
	rec := recorder.New(st, 0)

	seq, err := rec.LatestSeq(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), seq)

	_, err = rec.Append(ctx, "sess-1", store.ChannelStdout, "bytes", nil)
	require.NoError(t, err)

	seq, err = rec.LatestSeq(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
}
