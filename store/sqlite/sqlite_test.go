package sqlite_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sticky-tools/sticky-kerneld/store"
	"github.com/sticky-tools/sticky-kerneld/store/sqlite"
)

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreateAndFindSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	sess, err := db.CreateSession(ctx, "sess-1", "pty", "/workspaces/demo", nil)
	require.NoError(t, err)
	require.Equal(t, "sess-1", sess.ID)
	require.Equal(t, store.StatusRunning, sess.Status)
	require.Equal(t, json.RawMessage("{}"), sess.Metadata)

	found, err := db.FindByID(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, sess.ID, found.ID)
}

func TestFindByIDNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.FindByID(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateStatusNotFound(t *testing.T) {
	db := openTestDB(t)
	err := db.UpdateStatus(context.Background(), "missing", store.StatusIdle)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendAssignsDenseMonotonicSeq(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, err := db.CreateSession(ctx, "sess-1", "pty", "/ws", nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		ev, err := db.Append(ctx, "sess-1", store.ChannelStdout, "bytes", json.RawMessage(`{"n":`+itoa(i)+`}`))
		require.NoError(t, err)
		require.Equal(t, int64(i), ev.Seq)
	}

	latest, err := db.LatestSeq(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), latest)
}

func TestEventsSinceReturnsOnlyNewer(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, err := db.CreateSession(ctx, "sess-1", "pty", "/ws", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := db.Append(ctx, "sess-1", store.ChannelStdout, "bytes", nil)
		require.NoError(t, err)
	}

	events, err := db.EventsSince(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, int64(3), events[0].Seq)
	require.Equal(t, int64(5), events[len(events)-1].Seq)
}

func TestListByCwdAndStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, err := db.CreateSession(ctx, "a", "pty", "/ws/one", nil)
	require.NoError(t, err)
	_, err = db.CreateSession(ctx, "b", "pty", "/ws/two", nil)
	require.NoError(t, err)

	byCwd, err := db.ListByCwd(ctx, "/ws/one")
	require.NoError(t, err)
	require.Len(t, byCwd, 1)
	require.Equal(t, "a", byCwd[0].ID)

	require.NoError(t, db.UpdateStatus(ctx, "b", store.StatusStopped))
	running, err := db.ListByStatus(ctx, store.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "a", running[0].ID)
}

func TestDeleteRemovesSessionAndEvents(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, err := db.CreateSession(ctx, "sess-1", "pty", "/ws", nil)
	require.NoError(t, err)
	_, err = db.Append(ctx, "sess-1", store.ChannelStdout, "bytes", nil)
	require.NoError(t, err)

	require.NoError(t, db.Delete(ctx, "sess-1"))

	_, err = db.FindByID(ctx, "sess-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	events, err := db.EventsSince(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestWorkspaceTouchIsUpsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.TouchWorkspace(ctx, "/ws/demo"))
	first, err := db.GetWorkspace(ctx, "/ws/demo")
	require.NoError(t, err)
	require.Equal(t, "demo", first.Name)

	require.NoError(t, db.TouchWorkspace(ctx, "/ws/demo"))
	second, err := db.GetWorkspace(ctx, "/ws/demo")
	require.NoError(t, err)
	require.False(t, second.LastActiveAt.Before(first.LastActiveAt))
}

func TestGetWorkspaceNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetWorkspace(context.Background(), "/nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
