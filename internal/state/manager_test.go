package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/User-W-20/StreamGate/internal/cache"
	"github.com/User-W-20/StreamGate/internal/models"
)

type stateFixture struct {
	mgr *Manager
	mr  *miniredis.Miniredis
}

func newStateFixture(t *testing.T) *stateFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &stateFixture{
		mgr: NewManager(cache.New(rdb, 300*time.Second, nil), nil),
		mr:  mr,
	}
}

func newTask(stream, client string, typ models.TaskType) *models.StreamTask {
	now := time.Now()
	return &models.StreamTask{
		StreamName:     stream,
		ClientID:       client,
		Type:           typ,
		State:          models.StateActive,
		Protocol:       models.ProtocolRTMP,
		ServerIP:       "10.0.0.1",
		ServerPort:     1935,
		StartTime:      now,
		LastActiveTime: now,
		AuthToken:      "tok1",
	}
}

func TestRegisterPublisherInstallsIndices(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "cli1", models.TaskPublisher)))

	assert.True(t, f.mr.Exists("task:vhost/live/abc:cli1"))
	assert.True(t, f.mr.Exists("pub:vhost/live/abc"))
	assert.InDelta(t, TaskTTL.Seconds(), f.mr.TTL("task:vhost/live/abc:cli1").Seconds(), 1)

	members, err := f.mr.SMembers("stream:members:vhost/live/abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"cli1"}, members)

	pubs, err := f.mr.SMembers("active_pubs")
	require.NoError(t, err)
	assert.Equal(t, []string{"vhost/live/abc"}, pubs)

	got := f.mgr.GetPublisherTask(ctx, "vhost/live/abc")
	require.NotNil(t, got)
	assert.Equal(t, "cli1", got.ClientID)
}

func TestPublisherConflictRefused(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "cli1", models.TaskPublisher)))

	err := f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "cli2", models.TaskPublisher))
	assert.ErrorIs(t, err, ErrPublisherConflict)

	// The holder is untouched.
	got := f.mgr.GetPublisherTask(ctx, "vhost/live/abc")
	require.NotNil(t, got)
	assert.Equal(t, "cli1", got.ClientID)
}

func TestPublisherReconnectIsIdempotent(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "cli1", models.TaskPublisher)))
	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "cli1", models.TaskPublisher)))

	members, err := f.mr.SMembers("stream:members:vhost/live/abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"cli1"}, members)
	assert.Equal(t, int64(1), f.mgr.GetActivePublisherCount(ctx))
}

func TestPlayerRegistrationCountsOnce(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "p1", models.TaskPlayer)))
	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "p2", models.TaskPlayer)))
	// Reconnect of p1 must not inflate the global gauge.
	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "p1", models.TaskPlayer)))

	assert.Equal(t, int64(2), f.mgr.GetActivePlayerCount(ctx))
	assert.Equal(t, int64(2), f.mgr.GetPlayerCount(ctx, "vhost/live/abc"))
	assert.Len(t, f.mgr.GetPlayerTasks(ctx, "vhost/live/abc"), 2)
}

func TestDeregisterAbsentTaskClearsStaleTimestamp(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	f.mr.ZAdd("task_timestamps", 1700000000000, "task:vhost/live/abc:ghost")

	require.NoError(t, f.mgr.DeregisterTask(ctx, "vhost/live/abc", "ghost"))
	assert.False(t, f.mr.Exists("task_timestamps"))
}

func TestCascadeClearsEverything(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "cli1", models.TaskPublisher)))
	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "p1", models.TaskPlayer)))
	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "p2", models.TaskPlayer)))

	f.mgr.DeregisterAllMembers(ctx, "vhost/live/abc")

	for _, key := range []string{
		"pub:vhost/live/abc",
		"players:vhost/live/abc",
		"stream:members:vhost/live/abc",
		"task:vhost/live/abc:cli1",
		"task:vhost/live/abc:p1",
		"task:vhost/live/abc:p2",
	} {
		assert.False(t, f.mr.Exists(key), key)
	}
	assert.Equal(t, int64(0), f.mgr.GetActivePublisherCount(ctx))
	assert.Equal(t, int64(0), f.mgr.GetActivePlayerCount(ctx))
}

func TestGlobalPlayersReconcilesNegative(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	// Storage anomaly: the gauge is already zero when a player leaves.
	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "p1", models.TaskPlayer)))
	f.mr.HSet("global_players", "total", "0")

	require.NoError(t, f.mgr.DeregisterTask(ctx, "vhost/live/abc", "p1"))

	total := f.mr.HGet("global_players", "total")
	assert.Equal(t, "0", total)
	assert.Equal(t, int64(0), f.mgr.GetActivePlayerCount(ctx))
}

func TestTouchRefreshesLiveness(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "cli1", models.TaskPublisher)))

	later := time.Now().Add(10 * time.Second).UnixMilli()
	f.mgr.nowMs = func() int64 { return later }

	assert.True(t, f.mgr.TouchTask(ctx, "vhost/live/abc", "cli1"))

	task := f.mgr.GetTask(ctx, "vhost/live/abc", "cli1")
	require.NotNil(t, task)
	assert.Equal(t, later, task.LastActiveTime.UnixMilli())

	score, err := f.mr.ZScore("task_timestamps", "task:vhost/live/abc:cli1")
	require.NoError(t, err)
	assert.Equal(t, float64(later), score)
}

func TestScanReapsOnlyExpiredTasks(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "cli1", models.TaskPublisher)))
	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/def", "cli2", models.TaskPublisher)))

	// Move the scanner's clock two minutes ahead, then touch one stream
	// so only the other is older than the timeout.
	base := time.Now().UnixMilli()
	f.mgr.nowMs = func() int64 { return base + 120_000 }
	require.True(t, f.mgr.TouchTask(ctx, "vhost/live/def", "cli2"))

	expired := f.mgr.ScanTimeoutTasks(ctx, 60*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, "vhost/live/abc", expired[0].StreamName)

	assert.False(t, f.mr.Exists("pub:vhost/live/abc"))
	assert.True(t, f.mr.Exists("pub:vhost/live/def"))

	pubs, err := f.mr.SMembers("active_pubs")
	require.NoError(t, err)
	assert.Equal(t, []string{"vhost/live/def"}, pubs)
}

func TestScanReinsertsFreshlyTouchedTask(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.RegisterTask(ctx, newTask("vhost/live/abc", "cli1", models.TaskPublisher)))

	// Stale zset score, but the hash itself carries a fresh last-active
	// time: the double check must hand ownership back.
	f.mr.ZAdd("task_timestamps", float64(time.Now().Add(-2*time.Minute).UnixMilli()), "task:vhost/live/abc:cli1")

	expired := f.mgr.ScanTimeoutTasks(ctx, 60*time.Second)
	assert.Empty(t, expired)
	assert.True(t, f.mr.Exists("pub:vhost/live/abc"))

	score, err := f.mr.ZScore("task_timestamps", "task:vhost/live/abc:cli1")
	require.NoError(t, err)
	task := f.mgr.GetTask(ctx, "vhost/live/abc", "cli1")
	require.NotNil(t, task)
	assert.Equal(t, float64(task.LastActiveTime.UnixMilli()), score)
}

func TestScanSkipsVanishedTask(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	f.mr.ZAdd("task_timestamps", float64(time.Now().Add(-2*time.Minute).UnixMilli()), "task:vhost/live/abc:gone")

	expired := f.mgr.ScanTimeoutTasks(ctx, 60*time.Second)
	assert.Empty(t, expired)
	assert.False(t, f.mr.Exists("task_timestamps"))
}

func TestQueriesReturnEmptyOnBackendError(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()
	f.mr.Close()

	assert.Nil(t, f.mgr.GetTask(ctx, "vhost/live/abc", "cli1"))
	assert.Nil(t, f.mgr.GetPublisherTask(ctx, "vhost/live/abc"))
	assert.Empty(t, f.mgr.GetPlayerTasks(ctx, "vhost/live/abc"))
	assert.Empty(t, f.mgr.GetAllPublisherTasks(ctx))
	assert.Zero(t, f.mgr.GetActivePublisherCount(ctx))
	assert.Zero(t, f.mgr.GetActivePlayerCount(ctx))
	assert.Empty(t, f.mgr.GetStreamClientIds(ctx, "vhost/live/abc"))
	assert.False(t, f.mgr.Healthy(ctx))
}

func TestCorruptedTaskHashReadsAbsent(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	f.mr.HSet("task:vhost/live/abc:cli1", "stream_name", "vhost/live/abc")

	assert.Nil(t, f.mgr.GetTask(ctx, "vhost/live/abc", "cli1"))
}
