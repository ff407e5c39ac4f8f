package scheduler

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/User-W-20/StreamGate/internal/auth"
	"github.com/User-W-20/StreamGate/internal/cache"
	"github.com/User-W-20/StreamGate/internal/models"
	"github.com/User-W-20/StreamGate/internal/nodes"
	"github.com/User-W-20/StreamGate/internal/state"
)

// stubAuth resolves synchronously, so callbacks run inline and tests
// stay deterministic.
type stubAuth struct {
	code auth.ResultCode
}

func (a stubAuth) CheckAuthAsync(req auth.Request, cb func(auth.ResultCode)) {
	cb(a.code)
}

type schedFixture struct {
	sched *Scheduler
	state *state.Manager
	mr    *miniredis.Miniredis
}

func newSchedFixture(t *testing.T, code auth.ResultCode) *schedFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	stateMgr := state.NewManager(cache.New(rdb, 300*time.Second, nil), nil)
	nodeCfg := nodes.NewConfig(
		[]nodes.Endpoint{{Host: "10.0.0.1", Port: 1935}, {Host: "10.0.0.2", Port: 1935}},
		[]nodes.Endpoint{{Host: "10.0.1.1", Port: 8080}},
		nil,
	)

	sched := New(stubAuth{code: code}, stateMgr, nodeCfg, Config{}, nil, nil)
	return &schedFixture{sched: sched, state: stateMgr, mr: mr}
}

func collect(t *testing.T) (Callback, *Result) {
	t.Helper()
	result := &Result{Code: -1}
	return func(r Result) { *result = r }, result
}

func TestOnPublishSuccess(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)
	cb, res := collect(t)

	f.sched.OnPublish("vhost/live/abc", "cli1", "tok1", models.ProtocolRTMP, cb)

	assert.Equal(t, Success, res.Code)
	require.NotNil(t, res.Task)
	assert.Equal(t, "10.0.0.1", res.Task.ServerIP)
	assert.Equal(t, 1935, res.Task.ServerPort)
	assert.True(t, f.mr.Exists("pub:vhost/live/abc"))

	stats := f.sched.Stats()
	assert.Equal(t, uint64(1), stats.PublishRequests)
	assert.Equal(t, uint64(1), stats.PublishSuccesses)
}

func TestOnPublishRoundRobinAcrossStreams(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)

	cb1, res1 := collect(t)
	cb2, res2 := collect(t)
	f.sched.OnPublish("vhost/live/abc", "cli1", "tok1", models.ProtocolRTMP, cb1)
	f.sched.OnPublish("vhost/live/def", "cli2", "tok2", models.ProtocolRTMP, cb2)

	require.NotNil(t, res1.Task)
	require.NotNil(t, res2.Task)
	assert.NotEqual(t, res1.Task.ServerIP, res2.Task.ServerIP)
	assert.Greater(t, res2.Task.TaskID, res1.Task.TaskID)
}

func TestOnPublishAuthDenied(t *testing.T) {
	f := newSchedFixture(t, auth.ResultDenied)
	cb, res := collect(t)

	f.sched.OnPublish("vhost/live/abc", "cli1", "tok1", models.ProtocolRTMP, cb)

	assert.Equal(t, AuthFailed, res.Code)
	assert.Nil(t, res.Task)
	assert.False(t, f.mr.Exists("pub:vhost/live/abc"))
	assert.Equal(t, uint64(1), f.sched.Stats().AuthFailures)
}

func TestOnPublishConflict(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)

	cb1, _ := collect(t)
	f.sched.OnPublish("vhost/live/abc", "cli1", "tok1", models.ProtocolRTMP, cb1)

	cb2, res := collect(t)
	f.sched.OnPublish("vhost/live/abc", "cli2", "tok2", models.ProtocolRTMP, cb2)

	assert.Equal(t, AlreadyPublishing, res.Code)
}

func TestOnPublishRejectsMissingFields(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)
	cb, res := collect(t)

	f.sched.OnPublish("vhost/live/abc", "", "tok1", models.ProtocolRTMP, cb)

	assert.Equal(t, InternalError, res.Code)
}

func TestOnPlayBindsToPublisher(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)

	pubCb, pubRes := collect(t)
	f.sched.OnPublish("vhost/live/abc", "cli1", "tok1", models.ProtocolRTMP, pubCb)
	require.Equal(t, Success, pubRes.Code)

	cb, res := collect(t)
	f.sched.OnPlay("vhost/live/abc", "p1", "tok1", models.ProtocolHLS, cb)

	assert.Equal(t, Success, res.Code)
	require.NotNil(t, res.Task)
	// Strict binding: the player lands on the publisher's node, not on
	// the HTTP fleet.
	assert.Equal(t, pubRes.Task.ServerIP, res.Task.ServerIP)
	assert.Equal(t, pubRes.Task.ServerPort, res.Task.ServerPort)
}

func TestOnPlayWithoutPublisher(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)
	cb, res := collect(t)

	f.sched.OnPlay("vhost/live/abc", "p1", "tok1", models.ProtocolHLS, cb)

	assert.Equal(t, NoPublisher, res.Code)
}

func TestOnPublishDoneCascades(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)

	pubCb, _ := collect(t)
	f.sched.OnPublish("vhost/live/abc", "cli1", "tok1", models.ProtocolRTMP, pubCb)
	playCb, _ := collect(t)
	f.sched.OnPlay("vhost/live/abc", "p1", "tok1", models.ProtocolHLS, playCb)

	f.sched.OnPublishDone("vhost/live/abc", "cli1")

	for _, key := range []string{
		"pub:vhost/live/abc",
		"players:vhost/live/abc",
		"stream:members:vhost/live/abc",
		"task:vhost/live/abc:cli1",
		"task:vhost/live/abc:p1",
	} {
		assert.False(t, f.mr.Exists(key), key)
	}
}

func TestOnPublishDoneIgnoresNonPublisher(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)

	pubCb, _ := collect(t)
	f.sched.OnPublish("vhost/live/abc", "cli1", "tok1", models.ProtocolRTMP, pubCb)
	playCb, _ := collect(t)
	f.sched.OnPlay("vhost/live/abc", "p1", "tok1", models.ProtocolHLS, playCb)

	// A player (or a spoofer) must not tear the stream down.
	f.sched.OnPublishDone("vhost/live/abc", "p1")

	assert.True(t, f.mr.Exists("pub:vhost/live/abc"))
	assert.True(t, f.mr.Exists("task:vhost/live/abc:cli1"))
}

func TestOnPlayDone(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)

	pubCb, _ := collect(t)
	f.sched.OnPublish("vhost/live/abc", "cli1", "tok1", models.ProtocolRTMP, pubCb)
	playCb, _ := collect(t)
	f.sched.OnPlay("vhost/live/abc", "p1", "tok1", models.ProtocolHLS, playCb)

	f.sched.OnPlayDone("vhost/live/abc", "p1")

	assert.False(t, f.mr.Exists("task:vhost/live/abc:p1"))
	assert.True(t, f.mr.Exists("pub:vhost/live/abc"))
	assert.Equal(t, int64(0), f.state.GetPlayerCount(context.Background(), "vhost/live/abc"))
}

func TestReapOnceEvictsDeadPublisherAndAudience(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)
	require.NoError(t, f.sched.Start())
	defer f.sched.Stop()

	pubCb, _ := collect(t)
	f.sched.OnPublish("vhost/live/abc", "cli1", "tok1", models.ProtocolRTMP, pubCb)
	playCb, _ := collect(t)
	f.sched.OnPlay("vhost/live/abc", "p1", "tok1", models.ProtocolHLS, playCb)

	// Age the publisher two minutes back; the player stays fresh but is
	// evicted by the cascade anyway.
	stale := time.Now().Add(-2 * time.Minute).UnixMilli()
	f.mr.HSet("task:vhost/live/abc:cli1", "last_active_time_ms", strconv.FormatInt(stale, 10))
	f.mr.ZAdd("task_timestamps", float64(stale), "task:vhost/live/abc:cli1")

	f.sched.ReapOnce(context.Background())

	for _, key := range []string{
		"pub:vhost/live/abc",
		"players:vhost/live/abc",
		"stream:members:vhost/live/abc",
		"task:vhost/live/abc:p1",
	} {
		assert.False(t, f.mr.Exists(key), key)
	}

	pubs, err := f.mr.SMembers("active_pubs")
	if err == nil {
		assert.Empty(t, pubs)
	}
	assert.Equal(t, uint64(1), f.sched.Stats().TasksCleaned)
}

func TestReapOnceLeavesFreshTasks(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)

	pubCb, _ := collect(t)
	f.sched.OnPublish("vhost/live/abc", "cli1", "tok1", models.ProtocolRTMP, pubCb)

	f.sched.ReapOnce(context.Background())

	assert.True(t, f.mr.Exists("pub:vhost/live/abc"))
	assert.Zero(t, f.sched.Stats().TasksCleaned)
}

func TestStartStopIdempotent(t *testing.T) {
	f := newSchedFixture(t, auth.ResultSuccess)

	require.NoError(t, f.sched.Start())
	require.NoError(t, f.sched.Start())
	f.sched.Stop()
	f.sched.Stop()
}
