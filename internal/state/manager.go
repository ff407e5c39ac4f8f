// Package state keeps the live stream topology in Redis: one task hash
// per session, a publisher lock per stream, and the membership indices
// the scheduler needs for cascade cleanup and timeout scanning.
package state

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/User-W-20/StreamGate/internal/cache"
	"github.com/User-W-20/StreamGate/internal/models"
	"github.com/User-W-20/StreamGate/pkg/logging"
)

// TaskTTL bounds how long a task hash survives without a touch.
const TaskTTL = 60 * time.Second

// ErrPublisherConflict reports that a stream already has a publisher
// with a different client ID.
var ErrPublisherConflict = errors.New("state: stream already has a publisher")

const (
	activePublishersKey = "active_pubs"
	globalPlayersKey    = "global_players"
	taskTimestampsKey   = "task_timestamps"
)

func taskKey(stream, client string) string { return "task:" + stream + ":" + client }
func publisherKey(stream string) string    { return "pub:" + stream }
func memberSetKey(stream string) string    { return "stream:members:" + stream }
func playerSetKey(stream string) string    { return "players:" + stream }

// TaskIdentifier names one task for batch deregistration.
type TaskIdentifier struct {
	StreamName string
	ClientID   string
	Type       models.TaskType
}

// Manager owns the Redis stream state. All methods are safe for
// concurrent use; pipelines are built per call.
type Manager struct {
	cache  *cache.Client
	logger logging.Logger
	// nowMs is swapped in tests to stage timeouts.
	nowMs func() int64
}

// NewManager creates a Manager over the given cache client.
func NewManager(cacheClient *cache.Client, logger logging.Logger) *Manager {
	return &Manager{
		cache:  cacheClient,
		logger: logger,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// RegisterTask idempotently installs a task and all its indices. A
// publisher registering over a live publisher with a different client
// ID fails with ErrPublisherConflict; the same client ID is treated as
// a reconnect and replaces the old state. Partial failures roll back
// through DeregisterTask.
func (m *Manager) RegisterTask(ctx context.Context, task *models.StreamTask) error {
	if task.StreamName == "" || task.ClientID == "" {
		return errors.New("state: task needs stream name and client id")
	}

	key := taskKey(task.StreamName, task.ClientID)

	if task.Type == models.TaskPublisher {
		if existing := m.GetPublisherTask(ctx, task.StreamName); existing != nil {
			if existing.ClientID != task.ClientID {
				if m.logger != nil {
					m.logger.WithField("stream", task.StreamName).
						WithField("holder", existing.ClientID).
						Warn("Publisher slot already taken")
				}
				return ErrPublisherConflict
			}
			// Reconnect: same client re-publishing, drop the old state.
			_ = m.DeregisterTask(ctx, task.StreamName, task.ClientID)
		}
	} else if m.cache.Exists(ctx, key) {
		_ = m.DeregisterTask(ctx, task.StreamName, task.ClientID)
	}

	if err := m.cache.HSet(ctx, key, task.ToHash()); err != nil {
		return err
	}
	if ok, err := m.cache.Expire(ctx, key, TaskTTL); err != nil || !ok {
		_ = m.cache.Del(ctx, key)
		if err == nil {
			err = errors.New("state: task hash vanished before expire")
		}
		return err
	}

	var indexErr error
	if task.Type == models.TaskPublisher {
		indexErr = m.registerPublisherIndices(ctx, task)
	} else {
		indexErr = m.registerPlayerIndices(ctx, task)
	}
	if indexErr != nil {
		_ = m.DeregisterTask(ctx, task.StreamName, task.ClientID)
		return indexErr
	}

	now := m.nowMs()
	if now < models.MinReasonableMs || now > models.MaxReasonableMs {
		_ = m.DeregisterTask(ctx, task.StreamName, task.ClientID)
		return errors.New("state: clock outside plausible range")
	}
	if err := m.cache.ZAdd(ctx, taskTimestampsKey, float64(now), key); err != nil {
		_ = m.DeregisterTask(ctx, task.StreamName, task.ClientID)
		return err
	}

	if m.logger != nil {
		m.logger.WithField("stream", task.StreamName).
			WithField("client", task.ClientID).
			WithField("type", string(task.Type)).
			Info("Task registered")
	}
	return nil
}

func (m *Manager) registerPublisherIndices(ctx context.Context, task *models.StreamTask) error {
	pipe := m.cache.Pipeline()
	fields := task.ToHash()
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	pipe.HSet(ctx, publisherKey(task.StreamName), args...)
	pipe.SAdd(ctx, memberSetKey(task.StreamName), task.ClientID)
	pipe.SAdd(ctx, activePublishersKey, task.StreamName)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *Manager) registerPlayerIndices(ctx context.Context, task *models.StreamTask) error {
	if _, err := m.cache.SAdd(ctx, memberSetKey(task.StreamName), task.ClientID); err != nil {
		return err
	}
	newMember, err := m.cache.SAdd(ctx, playerSetKey(task.StreamName), task.ClientID)
	if err != nil {
		return err
	}
	if newMember {
		if _, err := m.cache.HIncrBy(ctx, globalPlayersKey, "total", 1); err != nil && m.logger != nil {
			m.logger.WithError(err).Warn("Global player counter increment failed")
		}
	}
	return nil
}

// DeregisterTask removes one task. An absent task still clears its
// possibly stale timestamp entry and succeeds.
func (m *Manager) DeregisterTask(ctx context.Context, stream, client string) error {
	task := m.GetTask(ctx, stream, client)
	if task == nil {
		_, _ = m.cache.ZRem(ctx, taskTimestampsKey, taskKey(stream, client))
		return nil
	}
	m.DeregisterTasksBatch(ctx, []TaskIdentifier{{StreamName: stream, ClientID: client, Type: task.Type}})
	return nil
}

// DeregisterTasksBatch removes the named tasks and their indices in one
// pipeline. Returns the number of targets submitted; zero on pipeline
// failure.
func (m *Manager) DeregisterTasksBatch(ctx context.Context, targets []TaskIdentifier) int {
	if len(targets) == 0 {
		return 0
	}

	pipe := m.cache.Pipeline()
	var playerDecrs []*goredis.IntCmd
	for _, t := range targets {
		pipe.Del(ctx, taskKey(t.StreamName, t.ClientID))
		pipe.SRem(ctx, memberSetKey(t.StreamName), t.ClientID)
		pipe.ZRem(ctx, taskTimestampsKey, taskKey(t.StreamName, t.ClientID))

		switch t.Type {
		case models.TaskPlayer:
			pipe.SRem(ctx, playerSetKey(t.StreamName), t.ClientID)
			playerDecrs = append(playerDecrs, pipe.HIncrBy(ctx, globalPlayersKey, "total", -1))
		case models.TaskPublisher:
			pipe.Del(ctx, publisherKey(t.StreamName))
			pipe.SRem(ctx, activePublishersKey, t.StreamName)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Error("Deregister pipeline failed")
		}
		return 0
	}

	// A negative total is a storage anomaly; reconcile to zero.
	for _, cmd := range playerDecrs {
		if cmd.Val() < 0 {
			_ = m.cache.HSet(ctx, globalPlayersKey, map[string]string{"total": "0"})
			break
		}
	}
	return len(targets)
}

// DeregisterAllMembers cascades cleanup of a whole stream: every member
// task, the publisher lock, the player set, and finally the member set
// itself.
func (m *Manager) DeregisterAllMembers(ctx context.Context, stream string) {
	clientIDs := m.GetStreamClientIds(ctx, stream)
	if len(clientIDs) == 0 {
		_ = m.cache.Del(ctx, memberSetKey(stream), playerSetKey(stream))
		return
	}

	targets := make([]TaskIdentifier, 0, len(clientIDs))
	for _, cid := range clientIDs {
		if task := m.GetTask(ctx, stream, cid); task != nil {
			targets = append(targets, TaskIdentifier{StreamName: stream, ClientID: cid, Type: task.Type})
		}
	}
	m.DeregisterTasksBatch(ctx, targets)

	_ = m.cache.Del(ctx, memberSetKey(stream), playerSetKey(stream))
	if m.logger != nil {
		m.logger.WithField("stream", stream).Info("Stream members cleared")
	}
}

// TouchTask refreshes a task's liveness: last-active field, hash TTL,
// and timestamp score. When the hash has already been reaped the orphan
// write is deleted and false is returned.
func (m *Manager) TouchTask(ctx context.Context, stream, client string) bool {
	key := taskKey(stream, client)
	now := m.nowMs()

	pipe := m.cache.Pipeline()
	pipe.HSet(ctx, key, "last_active_time_ms", now)
	expire := pipe.Expire(ctx, key, TaskTTL)
	pipe.ZAdd(ctx, taskTimestampsKey, goredis.Z{Score: float64(now), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		if m.logger != nil {
			m.logger.WithError(err).WithField("key", key).Error("Touch pipeline failed")
		}
		return false
	}

	if !expire.Val() {
		// The task expired between the HSET and the EXPIRE; the HSET
		// resurrected an orphan hash. Remove it.
		_ = m.cache.Del(ctx, key)
		_, _ = m.cache.ZRem(ctx, taskTimestampsKey, key)
		return false
	}
	return true
}

// ScanTimeoutTasks claims and retires every task idle longer than
// timeout. Concurrent scanners race on the ZREM; the loser skips, so
// each expired task is reaped exactly once. Tasks touched after the
// range snapshot are reinserted with their real score, never reaped.
func (m *Manager) ScanTimeoutTasks(ctx context.Context, timeout time.Duration) []models.StreamTask {
	now := m.nowMs()
	cutoff := float64(now - timeout.Milliseconds())

	candidates := m.cache.ZRangeByScore(ctx, taskTimestampsKey, 0, cutoff)

	var expired []models.StreamTask
	for _, key := range candidates {
		claimed, err := m.cache.ZRem(ctx, taskTimestampsKey, key)
		if err != nil || !claimed {
			continue
		}

		task := m.getTaskByKey(ctx, key)
		if task == nil {
			continue
		}

		lastActiveMs := task.LastActiveTime.UnixMilli()
		if now-lastActiveMs < timeout.Milliseconds() {
			// Touched after the snapshot; hand ownership back.
			if err := m.cache.ZAdd(ctx, taskTimestampsKey, float64(lastActiveMs), key); err != nil && m.logger != nil {
				m.logger.WithError(err).WithField("key", key).Warn("Timestamp reinsert failed")
			}
			continue
		}

		_ = m.DeregisterTask(ctx, task.StreamName, task.ClientID)
		expired = append(expired, *task)
	}
	return expired
}

// GetTask returns the task for (stream, client), or nil when absent or
// corrupted.
func (m *Manager) GetTask(ctx context.Context, stream, client string) *models.StreamTask {
	return m.getTaskByKey(ctx, taskKey(stream, client))
}

func (m *Manager) getTaskByKey(ctx context.Context, key string) *models.StreamTask {
	fields := m.cache.HGetAll(ctx, key)
	if len(fields) == 0 {
		return nil
	}
	task, ok := models.TaskFromHash(fields)
	if !ok {
		return nil
	}
	return task
}

// GetPublisherTask returns the stream's publisher, or nil when the lock
// hash is absent or not marked active.
func (m *Manager) GetPublisherTask(ctx context.Context, stream string) *models.StreamTask {
	fields := m.cache.HGetAll(ctx, publisherKey(stream))
	if len(fields) == 0 || fields["active"] != "1" {
		return nil
	}
	task, ok := models.TaskFromHash(fields)
	if !ok {
		return nil
	}
	return task
}

// GetPlayerTasks lists the live player tasks of a stream.
func (m *Manager) GetPlayerTasks(ctx context.Context, stream string) []models.StreamTask {
	var tasks []models.StreamTask
	for _, cid := range m.cache.SMembers(ctx, playerSetKey(stream)) {
		if task := m.GetTask(ctx, stream, cid); task != nil {
			tasks = append(tasks, *task)
		}
	}
	return tasks
}

// GetAllPublisherTasks lists the publisher task of every active stream.
func (m *Manager) GetAllPublisherTasks(ctx context.Context) []models.StreamTask {
	var tasks []models.StreamTask
	for _, stream := range m.cache.SMembers(ctx, activePublishersKey) {
		if task := m.GetPublisherTask(ctx, stream); task != nil {
			tasks = append(tasks, *task)
		}
	}
	return tasks
}

// GetActivePublisherCount counts streams with a live publisher.
func (m *Manager) GetActivePublisherCount(ctx context.Context) int64 {
	return m.cache.SCard(ctx, activePublishersKey)
}

// GetActivePlayerCount reads the fleet-wide player gauge. Approximate
// by design; negative or unparseable values read as zero.
func (m *Manager) GetActivePlayerCount(ctx context.Context) int64 {
	fields := m.cache.HGetAll(ctx, globalPlayersKey)
	total, ok := fields["total"]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// GetPlayerCount counts players of one stream.
func (m *Manager) GetPlayerCount(ctx context.Context, stream string) int64 {
	return m.cache.SCard(ctx, playerSetKey(stream))
}

// GetStreamClientIds lists every member (publisher and players) of a
// stream.
func (m *Manager) GetStreamClientIds(ctx context.Context, stream string) []string {
	return m.cache.SMembers(ctx, memberSetKey(stream))
}

// Healthy reports backend reachability.
func (m *Manager) Healthy(ctx context.Context) bool {
	return m.cache.Ping(ctx) == nil
}
