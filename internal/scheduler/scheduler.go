// Package scheduler owns stream lifecycle decisions: publisher
// uniqueness, player-to-publisher binding, backend node selection, and
// the background reaper that retires idle tasks.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/User-W-20/StreamGate/internal/auth"
	"github.com/User-W-20/StreamGate/internal/models"
	"github.com/User-W-20/StreamGate/internal/nodes"
	"github.com/User-W-20/StreamGate/internal/state"
	"github.com/User-W-20/StreamGate/pkg/logging"
	"github.com/User-W-20/StreamGate/pkg/monitoring"
)

// ResultCode classifies a scheduling outcome.
type ResultCode int

const (
	Success ResultCode = iota
	AuthFailed
	AlreadyPublishing
	NoPublisher
	StateStoreError
	InternalError
)

// Result is delivered to the hook layer's callback.
type Result struct {
	Code    ResultCode
	Task    *models.StreamTask
	Message string
}

// Callback receives the outcome of an asynchronous operation.
type Callback func(Result)

// Authorizer is the slice of the auth manager the scheduler needs.
type Authorizer interface {
	CheckAuthAsync(req auth.Request, callback func(auth.ResultCode))
}

// Config tunes the reaper.
type Config struct {
	TaskTimeout     time.Duration
	CleanupInterval time.Duration
	CleanupWorkers  int
}

// Defaults fills unset fields with the baseline values.
func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 60 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.CleanupWorkers <= 0 {
		c.CleanupWorkers = 4
	}
	return c
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	PublishRequests  uint64
	PlayRequests     uint64
	PublishSuccesses uint64
	PlaySuccesses    uint64
	AuthFailures     uint64
	TasksCleaned     uint64
}

// Scheduler coordinates auth, state, and node selection. Start launches
// the reaper; Stop joins it.
type Scheduler struct {
	auth   Authorizer
	state  *state.Manager
	nodes  *nodes.Config
	cfg    Config
	logger logging.Logger

	running     atomic.Bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	cleanupPool *ants.Pool

	nextTaskID atomic.Int64

	publishRequests  atomic.Uint64
	playRequests     atomic.Uint64
	publishSuccesses atomic.Uint64
	playSuccesses    atomic.Uint64
	authFailures     atomic.Uint64
	tasksCleaned     atomic.Uint64

	operations  *prometheus.CounterVec
	activeTasks *prometheus.GaugeVec
}

// New creates the scheduler. metrics may be nil; the prometheus surface
// is then skipped.
func New(authorizer Authorizer, stateMgr *state.Manager, nodeCfg *nodes.Config, cfg Config, logger logging.Logger, metrics *monitoring.MetricsCollector) *Scheduler {
	s := &Scheduler{
		auth:   authorizer,
		state:  stateMgr,
		nodes:  nodeCfg,
		cfg:    cfg.withDefaults(),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	if metrics != nil {
		s.operations, s.activeTasks = metrics.CreateSchedulerMetrics()
	}
	return s
}

// Start launches the reaper goroutine and its cleanup executor.
func (s *Scheduler) Start() error {
	if s.running.Swap(true) {
		return nil
	}

	pool, err := ants.NewPool(s.cfg.CleanupWorkers)
	if err != nil {
		s.running.Store(false)
		return err
	}
	s.cleanupPool = pool

	s.wg.Add(1)
	go s.reaperLoop()
	if s.logger != nil {
		s.logger.WithField("interval", s.cfg.CleanupInterval.String()).Info("Scheduler reaper started")
	}
	return nil
}

// Stop interrupts the reaper and waits for it to exit.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	if s.cleanupPool != nil {
		s.cleanupPool.Release()
	}
	if s.logger != nil {
		s.logger.Info("Scheduler stopped")
	}
}

// OnPublish authorizes a publisher asynchronously, selects a backend
// node, and registers the task. The callback receives exactly one
// Result.
func (s *Scheduler) OnPublish(streamName, clientID, authToken string, protocol models.Protocol, cb Callback) {
	s.publishRequests.Add(1)
	if !s.validate(streamName, clientID, authToken, cb) {
		s.countOp("publish", "invalid")
		return
	}

	s.auth.CheckAuthAsync(auth.Request{StreamKey: streamName, ClientID: clientID, AuthToken: authToken}, func(code auth.ResultCode) {
		if code != auth.ResultSuccess {
			s.authFailures.Add(1)
			s.countOp("publish", "auth_failed")
			deliver(cb, Result{Code: AuthFailed, Message: "authorization denied"})
			return
		}

		node := s.nodes.SelectForProtocol(protocol)
		task := s.createTask(streamName, clientID, authToken, models.TaskPublisher, protocol, node)

		switch err := s.state.RegisterTask(context.Background(), task); {
		case errors.Is(err, state.ErrPublisherConflict):
			s.countOp("publish", "conflict")
			deliver(cb, Result{Code: AlreadyPublishing, Message: "stream already has a publisher"})
		case err != nil:
			s.countOp("publish", "state_error")
			deliver(cb, Result{Code: StateStoreError, Message: "state registration failed"})
		default:
			s.publishSuccesses.Add(1)
			s.countOp("publish", "success")
			s.gaugeActive(context.Background())
			deliver(cb, Result{Code: Success, Task: task, Message: "publish authorized"})
		}
	})
}

// OnPlay authorizes a player and binds it to the stream's current
// publisher. Absent publisher denies with NoPublisher.
func (s *Scheduler) OnPlay(streamName, clientID, authToken string, protocol models.Protocol, cb Callback) {
	s.playRequests.Add(1)
	if !s.validate(streamName, clientID, authToken, cb) {
		s.countOp("play", "invalid")
		return
	}

	s.auth.CheckAuthAsync(auth.Request{StreamKey: streamName, ClientID: clientID, AuthToken: authToken}, func(code auth.ResultCode) {
		if code != auth.ResultSuccess {
			s.authFailures.Add(1)
			s.countOp("play", "auth_failed")
			deliver(cb, Result{Code: AuthFailed, Message: "authorization denied"})
			return
		}

		ctx := context.Background()
		pub := s.state.GetPublisherTask(ctx, streamName)
		if pub == nil {
			s.countOp("play", "no_publisher")
			deliver(cb, Result{Code: NoPublisher, Message: "no active publisher"})
			return
		}

		// Players are pinned to the publisher's edge node.
		task := s.createTask(streamName, clientID, authToken, models.TaskPlayer, protocol,
			nodes.Endpoint{Host: pub.ServerIP, Port: pub.ServerPort})

		if err := s.state.RegisterTask(ctx, task); err != nil {
			s.countOp("play", "state_error")
			deliver(cb, Result{Code: StateStoreError, Message: "state registration failed"})
			return
		}

		s.playSuccesses.Add(1)
		s.countOp("play", "success")
		s.gaugeActive(ctx)
		deliver(cb, Result{Code: Success, Task: task, Message: "play authorized"})
	})
}

// OnPublishDone cascades cleanup of the whole stream, but only when the
// caller really is the active publisher. Stale or spoofed callbacks are
// ignored.
func (s *Scheduler) OnPublishDone(streamName, clientID string) {
	ctx := context.Background()
	task := s.state.GetTask(ctx, streamName, clientID)
	if task == nil || task.Type != models.TaskPublisher {
		if s.logger != nil {
			s.logger.WithField("stream", streamName).WithField("client", clientID).
				Warn("Ignoring publish-done from non-publisher")
		}
		return
	}
	s.state.DeregisterAllMembers(ctx, streamName)
	s.countOp("publish_done", "success")
	s.gaugeActive(ctx)
}

// OnPlayDone deregisters one player.
func (s *Scheduler) OnPlayDone(streamName, clientID string) {
	_ = s.state.DeregisterTask(context.Background(), streamName, clientID)
	s.countOp("play_done", "success")
}

// Stats returns a counter snapshot.
func (s *Scheduler) Stats() Stats {
	return Stats{
		PublishRequests:  s.publishRequests.Load(),
		PlayRequests:     s.playRequests.Load(),
		PublishSuccesses: s.publishSuccesses.Load(),
		PlaySuccesses:    s.playSuccesses.Load(),
		AuthFailures:     s.authFailures.Load(),
		TasksCleaned:     s.tasksCleaned.Load(),
	}
}

func (s *Scheduler) reaperLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ReapOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// ReapOnce runs one timeout scan. Exported so the composition root can
// trigger an eager sweep and tests can drive the reaper without timers.
func (s *Scheduler) ReapOnce(ctx context.Context) {
	expired := s.state.ScanTimeoutTasks(ctx, s.cfg.TaskTimeout)
	if len(expired) == 0 {
		return
	}
	s.tasksCleaned.Add(uint64(len(expired)))

	deadPublisherStreams := make(map[string]struct{})
	for _, task := range expired {
		s.countOp("reap", string(task.Type))
		if task.Type == models.TaskPublisher {
			deadPublisherStreams[task.StreamName] = struct{}{}
		}
	}

	// A dead publisher evicts its whole audience. Fan the cascades out
	// so one slow stream does not stall the sweep.
	var wg sync.WaitGroup
	for streamName := range deadPublisherStreams {
		streamName := streamName
		wg.Add(1)
		job := func() {
			defer wg.Done()
			if s.logger != nil {
				s.logger.WithField("stream", streamName).Warn("Publisher timed out; evicting members")
			}
			s.state.DeregisterAllMembers(ctx, streamName)
		}
		if s.cleanupPool == nil || s.cleanupPool.Submit(job) != nil {
			job()
		}
	}
	wg.Wait()

	if s.logger != nil {
		s.logger.WithField("count", len(expired)).Info("Reaper retired timed-out tasks")
	}
	s.gaugeActive(ctx)
}

func (s *Scheduler) validate(streamName, clientID, authToken string, cb Callback) bool {
	if streamName == "" || clientID == "" || authToken == "" {
		deliver(cb, Result{Code: InternalError, Message: "missing required fields"})
		return false
	}
	return true
}

func (s *Scheduler) createTask(streamName, clientID, authToken string, typ models.TaskType, protocol models.Protocol, node nodes.Endpoint) *models.StreamTask {
	now := time.Now()
	return &models.StreamTask{
		TaskID:         s.nextTaskID.Add(1),
		StreamName:     streamName,
		ClientID:       clientID,
		Type:           typ,
		State:          models.StateActive,
		Protocol:       protocol,
		ServerIP:       node.Host,
		ServerPort:     node.Port,
		StartTime:      now,
		LastActiveTime: now,
		AuthToken:      authToken,
	}
}

func (s *Scheduler) countOp(operation, status string) {
	if s.operations != nil {
		s.operations.WithLabelValues(operation, status).Inc()
	}
}

func (s *Scheduler) gaugeActive(ctx context.Context) {
	if s.activeTasks == nil {
		return
	}
	s.activeTasks.WithLabelValues("publisher").Set(float64(s.state.GetActivePublisherCount(ctx)))
	s.activeTasks.WithLabelValues("player").Set(float64(s.state.GetActivePlayerCount(ctx)))
}

func deliver(cb Callback, r Result) {
	if cb != nil {
		cb(r)
	}
}
