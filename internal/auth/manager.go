package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/User-W-20/StreamGate/internal/models"
	"github.com/User-W-20/StreamGate/pkg/logging"
	"github.com/User-W-20/StreamGate/pkg/workerpool"
)

// ResultCode classifies the outcome of an authorization check.
type ResultCode int

const (
	ResultSuccess ResultCode = iota
	ResultDenied
	ResultRuntimeError
)

// Request identifies one principal to authorize.
type Request struct {
	StreamKey string
	ClientID  string
	AuthToken string
}

// Source resolves authorization records. Implemented by Repository.
type Source interface {
	GetAuthData(ctx context.Context, streamKey, clientID, authToken string) (*models.StreamAuthData, error)
}

// Manager runs authorization checks on a worker pool, bounding callers
// with a timeout. After Shutdown both APIs are no-ops.
type Manager struct {
	source  Source
	pool    *workerpool.Pool
	timeout time.Duration
	logger  logging.Logger
	stopped atomic.Bool
}

// NewManager creates a Manager owning a worker pool of the given size.
func NewManager(source Source, workers int, timeout time.Duration, logger logging.Logger) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		source:  source,
		pool:    workerpool.New(workers, workerpool.DefaultQueueSize, logger),
		timeout: timeout,
		logger:  logger,
	}
}

// CheckAuth resolves synchronously, waiting at most the configured
// timeout. Timeout and any failure report false. The underlying task is
// not cancelled by the caller's timeout; it finishes on a worker and
// its late result is discarded.
func (m *Manager) CheckAuth(ctx context.Context, streamKey, clientID, authToken string) bool {
	if m.stopped.Load() {
		return false
	}

	// Buffered so an abandoned task can still deliver without a receiver.
	done := make(chan ResultCode, 1)
	err := m.pool.Submit(func() {
		done <- m.resolve(Request{StreamKey: streamKey, ClientID: clientID, AuthToken: authToken})
	})
	if err != nil {
		return false
	}

	select {
	case code := <-done:
		return code == ResultSuccess
	case <-time.After(m.timeout):
		if m.logger != nil {
			m.logger.WithField("stream_key", streamKey).Warn("Auth check timed out")
		}
		return false
	case <-ctx.Done():
		return false
	}
}

// CheckAuthAsync submits the check and invokes callback exactly once
// with the result. The callback runs on a worker goroutine; callers
// must not assume any particular one. After shutdown this is a no-op.
func (m *Manager) CheckAuthAsync(req Request, callback func(ResultCode)) {
	if m.stopped.Load() || callback == nil {
		return
	}

	var once sync.Once
	deliver := func(code ResultCode) {
		once.Do(func() { callback(code) })
	}

	err := m.pool.Submit(func() {
		deliver(m.resolve(req))
	})
	if err != nil {
		if err == workerpool.ErrPoolStopped {
			return
		}
		deliver(ResultRuntimeError)
	}
}

// Shutdown stops accepting work and drains the pool.
func (m *Manager) Shutdown(timeout time.Duration) {
	if m.stopped.Swap(true) {
		return
	}
	m.pool.StopAndWait(timeout)
}

// PoolStats exposes the worker pool counters for the metrics surface.
func (m *Manager) PoolStats() workerpool.Stats {
	return m.pool.Stats()
}

func (m *Manager) resolve(req Request) ResultCode {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	data, err := m.source.GetAuthData(ctx, req.StreamKey, req.ClientID, req.AuthToken)
	switch {
	case err != nil:
		return ResultRuntimeError
	case data == nil || !data.IsAuthorized:
		return ResultDenied
	default:
		return ResultSuccess
	}
}
