// Package workerpool provides a fixed-size worker pool over a bounded
// FIFO task queue. Submission never blocks: a full queue rejects, a
// stopped pool rejects, and shutdown drains queued tasks before workers
// exit.
package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/User-W-20/StreamGate/pkg/logging"
)

var (
	// ErrPoolFull is returned by Submit when the queue is at capacity.
	ErrPoolFull = errors.New("workerpool: queue full")
	// ErrPoolStopped is returned by Submit after StopAndWait.
	ErrPoolStopped = errors.New("workerpool: stopped")
)

// DefaultQueueSize bounds the task queue when no size is given.
const DefaultQueueSize = 1000

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted  uint64
	Completed  uint64
	Failed     uint64
	Rejected   uint64
	QueueDepth int
	Workers    int
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	logger  logging.Logger
	tasks   chan func()
	stopCh  chan struct{}
	stopOne sync.Once
	wg      sync.WaitGroup
	workers int

	stopped   atomic.Bool
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New creates and starts a pool with the given worker count and queue
// capacity. Non-positive arguments fall back to 1 worker and
// DefaultQueueSize respectively.
func New(workers, queueSize int, logger logging.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	p := &Pool{
		logger:  logger,
		tasks:   make(chan func(), queueSize),
		stopCh:  make(chan struct{}),
		workers: workers,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a task for execution. It fails fast with ErrPoolFull
// when the queue is at capacity and ErrPoolStopped after shutdown.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return errors.New("workerpool: nil task")
	}
	if p.stopped.Load() {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// StopAndWait stops the pool and waits up to timeout for workers to
// drain the queue and exit. It returns true when the drain completed
// within the timeout. Idempotent; later calls just wait again.
func (p *Pool) StopAndWait(timeout time.Duration) bool {
	p.stopped.Store(true)
	p.stopOne.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		if p.logger != nil {
			p.logger.Warn("Worker pool drain timed out; proceeding with teardown")
		}
		return false
	}
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
		QueueDepth: len(p.tasks),
		Workers:    p.workers,
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		case <-p.stopCh:
			// Drain: exit only once the queue is empty.
			for {
				select {
				case task := <-p.tasks:
					p.run(task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			if p.logger != nil {
				p.logger.WithField("panic", r).Error("Worker pool task panicked")
			}
		}
	}()
	task()
	p.completed.Add(1)
}
