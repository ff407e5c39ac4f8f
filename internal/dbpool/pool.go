// Package dbpool bounds checkout of database connections. database/sql
// pools internally but offers no hard acquire deadline, no validation
// hook, and no waiter accounting; this pool layers those on top of
// dedicated *sql.Conn handles.
package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/User-W-20/StreamGate/pkg/logging"
)

var (
	// ErrAcquireTimeout is returned when no connection became available
	// within the checkout timeout.
	ErrAcquireTimeout = errors.New("dbpool: acquire timed out")
	// ErrPoolClosed is returned for operations on a shut-down pool.
	ErrPoolClosed = errors.New("dbpool: closed")
)

// Config configures the pool bounds.
type Config struct {
	MinSize         int
	MaxSize         int
	CheckoutTimeout time.Duration
}

// Stats is a point-in-time snapshot of pool gauges.
type Stats struct {
	Total              int32
	Idle               int
	Waiters            int32
	ValidationFailures uint64
}

// Conn is a scoped handle to one pooled connection. Callers must
// Release exactly once.
type Conn struct {
	conn     *sql.Conn
	pool     *Pool
	released atomic.Bool
}

// QueryRowContext delegates to the underlying connection.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

// QueryContext delegates to the underlying connection.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

// ExecContext delegates to the underlying connection.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

// Release returns the connection to the pool. Safe to call once per
// handle; later calls are no-ops.
func (c *Conn) Release() {
	if c.released.Swap(true) {
		return
	}
	c.pool.release(c.conn)
}

// Pool is a bounded connection pool with acquire timeout and
// validation.
type Pool struct {
	db     *sql.DB
	cfg    Config
	logger logging.Logger

	idle     chan *sql.Conn
	closedCh chan struct{}
	closeOne sync.Once

	total              atomic.Int32
	waiters            atomic.Int32
	validationFailures atomic.Uint64
}

// New creates the pool and preallocates MinSize connections. Failure to
// reach the minimum is an error; partially created connections are torn
// down.
func New(db *sql.DB, cfg Config, logger logging.Logger) (*Pool, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("dbpool: max size must be positive, got %d", cfg.MaxSize)
	}
	if cfg.MinSize < 0 || cfg.MinSize > cfg.MaxSize {
		return nil, fmt.Errorf("dbpool: invalid min size %d for max %d", cfg.MinSize, cfg.MaxSize)
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 5 * time.Second
	}

	p := &Pool{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		idle:     make(chan *sql.Conn, cfg.MaxSize),
		closedCh: make(chan struct{}),
	}

	for i := 0; i < cfg.MinSize; i++ {
		conn, err := db.Conn(context.Background())
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("dbpool: preallocate connection %d: %w", i, err)
		}
		p.total.Add(1)
		p.idle <- conn
	}

	return p, nil
}

// Acquire checks out a connection, waiting up to the checkout timeout.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	deadline := time.NewTimer(p.cfg.CheckoutTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-p.closedCh:
			return nil, ErrPoolClosed
		default:
		}

		// Fast path: an idle connection.
		select {
		case conn := <-p.idle:
			if p.validate(ctx, conn) {
				return &Conn{conn: conn, pool: p}, nil
			}
			p.destroy(conn)
			continue
		default:
		}

		// Grow: reserve a slot with CAS, create outside any lock.
		if p.tryReserve() {
			conn, err := p.db.Conn(ctx)
			if err != nil {
				p.total.Add(-1)
				return nil, fmt.Errorf("dbpool: create connection: %w", err)
			}
			return &Conn{conn: conn, pool: p}, nil
		}

		// At capacity: wait for a release, the deadline, or shutdown.
		p.waiters.Add(1)
		select {
		case conn := <-p.idle:
			p.waiters.Add(-1)
			if p.validate(ctx, conn) {
				return &Conn{conn: conn, pool: p}, nil
			}
			p.destroy(conn)
		case <-deadline.C:
			p.waiters.Add(-1)
			return nil, ErrAcquireTimeout
		case <-ctx.Done():
			p.waiters.Add(-1)
			return nil, ctx.Err()
		case <-p.closedCh:
			p.waiters.Add(-1)
			return nil, ErrPoolClosed
		}
	}
}

// Shutdown is idempotent: it refuses new acquires, wakes all waiters,
// and drains idle connections. In-use handles close on Release.
func (p *Pool) Shutdown() {
	p.closeOne.Do(func() {
		close(p.closedCh)
		for {
			select {
			case conn := <-p.idle:
				_ = conn.Close()
				p.total.Add(-1)
			default:
				return
			}
		}
	})
}

// Stats returns current pool gauges.
func (p *Pool) Stats() Stats {
	return Stats{
		Total:              p.total.Load(),
		Idle:               len(p.idle),
		Waiters:            p.waiters.Load(),
		ValidationFailures: p.validationFailures.Load(),
	}
}

func (p *Pool) tryReserve() bool {
	for {
		current := p.total.Load()
		if current >= int32(p.cfg.MaxSize) {
			return false
		}
		if p.total.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (p *Pool) release(conn *sql.Conn) {
	select {
	case <-p.closedCh:
		_ = conn.Close()
		p.total.Add(-1)
		return
	default:
	}

	if !p.validate(context.Background(), conn) {
		p.destroy(conn)
		return
	}

	select {
	case p.idle <- conn:
	default:
		// Should not happen: idle is sized to MaxSize. Drop rather
		// than block.
		p.destroy(conn)
	}
}

func (p *Pool) destroy(conn *sql.Conn) {
	_ = conn.Close()
	p.total.Add(-1)
}

// validate runs the trivial liveness probe. Failures are silent drops,
// counted for the metrics surface.
func (p *Pool) validate(ctx context.Context, conn *sql.Conn) bool {
	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var one int
	if err := conn.QueryRowContext(probeCtx, "SELECT 1").Scan(&one); err != nil {
		p.validationFailures.Add(1)
		if p.logger != nil {
			p.logger.WithError(err).Debug("Connection validation failed")
		}
		return false
	}
	return one == 1
}
