// Package auth resolves stream authorization through a two-tier
// cache-then-SQL lookup and exposes it behind bounded synchronous and
// fire-and-forget asynchronous APIs.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/User-W-20/StreamGate/internal/cache"
	"github.com/User-W-20/StreamGate/internal/dbpool"
	"github.com/User-W-20/StreamGate/internal/models"
	"github.com/User-W-20/StreamGate/pkg/logging"
)

const (
	// negativeSentinel marks a cached "known absent" lookup.
	negativeSentinel = "__EMPTY__"

	// NegativeCacheTTL shields SQL from repeated misses.
	NegativeCacheTTL = 30 * time.Second
	// TransientDBErrorTTL shields SQL from stampedes while it is down.
	TransientDBErrorTTL = 5 * time.Second

	cacheKeyPrefix = "auth_data:"
)

// ErrBackend wraps SQL-tier failures.
var ErrBackend = errors.New("auth: backend failure")

const authQuery = `SELECT stream_key, client_id, auth_token FROM stream_auth WHERE stream_key = $1 AND client_id = $2 AND auth_token = $3 AND is_active = 1`

// Counters is a snapshot of repository counters.
type Counters struct {
	CacheHits          uint64
	CacheMisses        uint64
	SQLHits            uint64
	SQLMisses          uint64
	SQLErrors          uint64
	ValidationFailures uint64
}

// HitRate is hits / (hits + misses); zero when no lookups happened.
func (c Counters) HitRate() float64 {
	total := c.CacheHits + c.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(c.CacheHits) / float64(total)
}

// Repository performs two-tier authorization lookups with negative
// caching and single-flight collapse of concurrent identical misses.
type Repository struct {
	cache  *cache.Client
	pool   *dbpool.Pool
	logger logging.Logger
	sf     singleflight.Group

	cacheHits          atomic.Uint64
	cacheMisses        atomic.Uint64
	sqlHits            atomic.Uint64
	sqlMisses          atomic.Uint64
	sqlErrors          atomic.Uint64
	validationFailures atomic.Uint64
}

// NewRepository creates the repository. Positive records are cached
// with the cache client's default TTL.
func NewRepository(cacheClient *cache.Client, pool *dbpool.Pool, logger logging.Logger) *Repository {
	return &Repository{cache: cacheClient, pool: pool, logger: logger}
}

// GetAuthData resolves the authorization record for one principal.
// Absent is reported as (nil, nil); backend failures wrap ErrBackend.
func (r *Repository) GetAuthData(ctx context.Context, streamKey, clientID, authToken string) (*models.StreamAuthData, error) {
	cacheKey := cacheKeyPrefix + streamKey + ":" + clientID

	if raw, ok := r.cache.Get(ctx, cacheKey); ok {
		if raw == negativeSentinel {
			r.cacheHits.Add(1)
			return nil, nil
		}
		data, err := models.DecodeAuthData(raw)
		if err == nil {
			if data.Matches(streamKey, clientID, authToken) {
				r.cacheHits.Add(1)
				return data, nil
			}
			// A cached record for another principal must never be
			// served. Drop it and report absent.
			r.validationFailures.Add(1)
			_ = r.cache.Del(ctx, cacheKey)
			if r.logger != nil {
				r.logger.WithField("stream_key", streamKey).Warn("Cached auth record mismatch; dropped")
			}
			return nil, nil
		}
		// Undecodable entries count as misses and fall through to SQL.
	}
	r.cacheMisses.Add(1)

	// Collapse concurrent identical lookups into one SQL round trip.
	sfKey := cacheKey + ":" + authToken
	result, err, _ := r.sf.Do(sfKey, func() (interface{}, error) {
		return r.lookupSQL(ctx, cacheKey, streamKey, clientID, authToken)
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*models.StreamAuthData), nil
}

func (r *Repository) lookupSQL(ctx context.Context, cacheKey, streamKey, clientID, authToken string) (*models.StreamAuthData, error) {
	data, err := r.queryAuthData(ctx, streamKey, clientID, authToken)
	if err != nil {
		r.sqlErrors.Add(1)
		// Very short negative entry so a broken store is not hammered.
		if cerr := r.cache.SetEx(ctx, cacheKey, negativeSentinel, TransientDBErrorTTL); cerr != nil && r.logger != nil {
			r.logger.WithError(cerr).Warn("Failed to install transient negative cache entry")
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	if data == nil {
		r.sqlMisses.Add(1)
		if cerr := r.cache.SetEx(ctx, cacheKey, negativeSentinel, NegativeCacheTTL); cerr != nil && r.logger != nil {
			r.logger.WithError(cerr).Warn("Failed to install negative cache entry")
		}
		return nil, nil
	}

	r.sqlHits.Add(1)
	if encoded, err := data.Encode(); err == nil {
		if cerr := r.cache.SetEx(ctx, cacheKey, encoded, r.cache.DefaultTTL()); cerr != nil && r.logger != nil {
			r.logger.WithError(cerr).Warn("Failed to cache auth record")
		}
	}
	return data, nil
}

func (r *Repository) queryAuthData(ctx context.Context, streamKey, clientID, authToken string) (*models.StreamAuthData, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var data models.StreamAuthData
	row := conn.QueryRowContext(ctx, authQuery, streamKey, clientID, authToken)
	switch err := row.Scan(&data.StreamKey, &data.ClientID, &data.AuthToken); {
	case err == nil:
		data.IsAuthorized = true
		return &data, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, err
	}
}

// Counters returns a snapshot of the lookup counters.
func (r *Repository) Counters() Counters {
	return Counters{
		CacheHits:          r.cacheHits.Load(),
		CacheMisses:        r.cacheMisses.Load(),
		SQLHits:            r.sqlHits.Load(),
		SQLMisses:          r.sqlMisses.Load(),
		SQLErrors:          r.sqlErrors.Load(),
		ValidationFailures: r.validationFailures.Load(),
	}
}
