// Package cache wraps the Redis client with the semantic operations the
// rest of StreamGate needs. All write paths substitute the configured
// default for non-positive TTLs; reads map redis.Nil to absence so
// callers never branch on driver sentinels.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/User-W-20/StreamGate/pkg/logging"
)

// DefaultTTL is used when a Client is constructed without one.
const DefaultTTL = 300 * time.Second

// Client is a typed adapter over go-redis. Safe for concurrent use;
// pipelines are per-caller and must not be shared.
type Client struct {
	rdb        goredis.UniversalClient
	defaultTTL time.Duration
	logger     logging.Logger
}

// New creates a Client. A non-positive defaultTTL falls back to
// DefaultTTL.
func New(rdb goredis.UniversalClient, defaultTTL time.Duration, logger logging.Logger) *Client {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Client{rdb: rdb, defaultTTL: defaultTTL, logger: logger}
}

// DefaultTTL returns the TTL applied when callers pass a non-positive one.
func (c *Client) DefaultTTL() time.Duration {
	return c.defaultTTL
}

func (c *Client) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

// Get returns the string value at key. The second result is false when
// the key is absent or the backend failed.
func (c *Client) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) && c.logger != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Redis GET failed")
		}
		return "", false
	}
	return val, true
}

// SetEx stores value at key with the given TTL.
func (c *Client) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, c.ttlOrDefault(ttl)).Err()
}

// HSet writes all fields into the hash at key.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return c.rdb.HSet(ctx, key, args...).Err()
}

// HGetAll returns all fields of the hash at key; empty map when absent
// or on error.
func (c *Client) HGetAll(ctx context.Context, key string) map[string]string {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		if c.logger != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Redis HGETALL failed")
		}
		return map[string]string{}
	}
	return fields
}

// HDel removes fields from the hash at key.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

// HIncrBy adjusts an integer hash field and returns the new value.
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, delta).Result()
}

// SAdd adds member to the set at key; true when it was newly added.
func (c *Client) SAdd(ctx context.Context, key, member string) (bool, error) {
	added, err := c.rdb.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	return added > 0, nil
}

// SRem removes member from the set at key; true when it was present.
func (c *Client) SRem(ctx context.Context, key, member string) (bool, error) {
	removed, err := c.rdb.SRem(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// SMembers lists the set at key; empty on absence or error.
func (c *Client) SMembers(ctx context.Context, key string) []string {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		if c.logger != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Redis SMEMBERS failed")
		}
		return nil
	}
	return members
}

// SCard returns the cardinality of the set at key; zero on error.
func (c *Client) SCard(ctx context.Context, key string) int64 {
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0
	}
	return n
}

// ZAdd inserts member with score into the sorted set at key.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore returns members of the sorted set at key whose score
// lies in [min, max]; empty on error.
func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64) []string {
	members, err := c.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		if c.logger != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Redis ZRANGEBYSCORE failed")
		}
		return nil
	}
	return members
}

// ZRem removes member from the sorted set at key; true when the member
// was present. Ownership claims in the timeout scanner depend on this
// returning false for already-removed members.
func (c *Client) ZRem(ctx context.Context, key, member string) (bool, error) {
	removed, err := c.rdb.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Expire sets the TTL of key; false when the key does not exist.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, key, c.ttlOrDefault(ttl)).Result()
}

// Exists reports whether key exists.
func (c *Client) Exists(ctx context.Context, key string) bool {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// Ping verifies backend connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Pipeline returns a command pipeline scoped to the caller. Pipelines
// are not safe for concurrent use.
func (c *Client) Pipeline() goredis.Pipeliner {
	return c.rdb.Pipeline()
}

// formatScore renders a score without exponent notation; the
// millisecond-epoch range would otherwise round-trip badly.
func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
