// Package cache implements a read-through Redis cache in front of the flag
// store. Every backend failure is logged and treated as a miss or a no-op so
// the service keeps answering from PostgreSQL when Redis is degraded.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shiv-0101/featureflags/internal/repository"
)

const (
	flagKeyPrefix = "flag:"
	allFlagsKey   = "flags:all"

	// DefaultTTL bounds staleness after a missed invalidation.
	DefaultTTL = time.Minute

	scanBatchSize = 1000
)

// Backend is the subset of the go-redis client the cache uses.
// *redis.Client and redis.UniversalClient both satisfy it.
type Backend interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Recorder receives cache outcome counts. [Cache] tolerates a nil Recorder.
type Recorder interface {
	CacheHit()
	CacheMiss()
	CacheError()
	CacheInvalidation()
}

// Cache stores JSON-serialized flags under "flag:<key>" and the full flag
// set under "flags:all", each with a TTL. A nil backend disables caching:
// every read is a miss and every write is a no-op.
type Cache struct {
	backend  Backend
	ttl      time.Duration
	logger   *slog.Logger
	recorder Recorder
}

// New creates a [Cache]. A non-positive ttl falls back to [DefaultTTL].
func New(backend Backend, ttl time.Duration, logger *slog.Logger, recorder Recorder) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}

	return &Cache{
		backend:  backend,
		ttl:      ttl,
		logger:   logger,
		recorder: recorder,
	}
}

// Enabled reports whether a backend is configured.
func (c *Cache) Enabled() bool {
	return c.backend != nil
}

// GetFlag returns the cached flag for key, reporting false on a miss. Backend
// errors and undecodable payloads count as misses.
func (c *Cache) GetFlag(ctx context.Context, key string) (repository.Flag, bool) {
	payload, ok := c.get(ctx, flagKeyPrefix+key)
	if !ok {
		return repository.Flag{}, false
	}

	var flag repository.Flag
	if err := json.Unmarshal(payload, &flag); err != nil {
		c.logger.WarnContext(ctx, "cache entry undecodable", "key", flagKeyPrefix+key, "error", err)
		c.recorder.CacheError()
		return repository.Flag{}, false
	}

	c.recorder.CacheHit()
	return flag, true
}

// SetFlag stores the flag under "flag:<key>" with the configured TTL.
func (c *Cache) SetFlag(ctx context.Context, flag repository.Flag) {
	c.set(ctx, flagKeyPrefix+flag.Key, flag)
}

// GetAllFlags returns the cached flag-set snapshot, reporting false on a miss.
func (c *Cache) GetAllFlags(ctx context.Context) ([]repository.Flag, bool) {
	payload, ok := c.get(ctx, allFlagsKey)
	if !ok {
		return nil, false
	}

	var flags []repository.Flag
	if err := json.Unmarshal(payload, &flags); err != nil {
		c.logger.WarnContext(ctx, "cache entry undecodable", "key", allFlagsKey, "error", err)
		c.recorder.CacheError()
		return nil, false
	}

	c.recorder.CacheHit()
	return flags, true
}

// SetAllFlags replaces the flag-set snapshot wholesale.
func (c *Cache) SetAllFlags(ctx context.Context, flags []repository.Flag) {
	if flags == nil {
		flags = []repository.Flag{}
	}
	c.set(ctx, allFlagsKey, flags)
}

// InvalidateFlag deletes the single-flag entry and the snapshot. Any write to
// a flag must call this before the write is acknowledged.
func (c *Cache) InvalidateFlag(ctx context.Context, key string) {
	if c.backend == nil {
		return
	}

	if err := c.backend.Del(ctx, flagKeyPrefix+key, allFlagsKey).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache invalidate failed", "key", flagKeyPrefix+key, "error", err)
		c.recorder.CacheError()
		return
	}

	c.recorder.CacheInvalidation()
}

// InvalidateAllFlags deletes every "flag:*" entry and the snapshot, scanning
// rather than using KEYS to avoid blocking the backend.
func (c *Cache) InvalidateAllFlags(ctx context.Context) {
	if c.backend == nil {
		return
	}

	keys := []string{allFlagsKey}
	var cursor uint64
	for {
		batch, next, err := c.backend.Scan(ctx, cursor, flagKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			c.logger.WarnContext(ctx, "cache scan failed", "pattern", flagKeyPrefix+"*", "error", err)
			c.recorder.CacheError()
			return
		}

		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if err := c.backend.Del(ctx, keys...).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache invalidate all failed", "error", err)
		c.recorder.CacheError()
		return
	}

	c.recorder.CacheInvalidation()
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool) {
	if c.backend == nil {
		return nil, false
	}

	payload, err := c.backend.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.recorder.CacheMiss()
		return nil, false
	}
	if err != nil {
		c.logger.WarnContext(ctx, "cache read failed", "key", key, "error", err)
		c.recorder.CacheError()
		return nil, false
	}

	return payload, true
}

func (c *Cache) set(ctx context.Context, key string, value any) {
	if c.backend == nil {
		return
	}

	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.WarnContext(ctx, "cache entry marshal failed", "key", key, "error", err)
		c.recorder.CacheError()
		return
	}

	if err := c.backend.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
		c.recorder.CacheError()
	}
}

type noopRecorder struct{}

func (noopRecorder) CacheHit()          {}
func (noopRecorder) CacheMiss()         {}
func (noopRecorder) CacheError()        {}
func (noopRecorder) CacheInvalidation() {}
