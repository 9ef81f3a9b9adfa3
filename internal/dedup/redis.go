package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyPrefixes mirror the donor Redis tracker's `ginie:pending_order:*`
// namespacing, scoped to this engine's two sets.
const (
	inflightPrefix  = "reconcile:dedup:inflight:"
	processedPrefix = "reconcile:dedup:processed:"
)

// RedisRegistry is the Redis-backed Registry, grounded on the donor app's
// RedisOrderTracker (SET with a TTL, SETNX for atomic claims) instead of the
// donor's separate pending-order list, since this registry only needs
// membership, not enumeration.
type RedisRegistry struct {
	client *redis.Client
	cfg    Config
}

// NewRedisRegistry wraps an already-connected client. No background sweeper
// is needed — Redis expires keys natively.
func NewRedisRegistry(client *redis.Client, cfg Config) *RedisRegistry {
	return &RedisRegistry{client: client, cfg: cfg}
}

func (r *RedisRegistry) TryClaim(ctx context.Context, key Key) (bool, error) {
	k := inflightPrefix + key.String()
	ok, err := r.client.SetNX(ctx, k, 1, r.cfg.InflightTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis tryClaim: %w", err)
	}
	if !ok {
		return false, nil
	}
	already, err := r.IsProcessed(ctx, key)
	if err != nil {
		return false, err
	}
	if already {
		r.client.Del(ctx, k)
		return false, nil
	}
	return true, nil
}

func (r *RedisRegistry) MarkProcessed(ctx context.Context, key Key) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, inflightPrefix+key.String())
	pipe.Set(ctx, processedPrefix+key.String(), 1, r.cfg.processedTTL(key.Kind))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dedup: redis markProcessed: %w", err)
	}
	return nil
}

func (r *RedisRegistry) IsProcessed(ctx context.Context, key Key) (bool, error) {
	n, err := r.client.Exists(ctx, processedPrefix+key.String()).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis isProcessed: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRegistry) Close() error {
	return nil
}

// ErrRedisUnavailable is returned by New when UseRedis is set but no client
// was supplied — callers should fall back to the in-memory registry rather
// than run degraded.
var ErrRedisUnavailable = errors.New("dedup: redis registry requested but no client configured")

// New selects the Registry implementation per cfg.UseRedis, matching
// config.DedupConfig's toggle (§10.3). Pass a nil client when UseRedis is
// false.
func New(cfg Config, useRedis bool, client *redis.Client) (Registry, error) {
	if useRedis {
		if client == nil {
			return nil, ErrRedisUnavailable
		}
		return NewRedisRegistry(client, cfg), nil
	}
	return NewMemoryRegistry(cfg), nil
}
