package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// fallbackCounter guarantees uniqueness across cloids minted within the
// same nanosecond if crypto/rand ever fails.
var fallbackCounter uint64

// SequenceProvider supplies a collision-free per-second sequence number for
// cloid generation, grounded on the donor's SequenceProvider interface
// (internal/orders/client_order_id.go) — the same import-cycle-avoidance
// shape: ledger depends on this interface, not on a concrete Redis type.
type SequenceProvider interface {
	// NextSeq atomically increments and returns the sequence for secondKey.
	NextSeq(ctx context.Context, secondKey string) (int64, error)
	// IsHealthy reports whether the provider is currently reachable.
	IsHealthy() bool
}

// RedisSequenceProvider backs NextSeq with a Redis INCR on a per-second key
// (collision-free under burst), matching §12's client-order-id generator.
// Health tracks the outcome of the most recent call, the same
// real-traffic-based signal the donor's cache.CacheService.IsHealthy uses,
// rather than a separate PING loop.
type RedisSequenceProvider struct {
	client  *redis.Client
	healthy atomic.Bool
}

// NewRedisSequenceProvider wraps an already-connected client.
func NewRedisSequenceProvider(client *redis.Client) *RedisSequenceProvider {
	p := &RedisSequenceProvider{client: client}
	p.healthy.Store(true)
	return p
}

func (p *RedisSequenceProvider) NextSeq(ctx context.Context, secondKey string) (int64, error) {
	key := "reconcile:cloid:seq:" + secondKey
	n, err := p.client.Incr(ctx, key).Result()
	if err != nil {
		p.healthy.Store(false)
		return 0, fmt.Errorf("ledger: redis sequence incr: %w", err)
	}
	p.client.Expire(ctx, key, 2*time.Second)
	p.healthy.Store(true)
	return n, nil
}

func (p *RedisSequenceProvider) IsHealthy() bool {
	return p.healthy.Load()
}

// GenerateCLOID mints a client order ID of the form
// SYMBOL_SIDE_yyyymmddHHMMSS_xxxxxxxx (§3.1). The trailing segment normally
// comes from seq's per-second Redis sequence, collision-free under burst;
// when seq is nil or unhealthy it falls back to a crypto/rand 4-byte hex
// suffix (the donor's generateShortUniqueID), so generation never blocks on
// Redis availability.
func GenerateCLOID(ctx context.Context, seq SequenceProvider, symbol string, posSide string) string {
	sym := strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
	side := strings.ToUpper(posSide)
	now := time.Now().UTC()
	ts := now.Format("20060102150405")
	return fmt.Sprintf("%s_%s_%s_%s", sym, side, ts, suffix(ctx, seq, ts))
}

func suffix(ctx context.Context, seq SequenceProvider, secondKey string) string {
	if seq != nil && seq.IsHealthy() {
		if n, err := seq.NextSeq(ctx, secondKey); err == nil {
			return fmt.Sprintf("%08x", n)
		}
	}
	return shortUniqueSuffix()
}

func shortUniqueSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		n := atomic.AddUint64(&fallbackCounter, 1)
		return fmt.Sprintf("%08x", n)
	}
	return hex.EncodeToString(b)
}
