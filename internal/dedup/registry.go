package dedup

import (
	"context"
	"time"
)

// Registry is the concurrent processed/in-flight key set described in §4.2.
// A key never appears in both sets simultaneously; tryClaim is the only
// admission path into inflight. markProcessed moves a key out of it; a claim
// that is never marked processed expires after InflightTTL.
type Registry interface {
	// TryClaim reports whether key was neither in flight nor already
	// processed, claiming it atomically when true.
	TryClaim(ctx context.Context, key Key) (bool, error)
	// MarkProcessed moves key from inflight to processed.
	MarkProcessed(ctx context.Context, key Key) error
	// IsProcessed reports whether key has already been fully processed.
	IsProcessed(ctx context.Context, key Key) (bool, error)
	// Close stops the registry's background sweeper, if any.
	Close() error
}

// Config carries the TTLs and sweep cadence from config.DedupConfig (§3.3,
// §5 Timeouts).
type Config struct {
	InflightTTL     time.Duration
	ProcessedTTLOrd time.Duration
	ProcessedTTLPos time.Duration
	SweepInterval   time.Duration
}

func (c Config) processedTTL(kind Kind) time.Duration {
	if kind == KindOrder {
		return c.ProcessedTTLOrd
	}
	return c.ProcessedTTLPos
}
