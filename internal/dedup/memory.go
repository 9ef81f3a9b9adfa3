package dedup

import (
	"context"
	"sync"
	"time"

	"okx-reconcile-engine/internal/logging"
)

// entry is a single tracked key with the time it should expire.
type entry struct {
	expiresAt time.Time
}

// MemoryRegistry is the in-memory fallback Registry, grounded on the donor
// app's ChainTracker: a mutex-guarded map with a background sweeper instead
// of per-key timers. Used when config.DedupConfig.UseRedis is false, or as
// the registry for tests.
type MemoryRegistry struct {
	cfg Config

	mu        sync.Mutex
	inflight  map[string]entry
	processed map[string]entry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMemoryRegistry starts the sweeper goroutine immediately; callers must
// call Close to stop it.
func NewMemoryRegistry(cfg Config) *MemoryRegistry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	r := &MemoryRegistry{
		cfg:       cfg,
		inflight:  make(map[string]entry),
		processed: make(map[string]entry),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *MemoryRegistry) TryClaim(_ context.Context, key Key) (bool, error) {
	k := key.String()
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.inflight[k]; ok && e.expiresAt.After(now) {
		return false, nil
	}
	if e, ok := r.processed[k]; ok && e.expiresAt.After(now) {
		return false, nil
	}
	r.inflight[k] = entry{expiresAt: now.Add(r.cfg.InflightTTL)}
	return true, nil
}

func (r *MemoryRegistry) MarkProcessed(_ context.Context, key Key) error {
	k := key.String()
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inflight, k)
	r.processed[k] = entry{expiresAt: now.Add(r.cfg.processedTTL(key.Kind))}
	return nil
}

func (r *MemoryRegistry) IsProcessed(_ context.Context, key Key) (bool, error) {
	k := key.String()
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.processed[k]
	return ok && e.expiresAt.After(now), nil
}

func (r *MemoryRegistry) Close() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
	return nil
}

func (r *MemoryRegistry) sweepLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	log := logging.Default().WithComponent("dedup")

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(log)
		}
	}
}

func (r *MemoryRegistry) sweep(log *logging.Logger) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, e := range r.inflight {
		if !e.expiresAt.After(now) {
			delete(r.inflight, k)
		}
	}
	evicted := 0
	for k, e := range r.processed {
		if !e.expiresAt.After(now) {
			delete(r.processed, k)
			evicted++
		}
	}
	if evicted > 0 {
		log.WithField("evicted", evicted).Debug("swept expired dedup keys")
	}
}
