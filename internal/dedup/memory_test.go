package dedup

import (
	"context"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		InflightTTL:     50 * time.Millisecond,
		ProcessedTTLOrd: 50 * time.Millisecond,
		ProcessedTTLPos: 50 * time.Millisecond,
		SweepInterval:   10 * time.Millisecond,
	}
}

func TestTryClaimFirstObservationSucceeds(t *testing.T) {
	r := NewMemoryRegistry(testConfig())
	defer r.Close()
	ctx := context.Background()

	key := Key{Kind: KindOrder, ID: "oid-1", UTime: "1700000000001"}

	claimed, err := r.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if !claimed {
		t.Fatal("expected first TryClaim to succeed")
	}
}

func TestTryClaimRejectsAlreadyInflight(t *testing.T) {
	r := NewMemoryRegistry(testConfig())
	defer r.Close()
	ctx := context.Background()
	key := Key{Kind: KindOrder, ID: "oid-1", UTime: "1700000000001"}

	if claimed, _ := r.TryClaim(ctx, key); !claimed {
		t.Fatal("expected first claim to succeed")
	}
	claimed, err := r.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if claimed {
		t.Error("expected second claim of the same key to fail")
	}
}

func TestMarkProcessedThenIsProcessed(t *testing.T) {
	r := NewMemoryRegistry(testConfig())
	defer r.Close()
	ctx := context.Background()
	key := Key{Kind: KindPosition, ID: "pid-1", UTime: "1700000000001"}

	if _, err := r.TryClaim(ctx, key); err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if err := r.MarkProcessed(ctx, key); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	processed, err := r.IsProcessed(ctx, key)
	if err != nil {
		t.Fatalf("IsProcessed failed: %v", err)
	}
	if !processed {
		t.Error("expected key to be processed")
	}
}

// TestKeyNeverInBothSets covers the invariant that a key never appears in
// both inflight and processed at once.
func TestKeyNeverInBothSets(t *testing.T) {
	r := NewMemoryRegistry(testConfig())
	defer r.Close()
	ctx := context.Background()
	key := Key{Kind: KindOrder, ID: "oid-2", UTime: "1700000000002"}

	if _, err := r.TryClaim(ctx, key); err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if err := r.MarkProcessed(ctx, key); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	r.mu.Lock()
	_, inInflight := r.inflight[key.String()]
	r.mu.Unlock()
	if inInflight {
		t.Error("key should have been removed from inflight after MarkProcessed")
	}
}

// TestReplayAfterProcessedIsRejected covers invariant 3 (§8): a processed
// key is never re-claimable until TTL expiry.
func TestReplayAfterProcessedIsRejected(t *testing.T) {
	r := NewMemoryRegistry(testConfig())
	defer r.Close()
	ctx := context.Background()
	key := Key{Kind: KindPosition, ID: "pid-3", UTime: "1700000000003"}

	if _, err := r.TryClaim(ctx, key); err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if err := r.MarkProcessed(ctx, key); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	claimed, err := r.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if claimed {
		t.Error("expected replay of a processed key to be rejected")
	}
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	cfg := testConfig()
	cfg.InflightTTL = 5 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	r := NewMemoryRegistry(cfg)
	defer r.Close()
	ctx := context.Background()
	key := Key{Kind: KindOrder, ID: "oid-4", UTime: "1700000000004"}

	if _, err := r.TryClaim(ctx, key); err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	claimed, err := r.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if !claimed {
		t.Error("expected key to be re-claimable once its inflight TTL and sweep have passed")
	}
}

func TestDifferentKindsHaveIndependentKeys(t *testing.T) {
	r := NewMemoryRegistry(testConfig())
	defer r.Close()
	ctx := context.Background()

	orderKey := Key{Kind: KindOrder, ID: "same-id", UTime: "1700000000005"}
	posKey := Key{Kind: KindPosition, ID: "same-id", UTime: "1700000000005"}

	if _, err := r.TryClaim(ctx, orderKey); err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	claimed, err := r.TryClaim(ctx, posKey)
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	if !claimed {
		t.Error("expected a position key to be independent of an order key with the same id/uTime")
	}
}
