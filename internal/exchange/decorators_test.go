package exchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingClient struct {
	calls     atomic.Int64
	failUntil int64
}

func (c *countingClient) SubmitOrder(_ context.Context, _ OrderRequest) (string, error) {
	n := c.calls.Add(1)
	if n <= c.failUntil {
		return "", errors.New("boom")
	}
	return "oid", nil
}
func (c *countingClient) CancelOrder(_ context.Context, _ string) error { return nil }
func (c *countingClient) PlaceAlgo(_ context.Context, _, _, _ string, _ float64) (string, error) {
	return "algo", nil
}
func (c *countingClient) CancelAlgo(_ context.Context, _ string) error  { return nil }
func (c *countingClient) SetLeverage(_ context.Context, _ string, _ float64) error { return nil }

func TestRateLimitedClientEnforcesMinInterval(t *testing.T) {
	inner := &countingClient{}
	rl := NewRateLimitedClient(inner, 100, time.Second, 20*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := rl.SubmitOrder(context.Background(), OrderRequest{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 40*time.Millisecond {
		t.Fatalf("expected at least 2 min-interval gaps (~40ms), got %v", elapsed)
	}
}

func TestBreakerClientRetriesTransientFailures(t *testing.T) {
	inner := &countingClient{failUntil: 2}
	bc := NewBreakerClient(inner, "test", time.Second, 3)

	oid, err := bc.SubmitOrder(context.Background(), OrderRequest{})
	if err != nil {
		t.Fatalf("expected eventual success after retries, got error: %v", err)
	}
	if oid != "oid" {
		t.Fatalf("unexpected oid: %s", oid)
	}
	if inner.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", inner.calls.Load())
	}
}

func TestBreakerClientGivesUpAfterMaxRetries(t *testing.T) {
	inner := &countingClient{failUntil: 1000}
	bc := NewBreakerClient(inner, "test2", time.Second, 2)

	_, err := bc.SubmitOrder(context.Background(), OrderRequest{})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}
