package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeSequenceProvider struct {
	healthy bool
	next    int64
	err     error
}

func (f *fakeSequenceProvider) NextSeq(_ context.Context, _ string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	return f.next, nil
}

func (f *fakeSequenceProvider) IsHealthy() bool { return f.healthy }

func TestGenerateCLOIDUsesSequenceWhenHealthy(t *testing.T) {
	seq := &fakeSequenceProvider{healthy: true}
	cloid := GenerateCLOID(context.Background(), seq, "BTC-USDT-SWAP", "long")

	parts := strings.Split(cloid, "_")
	if len(parts) != 4 {
		t.Fatalf("expected 4 underscore-separated segments, got %q", cloid)
	}
	if parts[0] != "BTCUSDTSWAP" || parts[1] != "LONG" {
		t.Fatalf("unexpected symbol/side segments: %+v", parts)
	}
	if parts[3] != "00000001" {
		t.Fatalf("expected the sequence-derived suffix 00000001, got %s", parts[3])
	}
}

func TestGenerateCLOIDFallsBackWhenSequenceUnhealthy(t *testing.T) {
	seq := &fakeSequenceProvider{healthy: false}
	cloid := GenerateCLOID(context.Background(), seq, "BTC-USDT-SWAP", "long")

	parts := strings.Split(cloid, "_")
	if len(parts) != 4 {
		t.Fatalf("expected 4 underscore-separated segments, got %q", cloid)
	}
	if len(parts[3]) != 8 {
		t.Fatalf("expected an 8-hex-char crypto/rand suffix, got %s", parts[3])
	}
}

func TestGenerateCLOIDFallsBackWhenSequenceErrors(t *testing.T) {
	seq := &fakeSequenceProvider{healthy: true, err: errors.New("redis down")}
	cloid := GenerateCLOID(context.Background(), seq, "BTC-USDT-SWAP", "long")

	parts := strings.Split(cloid, "_")
	if len(parts) != 4 || len(parts[3]) != 8 {
		t.Fatalf("expected a well-formed fallback cloid, got %q", cloid)
	}
}

func TestGenerateCLOIDHandlesNilSequence(t *testing.T) {
	cloid := GenerateCLOID(context.Background(), nil, "ETH-USDT-SWAP", "short")
	if !strings.HasPrefix(cloid, "ETHUSDTSWAP_SHORT_") {
		t.Fatalf("unexpected cloid with nil sequence provider: %q", cloid)
	}
}
