package streams

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"okx-reconcile-engine/internal/dedup"
	"okx-reconcile-engine/internal/events"
	"okx-reconcile-engine/internal/model"
	"okx-reconcile-engine/internal/store"
	"okx-reconcile-engine/internal/transport"
)

type fakeFillSink struct {
	mu    sync.Mutex
	fills []fillCall
}

type fillCall struct {
	oid, cloid   string
	fillSz, px   float64
}

func (f *fakeFillSink) OnOrderFill(_ context.Context, oid, cloid string, fillSz, fillPx float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills = append(f.fills, fillCall{oid: oid, cloid: cloid, fillSz: fillSz, px: fillPx})
}

func (f *fakeFillSink) calls() []fillCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fillCall, len(f.fills))
	copy(out, f.fills)
	return out
}

func testDedupConfig() dedup.Config {
	return dedup.Config{
		InflightTTL:     5 * time.Second,
		ProcessedTTLOrd: time.Minute,
		ProcessedTTLPos: time.Minute,
		SweepInterval:   time.Hour,
	}
}

func newTestOrderStream(t *testing.T, sink FillSink) (*OrderStream, *store.MemoryOrderStore, dedup.Registry) {
	t.Helper()
	reg := dedup.NewMemoryRegistry(testDedupConfig())
	t.Cleanup(func() { _ = reg.Close() })
	st := store.NewMemoryOrderStore()
	s := NewOrderStream(10, 1, reg, st, sink, events.NewBus(), zerolog.Nop())
	s.Start()
	t.Cleanup(s.Stop)
	return s, st, reg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestOrderStreamPersistsNormalizedOrder(t *testing.T) {
	sink := &fakeFillSink{}
	s, st, _ := newTestOrderStream(t, sink)

	s.HandleFrame(context.Background(), transport.OrderFrame{
		Channel: "orders",
		Data: []transport.OrderData{{
			OrdId: "1", ClOrdId: "c1", InstId: "BTC-USDT-SWAP", Side: "buy",
			PosSide: "long", OrdType: "limit", Px: "100", Sz: "1",
			State: "live", UTime: "1000", CTime: "1000",
		}},
	})

	waitFor(t, func() bool {
		o, ok, _ := st.GetByOID(context.Background(), "1")
		return ok && o.State == model.OrderStateLive
	})
}

func TestOrderStreamInvokesFillSinkOnFilledState(t *testing.T) {
	sink := &fakeFillSink{}
	s, _, _ := newTestOrderStream(t, sink)

	s.HandleFrame(context.Background(), transport.OrderFrame{
		Channel: "orders",
		Data: []transport.OrderData{{
			OrdId: "2", ClOrdId: "c2", InstId: "BTC-USDT-SWAP", Side: "sell",
			PosSide: "long", OrdType: "market", FillPx: "101", AccFillSz: "2",
			State: "filled", UTime: "2000", CTime: "1000",
		}},
	})

	waitFor(t, func() bool { return len(sink.calls()) == 1 })
	c := sink.calls()[0]
	if c.oid != "2" || c.cloid != "c2" || c.fillSz != 2 || c.px != 101 {
		t.Fatalf("unexpected fill call: %+v", c)
	}
}

func TestOrderStreamSkipsFillSinkOnLiveState(t *testing.T) {
	sink := &fakeFillSink{}
	s, st, _ := newTestOrderStream(t, sink)

	s.HandleFrame(context.Background(), transport.OrderFrame{
		Channel: "orders",
		Data: []transport.OrderData{{
			OrdId: "3", ClOrdId: "c3", InstId: "BTC-USDT-SWAP", Side: "buy",
			PosSide: "long", OrdType: "limit", State: "live", UTime: "1000", CTime: "1000",
		}},
	})

	waitFor(t, func() bool {
		_, ok, _ := st.GetByOID(context.Background(), "3")
		return ok
	})
	if len(sink.calls()) != 0 {
		t.Fatalf("expected no fill calls, got %d", len(sink.calls()))
	}
}

func TestOrderStreamDropsDuplicateOidUTime(t *testing.T) {
	sink := &fakeFillSink{}
	s, _, _ := newTestOrderStream(t, sink)

	frame := transport.OrderFrame{
		Channel: "orders",
		Data: []transport.OrderData{{
			OrdId: "4", ClOrdId: "c4", InstId: "BTC-USDT-SWAP", Side: "buy",
			PosSide: "long", OrdType: "market", AccFillSz: "1", FillPx: "100",
			State: "filled", UTime: "3000", CTime: "1000",
		}},
	}

	s.HandleFrame(context.Background(), frame)
	s.HandleFrame(context.Background(), frame)

	waitFor(t, func() bool { return len(sink.calls()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if len(sink.calls()) != 1 {
		t.Fatalf("expected exactly 1 fill call for duplicate frames, got %d", len(sink.calls()))
	}
}

func TestOrderStreamDropsNewestOnFullQueue(t *testing.T) {
	reg := dedup.NewMemoryRegistry(testDedupConfig())
	t.Cleanup(func() { _ = reg.Close() })
	st := store.NewMemoryOrderStore()
	// No Start(): queue fills up since nothing drains it.
	s := NewOrderStream(1, 1, reg, st, nil, events.NewBus(), zerolog.Nop())

	var uTimes []string
	for i := 0; i < 3; i++ {
		uTime := time.Now().Format(time.RFC3339Nano) + string(rune('a'+i))
		uTimes = append(uTimes, uTime)
		s.HandleFrame(context.Background(), transport.OrderFrame{
			Channel: "orders",
			Data: []transport.OrderData{{
				OrdId: "oid", State: "live", UTime: uTime,
			}},
		})
	}

	if len(s.queue) > 1 {
		t.Fatalf("queue should never exceed its depth, got %d", len(s.queue))
	}
	if len(s.queue) != 1 {
		t.Fatalf("expected the first frame to stay queued, got queue length %d", len(s.queue))
	}
	if kept := (<-s.queue).data.UTime; kept != uTimes[0] {
		t.Fatalf("expected the oldest frame %q to be kept and newer ones dropped, got %q", uTimes[0], kept)
	}
}
