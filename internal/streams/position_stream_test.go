package streams

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"okx-reconcile-engine/internal/dedup"
	"okx-reconcile-engine/internal/events"
	"okx-reconcile-engine/internal/model"
	"okx-reconcile-engine/internal/store"
	"okx-reconcile-engine/internal/transport"
)

type fakeCloseSink struct {
	mu     sync.Mutex
	events []model.CloseEvent
}

func (f *fakeCloseSink) OnPositionChange(_ context.Context, event model.CloseEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeCloseSink) calls() []model.CloseEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.CloseEvent, len(f.events))
	copy(out, f.events)
	return out
}

func newTestPositionStream(t *testing.T, sink CloseSink) (*PositionStream, *store.MemoryPositionStore) {
	t.Helper()
	reg := dedup.NewMemoryRegistry(testDedupConfig())
	t.Cleanup(func() { _ = reg.Close() })
	st := store.NewMemoryPositionStore()
	s := NewPositionStream(10, reg, st, sink, events.NewBus(), zerolog.Nop())
	s.Start()
	t.Cleanup(s.Stop)
	return s, st
}

func TestPositionStreamNoCloseOnIncreasingSize(t *testing.T) {
	sink := &fakeCloseSink{}
	s, st := newTestPositionStream(t, sink)

	s.HandleFrame(context.Background(), transport.PositionFrame{
		Channel: "positions",
		Data: []transport.PositionData{{
			PosId: "p1", InstId: "BTC-USDT-SWAP", PosSide: "long",
			Pos: "1", AvgPx: "100", UTime: "1000",
		}},
	})
	s.HandleFrame(context.Background(), transport.PositionFrame{
		Channel: "positions",
		Data: []transport.PositionData{{
			PosId: "p1", InstId: "BTC-USDT-SWAP", PosSide: "long",
			Pos: "2", AvgPx: "100", UTime: "2000",
		}},
	})

	waitFor(t, func() bool { return len(st.Rows()) == 2 })
	if len(sink.calls()) != 0 {
		t.Fatalf("expected no close events on size increase, got %d", len(sink.calls()))
	}
}

func TestPositionStreamEmitsPartialClose(t *testing.T) {
	sink := &fakeCloseSink{}
	s, _ := newTestPositionStream(t, sink)

	s.HandleFrame(context.Background(), transport.PositionFrame{
		Channel: "positions",
		Data: []transport.PositionData{{
			PosId: "p2", InstId: "BTC-USDT-SWAP", PosSide: "long",
			Pos: "5", AvgPx: "100", UTime: "1000",
		}},
	})
	waitFor(t, func() bool { return len(sink.calls()) == 0 }) // sanity: nothing yet

	s.HandleFrame(context.Background(), transport.PositionFrame{
		Channel: "positions",
		Data: []transport.PositionData{{
			PosId: "p2", InstId: "BTC-USDT-SWAP", PosSide: "long",
			Pos: "3", AvgPx: "100", UTime: "2000",
		}},
	})

	waitFor(t, func() bool { return len(sink.calls()) == 1 })
	ev := sink.calls()[0]
	if ev.CloseAmount != 2 || ev.IsFullClose {
		t.Fatalf("expected partial close of 2, got %+v", ev)
	}
}

func TestPositionStreamEmitsFullClose(t *testing.T) {
	sink := &fakeCloseSink{}
	s, _ := newTestPositionStream(t, sink)

	s.HandleFrame(context.Background(), transport.PositionFrame{
		Channel: "positions",
		Data: []transport.PositionData{{
			PosId: "p3", InstId: "BTC-USDT-SWAP", PosSide: "short",
			Pos: "-4", AvgPx: "100", UTime: "1000",
		}},
	})
	s.HandleFrame(context.Background(), transport.PositionFrame{
		Channel: "positions",
		Data: []transport.PositionData{{
			PosId: "p3", InstId: "BTC-USDT-SWAP", PosSide: "short",
			Pos: "0", AvgPx: "0", UTime: "2000",
		}},
	})

	waitFor(t, func() bool { return len(sink.calls()) == 1 })
	ev := sink.calls()[0]
	if !ev.IsFullClose || ev.CloseAmount != 4 {
		t.Fatalf("expected full close of 4, got %+v", ev)
	}
}

func TestPositionStreamConservativeEmitOnUnknownPriorState(t *testing.T) {
	sink := &fakeCloseSink{}
	s, _ := newTestPositionStream(t, sink)

	s.HandleFrame(context.Background(), transport.PositionFrame{
		Channel: "positions",
		Data: []transport.PositionData{{
			PosId: "p4", InstId: "BTC-USDT-SWAP", PosSide: "net",
			Pos: "0", AvgPx: "0", UTime: "1000",
		}},
	})

	waitFor(t, func() bool { return len(sink.calls()) == 1 })
	if !sink.calls()[0].IsFullClose {
		t.Fatal("expected conservative full-close emission for pos=0 with no prior state")
	}
}

func TestPositionStreamTieBreaksDuplicateSnapshot(t *testing.T) {
	sink := &fakeCloseSink{}
	s, st := newTestPositionStream(t, sink)

	frame := transport.PositionFrame{
		Channel: "positions",
		Data: []transport.PositionData{{
			PosId: "p5", InstId: "BTC-USDT-SWAP", PosSide: "long",
			Pos: "1", AvgPx: "100", UTime: "1000",
		}},
	}
	s.HandleFrame(context.Background(), frame)
	s.HandleFrame(context.Background(), frame)

	waitFor(t, func() bool { return len(st.Rows()) >= 1 })
	if len(st.Rows()) != 1 {
		t.Fatalf("expected duplicate (pid,uTime) snapshot to be deduped, got %d rows", len(st.Rows()))
	}
}
