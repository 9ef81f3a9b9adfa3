package reconcile

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"okx-reconcile-engine/internal/events"
	"okx-reconcile-engine/internal/ledger"
	"okx-reconcile-engine/internal/model"
	"okx-reconcile-engine/internal/store"
)

func newTestEngine() (*Engine, *ledger.Ledger, *store.MemoryJournalStore) {
	ts := store.NewMemoryTradeStore()
	js := store.NewMemoryJournalStore()
	l := ledger.New(ts, js, nil, nil, events.NewBus(), zerolog.Nop())
	return New(l, zerolog.Nop()), l, js
}

func TestOnOrderFillAppliesToLedger(t *testing.T) {
	e, l, _ := newTestEngine()
	ctx := context.Background()
	cloid, _ := l.Open(ctx, "BTC-USDT-SWAP", model.PosSideLong, 10, "", "", "")

	e.OnOrderFill(ctx, "oid1", cloid, 1, 100)

	trade, err := l.GetByCloid(ctx, cloid)
	if err != nil || trade.CurrentSize != 1 {
		t.Fatalf("expected fill applied, got trade=%+v err=%v", trade, err)
	}
}

func TestOnPositionChangeResolvesUnboundTradeBySymbolAndSide(t *testing.T) {
	e, l, _ := newTestEngine()
	ctx := context.Background()
	cloid, _ := l.Open(ctx, "ETH-USDT-SWAP", model.PosSideLong, 5, "", "", "")
	_ = l.ApplyFill(ctx, cloid, "oid1", 1, 3000)

	e.OnPositionChange(ctx, model.CloseEvent{
		PID: "P1", Symbol: "ETH-USDT-SWAP", PosSide: model.PosSideLong,
		CloseAmount: 1, IsFullClose: true, UTime: 1700000000001,
	})

	trade, err := l.GetByPid(ctx, "P1")
	if err != nil {
		t.Fatalf("expected P1 resolved and bound, got error: %v", err)
	}
	if trade.CLOID != cloid || trade.State != model.TradeStateClosed {
		t.Fatalf("expected trade %s closed, got %+v", cloid, trade)
	}
}

func TestOnPositionChangeRecordsOrphanWhenUnresolvable(t *testing.T) {
	e, _, journal := newTestEngine()
	ctx := context.Background()

	e.OnPositionChange(ctx, model.CloseEvent{
		PID: "Punknown", Symbol: "SOL-USDT-SWAP", PosSide: model.PosSideLong,
		CloseAmount: 2, IsFullClose: true, UTime: 1700000000002,
	})

	rows := journal.Rows()
	if len(rows) != 1 || rows[0].CLOID != "" || rows[0].Type != model.ActionExternalClose {
		t.Fatalf("expected a single orphan EXTERNAL_CLOSE row with cloid=\"\", got %+v", rows)
	}
}

func TestOnPositionChangeIsNoOpWhenTradeAlreadyClosed(t *testing.T) {
	e, l, journal := newTestEngine()
	ctx := context.Background()
	cloid, _ := l.Open(ctx, "BTC-USDT-SWAP", model.PosSideLong, 10, "", "", "")
	_ = l.ApplyFill(ctx, cloid, "oid1", 1, 100)
	_ = l.BindPid(ctx, cloid, "P2")
	_ = l.ApplyExternalClose(ctx, cloid, 1, true, 1700000000001)

	before := len(journal.Rows())
	e.OnPositionChange(ctx, model.CloseEvent{
		PID: "P2", Symbol: "BTC-USDT-SWAP", PosSide: model.PosSideLong,
		CloseAmount: 0, IsFullClose: true, UTime: 1700000000002,
	})

	if len(journal.Rows()) != before {
		t.Fatalf("expected no new journal rows for an already-closed trade, got %d new rows", len(journal.Rows())-before)
	}
}

func TestOnOrderFillIgnoresMissingCloid(t *testing.T) {
	e, _, _ := newTestEngine()
	e.OnOrderFill(context.Background(), "oid1", "", 1, 100)
}
