// Package reconcile implements the ReconciliationEngine (C5): the
// correlator invoked from stream worker threads to apply order fills and
// position changes to the TradeLedger (§4.5).
package reconcile

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"okx-reconcile-engine/internal/ledger"
	"okx-reconcile-engine/internal/model"
)

// Engine implements streams.FillSink and streams.CloseSink structurally —
// it is never imported by the streams package, mirroring the donor's
// SequenceProvider decoupling.
type Engine struct {
	ledger *ledger.Ledger
	log    zerolog.Logger
}

// New builds a ReconciliationEngine over ledger.
func New(l *ledger.Ledger, log zerolog.Logger) *Engine {
	return &Engine{ledger: l, log: log.With().Str("component", "reconcile").Logger()}
}

// OnOrderFill is the streams.FillSink entry point (§4.5 onOrderFill).
func (e *Engine) OnOrderFill(ctx context.Context, oid, cloid string, fillSz, fillPx float64) {
	if cloid == "" {
		e.log.Warn().Str("oid", oid).Msg("order fill with no clOrdId, cannot correlate")
		return
	}

	if err := e.ledger.ApplyFill(ctx, cloid, oid, fillSz, fillPx); err != nil {
		if errors.Is(err, ledger.ErrLedgerConflict) {
			e.log.Warn().Str("oid", oid).Str("cloid", cloid).Msg("fill for unresolvable cloid, routed to orphan journal")
			return
		}
		e.log.Error().Err(err).Str("oid", oid).Str("cloid", cloid).Msg("applyFill failed")
	}
}

// OnPositionChange is the streams.CloseSink entry point (§4.5
// onPositionChange).
func (e *Engine) OnPositionChange(ctx context.Context, event model.CloseEvent) {
	trade, err := e.ledger.GetByPid(ctx, event.PID)
	if errors.Is(err, ledger.ErrTradeNotFound) {
		resolved, found := e.ledger.FindUnboundOpenTrade(event.Symbol, event.PosSide)
		if !found {
			if recErr := e.ledger.RecordOrphanClose(ctx, event.PID, event.Symbol, event.CloseAmount, event.IsFullClose); recErr != nil {
				e.log.Error().Err(recErr).Str("pid", event.PID).Msg("failed to record orphan close")
			}
			return
		}
		if bindErr := e.ledger.BindPid(ctx, resolved.CLOID, event.PID); bindErr != nil {
			e.log.Error().Err(bindErr).Str("pid", event.PID).Str("cloid", resolved.CLOID).Msg("bindPid failed")
		}
		trade = resolved
	} else if err != nil {
		e.log.Error().Err(err).Str("pid", event.PID).Msg("getByPid failed")
		return
	}

	if trade.State == model.TradeStateClosed {
		return // already closed locally; a replayed or late snapshot is a safe no-op
	}

	if err := e.ledger.ApplyExternalClose(ctx, trade.CLOID, event.CloseAmount, event.IsFullClose, event.UTime); err != nil {
		e.log.Error().Err(err).Str("cloid", trade.CLOID).Msg("applyExternalClose failed")
	}
}
