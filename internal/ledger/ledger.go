// Package ledger implements the TradeLedger (C6): the cloid-keyed
// transactional surface the REST layer and the reconciliation engine share
// (§4.6). Mutations serialize through a mutex sharded by cloid, grounded on
// the donor's cache-first PositionTracker, generalized from a single global
// lock to per-key locks since the ledger explicitly calls out per-cloid
// serialization (§5).
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"okx-reconcile-engine/internal/events"
	"okx-reconcile-engine/internal/model"
	"okx-reconcile-engine/internal/store"
)

// ErrLedgerConflict is returned when a fill arrives for a cloid the ledger
// has never seen and cannot resolve via the stop/tp index (§7
// LedgerConflict: routed to the REST layer as a 5xx).
var ErrLedgerConflict = errors.New("ledger: fill for unknown cloid")

// ErrTradeNotFound is returned by read operations for an unknown cloid/pid.
var ErrTradeNotFound = errors.New("ledger: trade not found")

const intentTTL = 60 * time.Second

// AlgoCanceller is the subset of the exchange client the ledger needs on a
// full close. Defined locally so the ledger never imports internal/exchange
// — the same decoupling the donor used for SequenceProvider.
type AlgoCanceller interface {
	CancelAlgo(ctx context.Context, cloid string) error
}

// Ledger is the in-memory, cache-first TradeLedger. Reads are served from
// the cache; writes update the cache then persist (§4.6: "readers observe
// the in-memory state first").
type Ledger struct {
	tradeStore store.TradeStore
	journal    store.JournalStore
	algo       AlgoCanceller
	cloidSeq   SequenceProvider
	bus        *events.Bus
	log        zerolog.Logger

	cacheMu sync.RWMutex
	byCLOID map[string]*model.Trade
	byPID   map[string]string // pid -> cloid
	byExit  map[string]string // stopLossCloid/takeProfitCloid -> parent cloid

	lastCloseMu sync.Mutex
	lastClose   map[string]int64 // cloid -> last applied uTime, for applyExternalClose idempotence

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a Ledger. algo may be nil (algo-cancel calls are skipped and
// logged, matching the ExchangeRejection policy of never failing the close
// transition). cloidSeq may be nil (cloid generation always uses the
// crypto/rand fallback).
func New(tradeStore store.TradeStore, journal store.JournalStore, algo AlgoCanceller, cloidSeq SequenceProvider, bus *events.Bus, log zerolog.Logger) *Ledger {
	return &Ledger{
		tradeStore: tradeStore,
		journal:    journal,
		algo:       algo,
		cloidSeq:   cloidSeq,
		bus:        bus,
		log:        log.With().Str("component", "ledger").Logger(),
		byCLOID:    make(map[string]*model.Trade),
		byPID:      make(map[string]string),
		byExit:     make(map[string]string),
		lastClose:  make(map[string]int64),
		locks:      make(map[string]*sync.Mutex),
	}
}

// timeMutation returns a func to defer at the top of an exported mutator;
// it reports the mutation's wall time under op so internal/metrics can
// observe LedgerMutationTime without this package importing prometheus.
func (l *Ledger) timeMutation(op string) func() {
	start := time.Now()
	return func() {
		if l.bus != nil {
			l.bus.PublishLedgerMutation(op, time.Since(start).Seconds())
		}
	}
}

func (l *Ledger) lockFor(cloid string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[cloid]
	if !ok {
		m = &sync.Mutex{}
		l.locks[cloid] = m
	}
	return m
}

// Open generates a cloid and writes a fresh OPEN trade with currentSize=0
// (§4.6).
func (l *Ledger) Open(ctx context.Context, symbol string, posSide model.PosSide, leverage float64, signalID, slCLOID, tpCLOID string) (string, error) {
	defer l.timeMutation("open")()
	cloid := GenerateCLOID(ctx, l.cloidSeq, symbol, string(posSide))
	trade := &model.Trade{
		CLOID:           cloid,
		Symbol:          symbol,
		PosSide:         posSide,
		SignalID:        signalID,
		Leverage:        leverage,
		StopLossCLOID:   slCLOID,
		TakeProfitCLOID: tpCLOID,
		State:           model.TradeStateOpen,
		OpenedAt:        time.Now(),
	}

	l.cacheMu.Lock()
	l.byCLOID[cloid] = trade
	if slCLOID != "" {
		l.byExit[slCLOID] = cloid
	}
	if tpCLOID != "" {
		l.byExit[tpCLOID] = cloid
	}
	l.cacheMu.Unlock()

	if err := l.tradeStore.Upsert(ctx, *trade); err != nil {
		l.log.Error().Err(err).Str("cloid", cloid).Msg("trade upsert failed on open")
	}
	return cloid, nil
}

// RecordSubmit associates oid with cloid and writes a pending journal row
// (§4.6).
func (l *Ledger) RecordSubmit(ctx context.Context, cloid, oid string, actionType model.ActionType) error {
	defer l.timeMutation("record_submit")()
	lock := l.lockFor(cloid)
	lock.Lock()
	defer lock.Unlock()

	trade := l.lookupLocked(cloid)
	if trade == nil {
		return ErrTradeNotFound
	}

	return l.journal.Append(ctx, model.TradeAction{
		ID:       uuid.NewString(),
		CLOID:    cloid,
		SignalID: trade.SignalID,
		Symbol:   trade.Symbol,
		PosSide:  trade.PosSide,
		Type:     actionType,
		Source:   model.SourceLocal,
		OID:      oid,
		Amount:   0,
		Ts:       time.Now(),
	})
}

// BindPid stores pid -> cloid on the first fill that reports one (§4.5,
// §4.6, invariant 4: never silently overwritten).
func (l *Ledger) BindPid(ctx context.Context, cloid, pid string) error {
	if pid == "" {
		return nil
	}
	defer l.timeMutation("bind_pid")()
	lock := l.lockFor(cloid)
	lock.Lock()
	defer lock.Unlock()

	trade := l.lookupLocked(cloid)
	if trade == nil {
		return ErrTradeNotFound
	}

	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()

	if existing, ok := l.byPID[pid]; ok && existing != cloid {
		l.log.Warn().Str("pid", pid).Str("existing_cloid", existing).Str("new_cloid", cloid).
			Msg("pid already bound to a different cloid, ignoring")
		return nil
	}
	if trade.PID != "" {
		return nil // idempotent: already bound
	}

	trade.PID = pid
	l.byPID[pid] = cloid
	if err := l.tradeStore.Upsert(ctx, *trade); err != nil {
		l.log.Error().Err(err).Str("cloid", cloid).Msg("trade upsert failed on bindPid")
	}
	return nil
}

// ApplyFill implements ReconciliationEngine.onOrderFill's ledger-side
// effects (§4.5). cloid may be the trade's own entry cloid (OPEN/ADD) or a
// stop/tp exit cloid (REDUCE/CLOSE).
func (l *Ledger) ApplyFill(ctx context.Context, cloid, oid string, fillSz, fillPx float64) error {
	defer l.timeMutation("apply_fill")()
	l.cacheMu.RLock()
	parentCloid := cloid
	isExit := false
	if _, ok := l.byCLOID[cloid]; !ok {
		if parent, ok := l.byExit[cloid]; ok {
			parentCloid = parent
			isExit = true
		}
	}
	l.cacheMu.RUnlock()

	lock := l.lockFor(parentCloid)
	lock.Lock()
	defer lock.Unlock()

	trade := l.lookupLocked(parentCloid)
	if trade == nil {
		if l.bus != nil {
			l.bus.PublishLedgerConflict(oid, cloid)
		}
		_ = l.journal.Append(ctx, model.TradeAction{
			ID:     uuid.NewString(),
			Type:   model.ActionExternalClose,
			Source: model.SourceOrphan,
			OID:    oid,
			Amount: fillSz,
			Ts:     time.Now(),
		})
		return ErrLedgerConflict
	}

	var actionType model.ActionType
	if isExit {
		actionType = model.ActionReduce
		if fillSz >= trade.CurrentSize {
			actionType = model.ActionClose
		}
		trade.CurrentSize -= fillSz
		if trade.CurrentSize < 0 {
			trade.CurrentSize = 0
		}
		if trade.CurrentSize == 0 {
			l.closeTrade(ctx, trade)
		}
	} else {
		if trade.CurrentSize == 0 {
			actionType = model.ActionOpen
		} else {
			actionType = model.ActionAdd
		}
		newSize := trade.CurrentSize + fillSz
		if newSize > 0 {
			trade.EntryPrice = (trade.EntryPrice*trade.CurrentSize + fillPx*fillSz) / newSize
		}
		trade.CurrentSize = newSize
	}

	if err := l.tradeStore.Upsert(ctx, *trade); err != nil {
		l.log.Error().Err(err).Str("cloid", parentCloid).Msg("trade upsert failed on applyFill")
	}
	if err := l.journal.Append(ctx, model.TradeAction{
		ID:       uuid.NewString(),
		CLOID:    parentCloid,
		SignalID: trade.SignalID,
		Symbol:   trade.Symbol,
		PosSide:  trade.PosSide,
		Type:     actionType,
		Source:   model.SourceStream,
		OID:      oid,
		Amount:   fillSz,
		Ts:       time.Now(),
	}); err != nil {
		l.log.Error().Err(err).Str("cloid", parentCloid).Msg("journal append failed on applyFill")
	}
	if l.bus != nil {
		l.bus.PublishOrderUpdate(oid, parentCloid, trade.Symbol, string(actionType))
	}
	return nil
}

// ApplyExternalClose implements the ledger-side effects of
// ReconciliationEngine.onPositionChange for a resolved cloid (§4.5).
// Idempotent on (cloid, uTime): a replayed call with an already-applied or
// older uTime is a no-op (testable property 7).
func (l *Ledger) ApplyExternalClose(ctx context.Context, cloid string, amount float64, isFullClose bool, uTime int64) error {
	defer l.timeMutation("apply_external_close")()
	lock := l.lockFor(cloid)
	lock.Lock()
	defer lock.Unlock()

	l.lastCloseMu.Lock()
	last, seen := l.lastClose[cloid]
	if seen && uTime <= last {
		l.lastCloseMu.Unlock()
		return nil
	}
	l.lastClose[cloid] = uTime
	l.lastCloseMu.Unlock()

	trade := l.lookupLocked(cloid)
	if trade == nil {
		return ErrTradeNotFound
	}

	now := time.Now()
	actionType := model.ActionExternalClose
	if trade.HasOpenIntent(now) {
		actionType = model.ActionClose
		trade.Intent = model.IntentNone
	}

	trade.CurrentSize -= amount
	if trade.CurrentSize < 0 {
		trade.CurrentSize = 0
	}
	if isFullClose || trade.CurrentSize == 0 {
		l.closeTrade(ctx, trade)
	}

	if err := l.tradeStore.Upsert(ctx, *trade); err != nil {
		l.log.Error().Err(err).Str("cloid", cloid).Msg("trade upsert failed on applyExternalClose")
	}
	if err := l.journal.Append(ctx, model.TradeAction{
		ID:       uuid.NewString(),
		CLOID:    cloid,
		SignalID: trade.SignalID,
		Symbol:   trade.Symbol,
		PosSide:  trade.PosSide,
		Type:     actionType,
		Source:   model.SourceStream,
		Amount:   amount,
		Ts:       time.UnixMilli(uTime),
	}); err != nil {
		l.log.Error().Err(err).Str("cloid", cloid).Msg("journal append failed on applyExternalClose")
	}
	if l.bus != nil {
		l.bus.PublishTradeClosed(cloid, trade.Symbol, amount, actionType == model.ActionExternalClose)
	}
	return nil
}

// RecordOrphanClose journals a close event the engine could not correlate
// to any cloid (§4.5: "record an EXTERNAL_CLOSE journal entry with
// cloid=null for audit") and publishes it on the bus so subscribers (e.g.
// internal/metrics) see orphaned closes alongside resolved ones.
func (l *Ledger) RecordOrphanClose(ctx context.Context, pid string, symbol string, amount float64, isFullClose bool) error {
	defer l.timeMutation("record_orphan_close")()
	err := l.journal.Append(ctx, model.TradeAction{
		ID:     uuid.NewString(),
		CLOID:  "",
		Symbol: symbol,
		Type:   model.ActionExternalClose,
		Source: model.SourceOrphan,
		Amount: amount,
		Ts:     time.Now(),
	})
	if l.bus != nil {
		l.bus.PublishExternalClose("", pid, amount, isFullClose)
	}
	return err
}

// closeTrade transitions trade to CLOSED and best-effort cancels its
// stop/tp algos. Must be called with the trade's lock held.
func (l *Ledger) closeTrade(ctx context.Context, trade *model.Trade) {
	trade.State = model.TradeStateClosed
	trade.ClosedAt = time.Now()

	if l.algo == nil {
		return
	}
	for _, exitCLOID := range []string{trade.StopLossCLOID, trade.TakeProfitCLOID} {
		if exitCLOID == "" {
			continue
		}
		if err := l.algo.CancelAlgo(ctx, exitCLOID); err != nil {
			l.log.Warn().Err(err).Str("cloid", trade.CLOID).Str("exit_cloid", exitCLOID).
				Msg("cancelAlgo failed on trade close")
			if l.bus != nil {
				l.bus.PublishAlgoCancelFailed(trade.CLOID, exitCLOID)
			}
		}
	}
}

// MarkIntent sets a pending-intent flag with a 60s expiry so the
// reconciliation engine can tell a self-inflicted close from an external
// one (§4.5 correlation hazard).
func (l *Ledger) MarkIntent(ctx context.Context, cloid string, intent model.Intent) error {
	defer l.timeMutation("mark_intent")()
	lock := l.lockFor(cloid)
	lock.Lock()
	defer lock.Unlock()

	trade := l.lookupLocked(cloid)
	if trade == nil {
		return ErrTradeNotFound
	}

	now := time.Now()
	trade.Intent = intent
	trade.IntentSetAt = now
	trade.IntentExpires = now.Add(intentTTL)
	if trade.State == model.TradeStateOpen && intent == model.IntentClose {
		trade.State = model.TradeStateClosing
	}

	if err := l.tradeStore.Upsert(ctx, *trade); err != nil {
		l.log.Error().Err(err).Str("cloid", cloid).Msg("trade upsert failed on markIntent")
	}
	return nil
}

// GetByCloid reads the cache-first trade state for cloid. It acquires
// cloid's per-key lock before reading the cached *Trade's fields, the same
// lock every mutator holds while writing them (§5: TradeLedger sharded by
// cloid) — a bare cacheMu.RLock only protects the map, not the struct it
// points to.
func (l *Ledger) GetByCloid(ctx context.Context, cloid string) (*model.Trade, error) {
	lock := l.lockFor(cloid)
	lock.Lock()
	defer lock.Unlock()

	if trade := l.lookupLocked(cloid); trade != nil {
		cp := *trade
		return &cp, nil
	}

	persisted, found, err := l.tradeStore.GetByCLOID(ctx, cloid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrTradeNotFound
	}
	l.cacheMu.Lock()
	l.byCLOID[cloid] = persisted
	l.cacheMu.Unlock()
	return persisted, nil
}

// GetByPid resolves pid to its bound cloid and returns that trade, or
// ErrTradeNotFound if pid has never been bound.
func (l *Ledger) GetByPid(ctx context.Context, pid string) (*model.Trade, error) {
	l.cacheMu.RLock()
	cloid, ok := l.byPID[pid]
	l.cacheMu.RUnlock()
	if !ok {
		return nil, ErrTradeNotFound
	}
	return l.GetByCloid(ctx, cloid)
}

// FindUnboundOpenTrade resolves a position event to a trade the ledger has
// not yet bound a pid for, by (symbol, posSide), per §4.5: "subsequent
// positions events for the same (symbol, posSide) resolve to that cloid"
// once the binding exists — this is the first-observation path that
// creates it.
func (l *Ledger) FindUnboundOpenTrade(symbol string, posSide model.PosSide) (*model.Trade, bool) {
	l.cacheMu.RLock()
	candidates := make([]*model.Trade, 0, len(l.byCLOID))
	for _, trade := range l.byCLOID {
		candidates = append(candidates, trade)
	}
	l.cacheMu.RUnlock()

	// Candidates are scanned one at a time under each trade's own per-cloid
	// lock so no two locks are ever held at once — the same discipline
	// ApplyFill uses when it releases cacheMu before taking lockFor.
	var best *model.Trade
	for _, trade := range candidates {
		lock := l.lockFor(trade.CLOID)
		lock.Lock()
		match := trade.PID == "" && trade.Symbol == symbol && trade.PosSide == posSide &&
			trade.State != model.TradeStateClosed
		if match && (best == nil || trade.OpenedAt.Before(best.OpenedAt)) {
			cp := *trade
			best = &cp
		}
		lock.Unlock()
	}
	return best, best != nil
}

// lookupLocked returns the cached trade for cloid, assuming the caller
// already holds cloid's per-key lock.
func (l *Ledger) lookupLocked(cloid string) *model.Trade {
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()
	return l.byCLOID[cloid]
}
