// Package model holds the entities shared by the streams, the reconciler,
// and the ledger: orders, position snapshots, and logical trades (§3).
package model

import "time"

// Side is the order side the exchange reports.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PosSide is the position mode the exchange reports. Net accounts report
// "net"; hedge-mode accounts report "long"/"short".
type PosSide string

const (
	PosSideLong  PosSide = "long"
	PosSideShort PosSide = "short"
	PosSideNet   PosSide = "net"
)

// OrdType is the order type the exchange reports.
type OrdType string

const (
	OrdTypeMarket   OrdType = "market"
	OrdTypeLimit    OrdType = "limit"
	OrdTypePostOnly OrdType = "post_only"
	OrdTypeFOK      OrdType = "fok"
	OrdTypeIOC      OrdType = "ioc"
	OrdTypeTrigger  OrdType = "trigger"
)

// OrderState is the lifecycle state of an individual order message.
// Transitions must be monotonic toward a terminal state (§3.1 invariant).
type OrderState string

const (
	OrderStateLive            OrderState = "live"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCanceled        OrderState = "canceled"
	OrderStateFailed          OrderState = "failed"
)

// IsTerminal reports whether state is one this order will never leave.
func (s OrderState) IsTerminal() bool {
	return s == OrderStateFilled || s == OrderStateCanceled || s == OrderStateFailed
}

// rank orders states for the monotonic-transition check; unknown states
// rank below everything so an unrecognized state never overwrites a known
// one.
var stateRank = map[OrderState]int{
	OrderStateLive:            0,
	OrderStatePartiallyFilled: 1,
	OrderStateFilled:          2,
	OrderStateCanceled:        2,
	OrderStateFailed:          2,
}

// Supersedes reports whether next is a valid forward transition from s —
// never overwrite a terminal state with an earlier one for the same oid
// (§4.3.b).
func (s OrderState) Supersedes(next OrderState) bool {
	if s.IsTerminal() {
		return false
	}
	rank := func(st OrderState) int {
		if r, ok := stateRank[st]; ok {
			return r
		}
		return -1
	}
	return rank(next) >= rank(s)
}

// Order is the per-oid record OrderStream upserts (§3.1).
type Order struct {
	OID        string
	CLOID      string // empty when the frame omitted clOrdId (§8 invariant 10)
	Symbol     string
	Side       Side
	PosSide    PosSide
	OrdType    OrdType
	Px         float64
	Sz         float64
	FillPx     float64
	FillSz     float64
	State      OrderState
	Leverage   float64
	MarginMode string
	Tag        string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PositionSnapshot is a single observation of a position, keyed by
// (pid, uTime); append-only (§3.1, §3.3).
type PositionSnapshot struct {
	PID        string
	Symbol     string
	PosSide    PosSide
	Pos        float64 // signed size
	AvailPos   float64
	AvgPx      float64
	UTime      int64 // ms
	MarkPx     float64
	Lever      float64
	MarginMode string
}

// TradeState is the lifecycle state of a logical trade (§4.5).
type TradeState string

const (
	TradeStateOpen    TradeState = "OPEN"
	TradeStateClosing TradeState = "CLOSING"
	TradeStateClosed  TradeState = "CLOSED"
)

// Intent is a pending locally-initiated transition recorded against a trade
// so the reconciler can tell a self-inflicted close from an external one
// (§4.5 correlation hazard).
type Intent string

const (
	IntentNone   Intent = ""
	IntentReduce Intent = "REDUCE"
	IntentClose  Intent = "CLOSE"
)

// Trade is the logical, cloid-keyed position record (§3.1).
type Trade struct {
	CLOID           string
	Symbol          string
	PosSide         PosSide
	SignalID        string
	CurrentSize     float64
	EntryPrice      float64 // size-weighted
	Leverage        float64
	StopLossCLOID   string
	TakeProfitCLOID string
	State           TradeState
	OpenedAt        time.Time
	ClosedAt        time.Time

	PID string // bound on first fill that reports one; empty until then

	Intent        Intent
	IntentSetAt   time.Time
	IntentExpires time.Time
}

// HasOpenIntent reports whether the trade has a live, unexpired intent flag
// at the given instant (§4.5: intent clears after 60s or on terminal
// transition).
func (t *Trade) HasOpenIntent(now time.Time) bool {
	return t.Intent != IntentNone && now.Before(t.IntentExpires)
}

// ActionType is the kind of TradeAction journal row (§3.1).
type ActionType string

const (
	ActionOpen          ActionType = "OPEN"
	ActionAdd           ActionType = "ADD"
	ActionReduce        ActionType = "REDUCE"
	ActionClose         ActionType = "CLOSE"
	ActionExternalClose ActionType = "EXTERNAL_CLOSE"
)

// ActionSource tags where a journal row's mutation originated (§12
// external-close event-source tagging), generalized from the donor's
// EventSourceExternal/Ginie/Manual/Binance/Trailing vocabulary down to this
// engine's three provenance buckets.
type ActionSource string

const (
	SourceStream ActionSource = "stream" // driven by an exchange order/position event
	SourceLocal  ActionSource = "local"  // driven by this engine's own submit/intent
	SourceOrphan ActionSource = "orphan" // could not be correlated to any cloid
)

// TradeAction is an append-only journal row (§3.1).
type TradeAction struct {
	ID       string
	CLOID    string // empty for orphaned external closes (§4.5)
	SignalID string
	Symbol   string
	PosSide  PosSide
	Type     ActionType
	Source   ActionSource
	OID      string
	Amount   float64
	Ts       time.Time
}

// CloseEvent is what PositionStream hands to the ReconciliationEngine
// (§4.4 step 3).
type CloseEvent struct {
	PID         string
	Symbol      string
	PosSide     PosSide
	CloseAmount float64
	IsFullClose bool
	UTime       int64
	MarkPx      float64
}
