// Package store defines the persistence interfaces OrderStream,
// PositionStream, the reconciliation engine, and the trade ledger write
// through, plus a Postgres implementation grounded on the donor app's
// pgxpool setup (internal/database/db.go).
package store

import (
	"context"

	"okx-reconcile-engine/internal/model"
)

// OrderStore persists Order records, keyed by oid, enforcing the monotonic
// state-transition invariant (§3.1, §4.3.b).
type OrderStore interface {
	// Upsert writes order if it is new, or if order.State is a valid
	// forward transition from the stored state. A no-op write (state
	// would regress) is not an error.
	Upsert(ctx context.Context, order model.Order) error
	GetByOID(ctx context.Context, oid string) (*model.Order, bool, error)
}

// PositionStore appends position snapshots, one row per (pid, uTime)
// (§3.1, §3.3).
type PositionStore interface {
	Append(ctx context.Context, snap model.PositionSnapshot) error
}

// TradeStore persists logical trades keyed by cloid (§3.1, §4.6).
type TradeStore interface {
	Upsert(ctx context.Context, trade model.Trade) error
	GetByCLOID(ctx context.Context, cloid string) (*model.Trade, bool, error)
}

// JournalStore appends TradeAction rows synchronously (§4.6: "the ledger
// persists journal rows synchronously").
type JournalStore interface {
	Append(ctx context.Context, action model.TradeAction) error
}
