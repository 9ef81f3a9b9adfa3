// Package streams implements OrderStream (C3) and PositionStream (C4): the
// bounded-channel worker pools that consume SessionTransport frames, dedup
// them, persist them, and hand correlated events to the reconciliation
// engine (§4.3, §4.4).
package streams

import (
	"strconv"
	"time"

	"okx-reconcile-engine/internal/model"
	"okx-reconcile-engine/internal/transport"
)

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseMillis(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// normalizeOrder converts a wire OrderData element into an Order record
// (§4.3.a).
func normalizeOrder(d transport.OrderData) model.Order {
	now := time.Now()
	createdAt := now
	if d.CTime != "" {
		if ms := parseMillis(d.CTime); ms > 0 {
			createdAt = time.UnixMilli(ms)
		}
	}
	updatedAt := now
	if d.UTime != "" {
		if ms := parseMillis(d.UTime); ms > 0 {
			updatedAt = time.UnixMilli(ms)
		}
	}

	return model.Order{
		OID:        d.OrdId,
		CLOID:      d.ClOrdId,
		Symbol:     d.InstId,
		Side:       model.Side(d.Side),
		PosSide:    model.PosSide(d.PosSide),
		OrdType:    model.OrdType(d.OrdType),
		Px:         parseFloat(d.Px),
		Sz:         parseFloat(d.Sz),
		FillPx:     parseFloat(d.FillPx),
		FillSz:     parseFloat(d.AccFillSz),
		State:      model.OrderState(d.State),
		Leverage:   parseFloat(d.Lever),
		MarginMode: d.MgnMode,
		Tag:        d.Tag,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
}

// normalizePosition converts a wire PositionData element into a
// PositionSnapshot (§4.4).
func normalizePosition(d transport.PositionData) model.PositionSnapshot {
	return model.PositionSnapshot{
		PID:        d.PosId,
		Symbol:     d.InstId,
		PosSide:    model.PosSide(d.PosSide),
		Pos:        parseFloat(d.Pos),
		AvailPos:   parseFloat(d.AvailPos),
		AvgPx:      parseFloat(d.AvgPx),
		UTime:      parseMillis(d.UTime),
		MarkPx:     parseFloat(d.MarkPx),
		Lever:      parseFloat(d.Lever),
		MarginMode: d.MgnMode,
	}
}
