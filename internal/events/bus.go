// Package events provides a lightweight in-process pub/sub bus decoupling the
// reconciliation core from whatever embeds it, without an import cycle.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events the core publishes.
type EventType string

const (
	EventTradeOpened      EventType = "TRADE_OPENED"
	EventTradeClosed      EventType = "TRADE_CLOSED"
	EventTradeUpdate      EventType = "TRADE_UPDATE"
	EventOrderUpdate      EventType = "ORDER_UPDATE"
	EventOrderFilled      EventType = "ORDER_FILLED"
	EventPositionUpdate   EventType = "POSITION_UPDATE"
	EventExternalClose    EventType = "EXTERNAL_CLOSE"
	EventSessionReady     EventType = "SESSION_READY"
	EventSessionUnhealthy EventType = "SESSION_UNHEALTHY"
	EventQueueDrop        EventType = "QUEUE_DROP"
	EventLedgerConflict   EventType = "LEDGER_CONFLICT"
	EventDedupOutcome     EventType = "DEDUP_OUTCOME"
	EventLedgerMutation   EventType = "LEDGER_MUTATION"
	EventAlgoCancelFailed EventType = "ALGO_CANCEL_FAILED"
)

// Event represents a system event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events.
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type.
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events.
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishTradeOpened publishes a trade-opened event.
func (b *Bus) PublishTradeOpened(cloid, symbol, posSide string, size, leverage float64) {
	b.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"cloid":    cloid,
			"symbol":   symbol,
			"pos_side": posSide,
			"size":     size,
			"leverage": leverage,
		},
	})
}

// PublishTradeClosed publishes a trade-closed event (local or external).
func (b *Bus) PublishTradeClosed(cloid, symbol string, closedSize float64, external bool) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"cloid":       cloid,
			"symbol":      symbol,
			"closed_size": closedSize,
			"external":    external,
		},
	})
}

// PublishExternalClose publishes an external-close journal event, including
// orphaned closes where no cloid could be resolved.
func (b *Bus) PublishExternalClose(cloid, pid string, closeAmount float64, isFullClose bool) {
	b.Publish(Event{
		Type: EventExternalClose,
		Data: map[string]interface{}{
			"cloid":         cloid,
			"pid":           pid,
			"close_amount":  closeAmount,
			"is_full_close": isFullClose,
		},
	})
}

// PublishOrderUpdate publishes a normalized order-state update.
func (b *Bus) PublishOrderUpdate(oid, cloid, symbol, state string) {
	b.Publish(Event{
		Type: EventOrderUpdate,
		Data: map[string]interface{}{
			"oid":    oid,
			"cloid":  cloid,
			"symbol": symbol,
			"state":  state,
		},
	})
}

// PublishSessionReady publishes a session-readiness transition.
func (b *Bus) PublishSessionReady(ready bool, reason string) {
	evType := EventSessionReady
	if !ready {
		evType = EventSessionUnhealthy
	}
	b.Publish(Event{
		Type: evType,
		Data: map[string]interface{}{
			"ready":  ready,
			"reason": reason,
		},
	})
}

// PublishQueueDrop publishes a queue-full drop event, per the spec's
// QueueFull error policy (drop newest, log, keep the dedup key for audit).
func (b *Bus) PublishQueueDrop(stream, dedupKey string) {
	b.Publish(Event{
		Type: EventQueueDrop,
		Data: map[string]interface{}{
			"stream":    stream,
			"dedup_key": dedupKey,
		},
	})
}

// PublishLedgerConflict publishes a LedgerConflict — a fill for an
// unresolvable cloid.
func (b *Bus) PublishLedgerConflict(oid, cloid string) {
	b.Publish(Event{
		Type: EventLedgerConflict,
		Data: map[string]interface{}{
			"oid":   oid,
			"cloid": cloid,
		},
	})
}

// PublishDedupOutcome publishes a DedupRegistry claim decision: claimed=true
// for a first-seen key (a processing "claim"), claimed=false for a key
// already processed or already in flight (a dedup "hit").
func (b *Bus) PublishDedupOutcome(kind string, claimed bool) {
	b.Publish(Event{
		Type: EventDedupOutcome,
		Data: map[string]interface{}{
			"kind":    kind,
			"claimed": claimed,
		},
	})
}

// PublishLedgerMutation publishes the wall time a TradeLedger mutator spent
// holding its per-cloid lock, keyed by operation name.
func (b *Bus) PublishLedgerMutation(op string, seconds float64) {
	b.Publish(Event{
		Type: EventLedgerMutation,
		Data: map[string]interface{}{
			"op":      op,
			"seconds": seconds,
		},
	})
}

// PublishAlgoCancelFailed publishes a failed stop/take-profit algo
// cancellation encountered while closing a trade (§4.5: best-effort,
// logged and counted, never blocks the close transition).
func (b *Bus) PublishAlgoCancelFailed(cloid, exitCLOID string) {
	b.Publish(Event{
		Type: EventAlgoCancelFailed,
		Data: map[string]interface{}{
			"cloid":      cloid,
			"exit_cloid": exitCLOID,
		},
	})
}

// ============================================================================
// Broadcast callback: lets the (out-of-scope) embedding facade observe core
// events without the core importing it, avoiding an import cycle.
// ============================================================================

// BroadcastFunc is a callback for broadcasting a core event externally.
type BroadcastFunc func(event Event)

var (
	broadcastMu sync.RWMutex
	broadcastFn BroadcastFunc
)

// SetBroadcast installs the callback invoked for every published event.
func SetBroadcast(fn BroadcastFunc) {
	broadcastMu.Lock()
	broadcastFn = fn
	broadcastMu.Unlock()
}

// Broadcast invokes the installed callback, if any, for external delivery.
func Broadcast(event Event) {
	broadcastMu.RLock()
	fn := broadcastFn
	broadcastMu.RUnlock()
	if fn != nil {
		go fn(event)
	}
}
