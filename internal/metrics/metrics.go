// Package metrics exposes the engine's Prometheus instrumentation,
// grounded on the donor pack's sawpanic-cryptorun MetricsRegistry shape:
// one struct of pre-registered collectors, wired up once at startup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"okx-reconcile-engine/internal/events"
)

// Registry holds every collector this engine exports.
type Registry struct {
	DedupHits          *prometheus.CounterVec
	DedupClaims        *prometheus.CounterVec
	QueueDrops         *prometheus.CounterVec
	ReconnectTotal     prometheus.Counter
	SessionHealthy     prometheus.Gauge
	LedgerMutationTime *prometheus.HistogramVec
	LedgerConflicts    prometheus.Counter
	AlgoCancelFailures prometheus.Counter
	OrphanCloses       prometheus.Counter
	OpenTrades         prometheus.Gauge
}

// NewRegistry builds a Registry with every collector registered against
// reg (use prometheus.NewRegistry() in tests, prometheus.DefaultRegisterer
// in production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		DedupHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okx_reconcile_dedup_hits_total",
			Help: "Events rejected by the dedup registry because they were already processed or in flight.",
		}, []string{"kind"}),
		DedupClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okx_reconcile_dedup_claims_total",
			Help: "Events newly admitted by the dedup registry.",
		}, []string{"kind"}),
		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okx_reconcile_queue_drops_total",
			Help: "Events dropped because a bounded stream queue was full.",
		}, []string{"stream"}),
		ReconnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "okx_reconcile_ws_reconnects_total",
			Help: "Number of times the private WebSocket session reconnected.",
		}),
		SessionHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "okx_reconcile_session_healthy",
			Help: "1 if the transport session is ready, 0 otherwise.",
		}),
		LedgerMutationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "okx_reconcile_ledger_mutation_seconds",
			Help:    "Latency of ledger mutation operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		LedgerConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "okx_reconcile_ledger_conflicts_total",
			Help: "Fills that arrived for an unresolvable cloid.",
		}),
		AlgoCancelFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "okx_reconcile_algo_cancel_failures_total",
			Help: "cancelAlgo calls that failed on a trade close (no automatic retry, per design).",
		}),
		OrphanCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "okx_reconcile_orphan_closes_total",
			Help: "External-close journal rows recorded with no resolvable cloid.",
		}),
		OpenTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "okx_reconcile_open_trades",
			Help: "Number of trades currently in OPEN or CLOSING state.",
		}),
	}

	reg.MustRegister(
		m.DedupHits, m.DedupClaims, m.QueueDrops, m.ReconnectTotal, m.SessionHealthy,
		m.LedgerMutationTime, m.LedgerConflicts, m.AlgoCancelFailures, m.OrphanCloses, m.OpenTrades,
	)
	return m
}

// Subscribe wires Registry's counters to the event bus so domain packages
// never import prometheus directly — they publish through internal/events
// and this is the only package translating events into metrics.
func (m *Registry) Subscribe(bus *events.Bus) {
	bus.SubscribeAll(func(ev events.Event) {
		switch ev.Type {
		case events.EventQueueDrop:
			stream, _ := ev.Data["stream"].(string)
			m.QueueDrops.WithLabelValues(stream).Inc()
		case events.EventLedgerConflict:
			m.LedgerConflicts.Inc()
		case events.EventSessionReady:
			m.SessionHealthy.Set(1)
		case events.EventSessionUnhealthy:
			m.SessionHealthy.Set(0)
			m.ReconnectTotal.Inc()
		case events.EventTradeOpened:
			m.OpenTrades.Inc()
		case events.EventTradeClosed:
			m.OpenTrades.Dec()
		case events.EventDedupOutcome:
			kind, _ := ev.Data["kind"].(string)
			claimed, _ := ev.Data["claimed"].(bool)
			if claimed {
				m.DedupClaims.WithLabelValues(kind).Inc()
			} else {
				m.DedupHits.WithLabelValues(kind).Inc()
			}
		case events.EventLedgerMutation:
			op, _ := ev.Data["op"].(string)
			seconds, _ := ev.Data["seconds"].(float64)
			m.LedgerMutationTime.WithLabelValues(op).Observe(seconds)
		case events.EventAlgoCancelFailed:
			m.AlgoCancelFailures.Inc()
		case events.EventExternalClose:
			cloid, _ := ev.Data["cloid"].(string)
			if cloid == "" {
				m.OrphanCloses.Inc()
			}
		}
	})
}
