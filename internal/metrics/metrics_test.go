package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"okx-reconcile-engine/internal/events"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestSubscribeUpdatesSessionHealthyGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	bus := events.NewBus()
	m.Subscribe(bus)

	bus.PublishSessionReady(true, "")
	waitForAsync()
	if gaugeValue(t, m.SessionHealthy) != 1 {
		t.Fatal("expected session healthy gauge to be 1 after SESSION_READY")
	}

	bus.PublishSessionReady(false, "reconnecting")
	waitForAsync()
	if gaugeValue(t, m.SessionHealthy) != 0 {
		t.Fatal("expected session healthy gauge to be 0 after SESSION_UNHEALTHY")
	}
	if counterValue(t, m.ReconnectTotal) != 1 {
		t.Fatal("expected reconnect counter to increment on SESSION_UNHEALTHY")
	}
}

func TestSubscribeCountsQueueDropsByStream(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	bus := events.NewBus()
	m.Subscribe(bus)

	bus.PublishQueueDrop("orders", "order:1:1000")
	waitForAsync()

	var mOut dto.Metric
	if err := m.QueueDrops.WithLabelValues("orders").Write(&mOut); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if mOut.GetCounter().GetValue() != 1 {
		t.Fatal("expected one queue drop recorded for the orders stream")
	}
}

func TestSubscribeCountsLedgerConflicts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	bus := events.NewBus()
	m.Subscribe(bus)

	bus.PublishLedgerConflict("oid1", "cloid1")
	waitForAsync()

	if counterValue(t, m.LedgerConflicts) != 1 {
		t.Fatal("expected one ledger conflict recorded")
	}
}

func TestSubscribeCountsDedupOutcomesByKindAndClaim(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	bus := events.NewBus()
	m.Subscribe(bus)

	bus.PublishDedupOutcome("orders", true)
	bus.PublishDedupOutcome("orders", false)
	bus.PublishDedupOutcome("orders", false)
	waitForAsync()

	var claims, hits dto.Metric
	if err := m.DedupClaims.WithLabelValues("orders").Write(&claims); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if err := m.DedupHits.WithLabelValues("orders").Write(&hits); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if claims.GetCounter().GetValue() != 1 {
		t.Fatal("expected one claimed dedup outcome")
	}
	if hits.GetCounter().GetValue() != 2 {
		t.Fatal("expected two rejected dedup outcomes")
	}
}

func TestSubscribeObservesLedgerMutationTime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	bus := events.NewBus()
	m.Subscribe(bus)

	bus.PublishLedgerMutation("apply_fill", 0.05)
	waitForAsync()

	var mOut dto.Metric
	if err := m.LedgerMutationTime.WithLabelValues("apply_fill").Write(&mOut); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if mOut.GetHistogram().GetSampleCount() != 1 {
		t.Fatal("expected one observation recorded for apply_fill")
	}
}

func TestSubscribeCountsAlgoCancelFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	bus := events.NewBus()
	m.Subscribe(bus)

	bus.PublishAlgoCancelFailed("cloid1", "tp1")
	waitForAsync()

	if counterValue(t, m.AlgoCancelFailures) != 1 {
		t.Fatal("expected one algo cancel failure recorded")
	}
}

func TestSubscribeCountsOrphanClosesOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	bus := events.NewBus()
	m.Subscribe(bus)

	bus.PublishExternalClose("", "pid1", 1.5, true)
	bus.PublishExternalClose("cloid1", "pid2", 1.5, true)
	waitForAsync()

	if counterValue(t, m.OrphanCloses) != 1 {
		t.Fatal("expected only the cloid-less external close to count as orphaned")
	}
}

// waitForAsync gives the bus's goroutine-per-subscriber dispatch a moment
// to run before assertions.
func waitForAsync() {
	time.Sleep(20 * time.Millisecond)
}
