package streams

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"okx-reconcile-engine/internal/dedup"
	"okx-reconcile-engine/internal/events"
	"okx-reconcile-engine/internal/model"
	"okx-reconcile-engine/internal/store"
	"okx-reconcile-engine/internal/transport"
)

// FillSink is the ReconciliationEngine's order-fill entry point
// (§4.5 onOrderFill). Defined here, not imported from internal/reconcile,
// so the engine satisfies it structurally and streams never imports
// reconcile — the same import-cycle avoidance the donor solved with
// SequenceProvider.
type FillSink interface {
	OnOrderFill(ctx context.Context, oid, cloid string, fillSz, fillPx float64)
}

// OrderStream consumes order-channel frames, dedups, persists, and routes
// fills to the reconciliation engine (§4.3).
type OrderStream struct {
	dedup   dedup.Registry
	store   store.OrderStore
	sink    FillSink
	bus     *events.Bus
	log     zerolog.Logger
	workers int

	queue  chan orderJob
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type orderJob struct {
	data transport.OrderData
	key  dedup.Key
}

const orderQueueDropStream = "orders"

// NewOrderStream builds an OrderStream with the given queue depth and
// worker pool size (§4.3: depth 500, default 1 worker).
func NewOrderStream(queueDepth, workers int, reg dedup.Registry, st store.OrderStore, sink FillSink, bus *events.Bus, log zerolog.Logger) *OrderStream {
	if workers < 1 {
		workers = 1
	}
	return &OrderStream{
		dedup:   reg,
		store:   st,
		sink:    sink,
		bus:     bus,
		log:     log.With().Str("component", "order_stream").Logger(),
		workers: workers,
		queue:   make(chan orderJob, queueDepth),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker pool (§4.3.4).
func (s *OrderStream) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop signals the workers to exit after their current job and waits up to
// 3s for them (§5); jobs still in the queue are not processed.
func (s *OrderStream) Stop() {
	close(s.stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		s.log.Warn().Msg("order stream shutdown exceeded 3s, abandoning")
	}
}

// HandleFrame is the transport.FrameHandler entry point for order frames
// (§4.3 steps 1–3): dedup-gate then enqueue, dropping the newest on a full
// queue.
func (s *OrderStream) HandleFrame(ctx context.Context, frame transport.OrderFrame) {
	for _, d := range frame.Data {
		key := dedup.Key{Kind: dedup.KindOrder, ID: d.OrdId, UTime: d.UTime}

		if processed, err := s.dedup.IsProcessed(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("oid", d.OrdId).Msg("dedup isProcessed check failed")
		} else if processed {
			if s.bus != nil {
				s.bus.PublishDedupOutcome(orderQueueDropStream, false)
			}
			continue
		}

		claimed, err := s.dedup.TryClaim(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("oid", d.OrdId).Msg("dedup tryClaim failed")
			continue
		}
		if !claimed {
			if s.bus != nil {
				s.bus.PublishDedupOutcome(orderQueueDropStream, false)
			}
			continue
		}
		if s.bus != nil {
			s.bus.PublishDedupOutcome(orderQueueDropStream, true)
		}

		select {
		case s.queue <- orderJob{data: d, key: key}:
		default:
			s.log.Error().Str("dedup_key", key.String()).Msg("order queue full, dropping newest")
			if s.bus != nil {
				s.bus.PublishQueueDrop(orderQueueDropStream, key.String())
			}
		}
	}
}

func (s *OrderStream) worker() {
	defer s.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-s.stopCh:
			return
		case job, ok := <-s.queue:
			if !ok {
				return
			}
			s.process(ctx, job)
		}
	}
}

func (s *OrderStream) process(ctx context.Context, job orderJob) {
	order := normalizeOrder(job.data)

	if err := s.store.Upsert(ctx, order); err != nil {
		s.log.Error().Err(err).Str("oid", order.OID).Msg("order upsert failed")
	}

	if order.State == model.OrderStateFilled || order.State == model.OrderStatePartiallyFilled {
		if s.sink != nil {
			s.sink.OnOrderFill(ctx, order.OID, order.CLOID, order.FillSz, order.FillPx)
		}
	}

	if err := s.dedup.MarkProcessed(ctx, job.key); err != nil {
		s.log.Warn().Err(err).Str("dedup_key", job.key.String()).Msg("markProcessed failed")
	}

	if s.bus != nil {
		s.bus.PublishOrderUpdate(order.OID, order.CLOID, order.Symbol, string(order.State))
	}
}
