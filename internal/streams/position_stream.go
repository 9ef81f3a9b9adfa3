package streams

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"okx-reconcile-engine/internal/dedup"
	"okx-reconcile-engine/internal/events"
	"okx-reconcile-engine/internal/model"
	"okx-reconcile-engine/internal/store"
	"okx-reconcile-engine/internal/transport"
)

// CloseSink is the ReconciliationEngine's position-change entry point
// (§4.5 onPositionChange). Defined locally for the same reason as FillSink:
// streams must never import reconcile.
type CloseSink interface {
	OnPositionChange(ctx context.Context, event model.CloseEvent)
}

// PositionStream consumes position-channel frames, classifies full vs.
// partial closes against the last-seen snapshot per pid, and routes
// CloseEvents to the reconciliation engine (§4.4).
type PositionStream struct {
	dedup dedup.Registry
	store store.PositionStore
	sink  CloseSink
	bus   *events.Bus
	log   zerolog.Logger

	lastMu  sync.Mutex
	lastPos map[string]model.PositionSnapshot

	queue  chan positionJob
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type positionJob struct {
	data transport.PositionData
	key  dedup.Key
}

const positionQueueDropStream = "positions"

// NewPositionStream builds a PositionStream with the given queue depth
// (§4.4: depth 100, single worker — ordering across pids must be preserved
// within the stream).
func NewPositionStream(queueDepth int, reg dedup.Registry, st store.PositionStore, sink CloseSink, bus *events.Bus, log zerolog.Logger) *PositionStream {
	return &PositionStream{
		dedup:   reg,
		store:   st,
		sink:    sink,
		bus:     bus,
		log:     log.With().Str("component", "position_stream").Logger(),
		lastPos: make(map[string]model.PositionSnapshot),
		queue:   make(chan positionJob, queueDepth),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the single worker (§4.4 step 4: one worker, to preserve
// per-pid ordering).
func (s *PositionStream) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop signals the worker to exit after its current job and waits for it;
// jobs still in the queue are not processed.
func (s *PositionStream) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// HandleFrame is the transport.FrameHandler entry point for position
// frames (§4.4 steps 1–3): dedup-gate on (pid, uTime) then enqueue.
func (s *PositionStream) HandleFrame(ctx context.Context, frame transport.PositionFrame) {
	for _, d := range frame.Data {
		key := dedup.Key{Kind: dedup.KindPosition, ID: d.PosId, UTime: d.UTime}

		if processed, err := s.dedup.IsProcessed(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("pid", d.PosId).Msg("dedup isProcessed check failed")
		} else if processed {
			if s.bus != nil {
				s.bus.PublishDedupOutcome(positionQueueDropStream, false)
			}
			continue
		}

		claimed, err := s.dedup.TryClaim(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("pid", d.PosId).Msg("dedup tryClaim failed")
			continue
		}
		if !claimed {
			if s.bus != nil {
				s.bus.PublishDedupOutcome(positionQueueDropStream, false)
			}
			continue
		}
		if s.bus != nil {
			s.bus.PublishDedupOutcome(positionQueueDropStream, true)
		}

		select {
		case s.queue <- positionJob{data: d, key: key}:
		default:
			s.log.Error().Str("dedup_key", key.String()).Msg("position queue full, dropping newest")
			if s.bus != nil {
				s.bus.PublishQueueDrop(positionQueueDropStream, key.String())
			}
		}
	}
}

func (s *PositionStream) worker() {
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

// process classifies the snapshot against the last-seen position for this
// pid and emits a CloseEvent on any size decrease (§4.4 steps 1–2). The
// first observation of a pid with pos=0 is treated conservatively as a
// full close, per the Open Question decision recorded in DESIGN.md.
func (s *PositionStream) process(ctx context.Context, job positionJob) {
	snap := normalizePosition(job.data)

	if err := s.store.Append(ctx, snap); err != nil {
		s.log.Error().Err(err).Str("pid", snap.PID).Msg("position snapshot append failed")
	}

	s.lastMu.Lock()
	prev, hadPrev := s.lastPos[snap.PID]
	s.lastPos[snap.PID] = snap
	s.lastMu.Unlock()

	closeAmount, isClose := s.classify(prev, hadPrev, snap)

	if err := s.dedup.MarkProcessed(ctx, job.key); err != nil {
		s.log.Warn().Err(err).Str("dedup_key", job.key.String()).Msg("markProcessed failed")
	}

	if !isClose {
		return
	}

	event := model.CloseEvent{
		PID:         snap.PID,
		Symbol:      snap.Symbol,
		PosSide:     snap.PosSide,
		CloseAmount: closeAmount,
		IsFullClose: snap.Pos == 0,
		UTime:       snap.UTime,
		MarkPx:      snap.MarkPx,
	}

	if s.sink != nil {
		s.sink.OnPositionChange(ctx, event)
	}
}

// classify diffs prev against snap by magnitude only — posSide (long/short/
// net) never changes the arithmetic, per the Open Question #3 decision.
//
// A pos=0 snapshot with no prior observation is emitted as a full close of
// unknown size rather than dropped, per the Open Question #1 decision:
// ReconciliationEngine.onPositionChange is a no-op when the correlated trade
// is already CLOSED, so over-emitting here never double-counts; an event it
// cannot correlate is journaled as an orphan EXTERNAL_CLOSE row.
func (s *PositionStream) classify(prev model.PositionSnapshot, hadPrev bool, snap model.PositionSnapshot) (float64, bool) {
	if !hadPrev {
		if snap.Pos == 0 {
			return 0, true
		}
		return 0, false
	}

	prevAbs := abs(prev.Pos)
	curAbs := abs(snap.Pos)

	if curAbs >= prevAbs {
		return 0, false
	}

	return prevAbs - curAbs, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
