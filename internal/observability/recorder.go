package observability

import (
	"context"
	"sync"
	"time"

	"mira/internal/agentrun"
	"mira/internal/async"
	"mira/internal/logging"
)

// EventRecorder subscribes to the engine's event feed and translates runtime
// events into metric updates. Keeping the translation here leaves the engine
// core free of any observability dependency.
type EventRecorder struct {
	metrics *MetricsCollector
	logger  logging.Logger

	mu          sync.Mutex
	activatedAt map[agentrun.RunOwner]time.Time
	waiting     map[agentrun.RunOwner]struct{}
}

// NewEventRecorder creates a recorder writing to metrics.
func NewEventRecorder(metrics *MetricsCollector, logger logging.Logger) *EventRecorder {
	return &EventRecorder{
		metrics:     metrics,
		logger:      logging.OrNop(logger),
		activatedAt: make(map[agentrun.RunOwner]time.Time),
		waiting:     make(map[agentrun.RunOwner]struct{}),
	}
}

// Start subscribes to the engine feed and consumes events until the returned
// stop function is called.
func (r *EventRecorder) Start(engine *agentrun.Engine) func() {
	events, cancel := engine.Subscribe(256)

	done := make(chan struct{})
	async.Go(r.logger, "observability.recorder", func() {
		defer close(done)
		for event := range events {
			r.record(event)
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (r *EventRecorder) record(event agentrun.RuntimeEvent) {
	if r.metrics == nil {
		return
	}
	ctx := context.Background()
	owner := event.EventOwner()
	kind := string(owner.Kind)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := event.(type) {
	case agentrun.QueuedEvent:
		r.waiting[owner] = struct{}{}
		r.metrics.AddWaitingDepth(ctx, kind, 1)
	case agentrun.ActivatedEvent:
		r.activatedAt[owner] = e.Timestamp()
		r.metrics.IncrementActiveRuns(ctx, kind)
	case agentrun.PromotedEvent:
		if e.To != nil {
			delete(r.waiting, *e.To)
			r.metrics.AddWaitingDepth(ctx, string(e.To.Kind), -1)
			r.metrics.RecordPromotion(ctx, string(e.To.Kind))
		}
	case agentrun.DroppedEvent:
		if _, ok := r.waiting[owner]; ok {
			delete(r.waiting, owner)
			r.metrics.AddWaitingDepth(ctx, kind, -1)
		}
		r.metrics.RecordDrop(ctx, kind, e.Reason)
	case agentrun.TerminalEvent:
		var duration time.Duration
		if startedAt, ok := r.activatedAt[owner]; ok {
			duration = e.Timestamp().Sub(startedAt)
			delete(r.activatedAt, owner)
			r.metrics.DecrementActiveRuns(ctx, kind)
		} else if _, ok := r.waiting[owner]; ok {
			// A run finished straight out of the waiting queue.
			delete(r.waiting, owner)
			r.metrics.AddWaitingDepth(ctx, kind, -1)
		}
		r.metrics.RecordTerminalRun(ctx, kind, string(e.Phase), duration)
	}
}
