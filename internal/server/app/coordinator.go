package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mira/internal/agentrun"
	"mira/internal/async"
	"mira/internal/logging"
	"mira/internal/observability"
	id "mira/internal/utils/id"
)

// activationFeedBuffer sizes the coordinator's engine subscription. The feed
// treats activations as critical and evicts older buffered events for them
// when this fills, so a burst of promotions never loses a launch.
const activationFeedBuffer = 128

// Coordinator bridges the admission engine and the executor that does the
// real work. It submits requests, launches a background goroutine for every
// activation the engine grants (initial or promoted), and reports the
// terminal outcome back with the activation token.
type Coordinator struct {
	engine   *agentrun.Engine
	executor RunExecutor
	obs      *observability.Observability
	logger   logging.Logger

	cancelMu sync.Mutex
	running  map[agentrun.RunOwner]runRegistration

	stopFeed  func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// runRegistration ties a cancel func to the activation it belongs to, so a
// finishing run can only unregister its own entry and never a successor's
// under the same owner.
type runRegistration struct {
	token  string
	cancel context.CancelCauseFunc
}

// NewCoordinator wires the coordinator to an engine and starts the
// activation watcher. The watcher is the only launch path: both immediate
// admissions and later promotions surface as activation events, so every run
// starts the same way.
func NewCoordinator(engine *agentrun.Engine, executor RunExecutor, obs *observability.Observability, logger logging.Logger) *Coordinator {
	c := &Coordinator{
		engine:   engine,
		executor: executor,
		obs:      obs,
		logger:   logging.OrNop(logger),
		running:  make(map[agentrun.RunOwner]runRegistration),
	}

	events, cancel := engine.Subscribe(activationFeedBuffer)
	c.stopFeed = cancel
	c.wg.Add(1)
	async.Go(c.logger, "server.activationWatcher", func() {
		defer c.wg.Done()
		for event := range events {
			activated, ok := event.(agentrun.ActivatedEvent)
			if !ok {
				continue
			}
			c.launch(activated.EventOwner(), activated.Token)
		}
	})
	return c
}

// Launch submits a run request to the engine and returns the admission
// decision immediately. When the decision is start-now, the activation
// watcher picks up the run in the background; queued requests start later on
// promotion without any further calls.
func (c *Coordinator) Launch(ctx context.Context, spec agentrun.TaskSpec) (agentrun.Decision, error) {
	if !spec.Owner.Kind.Known() {
		return agentrun.Decision{}, ValidationError(fmt.Sprintf("unknown task kind %q", spec.Owner.Kind))
	}
	if spec.Owner.SubjectID == "" {
		return agentrun.Decision{}, ValidationError("subject id is required")
	}

	ctx, _ = id.EnsureLogID(ctx, id.NewLogID)

	var submitSpan trace.Span
	if c.obs != nil && c.obs.Tracer != nil {
		ctx, submitSpan = c.obs.Tracer.StartSpan(ctx, observability.SpanSubmitTask,
			observability.KindAttrs(string(spec.Owner.Kind), spec.Owner.SubjectID, spec.Owner.SlotKey)...)
	}

	decision := c.engine.Submit(spec)
	c.logger.Info("[Coordinator] submit %s: decision=%s position=%d", spec.Owner, decision.Kind, decision.Position)

	if submitSpan != nil {
		submitSpan.SetAttributes(attribute.String(observability.AttrDecision, string(decision.Kind)))
		submitSpan.End()
	}

	if c.obs != nil && c.obs.Metrics != nil {
		c.obs.Metrics.RecordSubmission(ctx, string(spec.Owner.Kind), string(decision.Kind))
	}
	return decision, nil
}

// launch starts the background goroutine for one granted activation.
func (c *Coordinator) launch(owner agentrun.RunOwner, token string) {
	spec, ok := c.engine.SpecFor(owner)
	if !ok {
		// The run finished or was evicted before the watcher got here. The
		// token is already stale, nothing to start.
		c.logger.Warn("[Coordinator] activation for %s arrived after teardown, skipping", owner)
		return
	}

	if c.engine.ActiveToken(owner) != token {
		// A fresher activation superseded this one while the event sat in the
		// buffer. Only the live token's launch may register and execute.
		c.logger.Warn("[Coordinator] stale activation for %s, skipping launch", owner)
		return
	}

	ctx := id.WithRunID(context.Background(), spec.TaskID)
	ctx, _ = id.EnsureLogID(ctx, id.NewLogID)
	runCtx, cancelFunc := context.WithCancelCause(ctx)

	c.cancelMu.Lock()
	c.running[owner] = runRegistration{token: token, cancel: cancelFunc}
	c.cancelMu.Unlock()

	c.wg.Add(1)
	async.Go(c.logger, "server.executeRun", func() {
		defer c.wg.Done()
		c.runToCompletion(runCtx, owner, token, spec)
	})
}

// runToCompletion drives the executor and reports the terminal outcome. It
// always calls Finish exactly once, including on executor panic.
func (c *Coordinator) runToCompletion(ctx context.Context, owner agentrun.RunOwner, token string, spec agentrun.TaskSpec) {
	defer func() {
		c.releaseRun(owner, token)

		if r := recover(); r != nil {
			errMsg := fmt.Sprintf("[Background] PANIC in run execution (owner=%s, taskID=%s): %v", owner, spec.TaskID, r)
			c.logger.Error("%s", errMsg)
			fmt.Fprintf(os.Stderr, "ERROR: %s\n", errMsg)
			c.engine.Finish(owner, agentrun.PhaseFailed, agentrun.ReasonUnknown, token)
		}
	}()

	c.logger.Info("[Background] starting run: owner=%s taskID=%s", owner, spec.TaskID)

	startTime := time.Now()
	var spanErr error
	if c.obs != nil && c.obs.Tracer != nil {
		attrs := append(
			observability.KindAttrs(string(owner.Kind), owner.SubjectID, owner.SlotKey),
			attribute.String(observability.AttrRunID, spec.TaskID),
		)
		ctxWithSpan, span := c.obs.Tracer.StartSpan(ctx, observability.SpanExecuteRun, attrs...)
		ctx = ctxWithSpan
		defer func() {
			if spanErr != nil {
				span.RecordError(spanErr)
				span.SetStatus(codes.Error, spanErr.Error())
			}
			span.End()
		}()
	}

	err := c.executor.ExecuteRun(ctx, spec, RunHandle{engine: c.engine, owner: owner, token: token})

	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if cause != nil && cause != context.Canceled {
			spanErr = cause
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			c.logger.Info("[Background] run timed out: owner=%s taskID=%s after=%s", owner, spec.TaskID, time.Since(startTime))
			c.engine.Finish(owner, agentrun.PhaseTimedOut, agentrun.ReasonTimedOut, token)
			return
		}
		c.logger.Info("[Background] run cancelled: owner=%s taskID=%s reason=%v", owner, spec.TaskID, cause)
		c.engine.Finish(owner, agentrun.PhaseCancelled, agentrun.ReasonCancelled, token)
		return
	}

	if err != nil {
		spanErr = err
		errMsg := fmt.Sprintf("[Background] run failed (owner=%s, taskID=%s): %v", owner, spec.TaskID, err)
		c.logger.Error("%s", errMsg)
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", errMsg)
		c.engine.Finish(owner, agentrun.PhaseFailed, agentrun.ReasonFailed, token)
		return
	}

	c.engine.Finish(owner, agentrun.PhaseCompleted, agentrun.ReasonNone, token)
	c.logger.Info("[Background] run completed: owner=%s taskID=%s duration=%s", owner, spec.TaskID, time.Since(startTime))
}

// releaseRun unregisters the owner's entry, but only when it still belongs
// to this activation. A successor run registered under the same owner is
// left untouched.
func (c *Coordinator) releaseRun(owner agentrun.RunOwner, token string) {
	c.cancelMu.Lock()
	if reg, ok := c.running[owner]; ok && reg.token == token {
		delete(c.running, owner)
	}
	c.cancelMu.Unlock()
}

// CancelActive cancels the in-flight run for owner. Waiting runs are not
// cancellable through this path; abandon them instead.
func (c *Coordinator) CancelActive(owner agentrun.RunOwner, reason string) error {
	c.cancelMu.Lock()
	reg, ok := c.running[owner]
	c.cancelMu.Unlock()

	if ok {
		if reason == "" {
			reason = "cancelled by caller"
		}
		reg.cancel(errors.New(reason))
		return nil
	}

	if state, tracked := c.engine.StatusProjection(owner); tracked {
		if state.Phase == agentrun.PhaseWaiting {
			return ConflictError("run is waiting, abandon it instead")
		}
		// Tracked and not waiting, but no cancel func: the activation watcher
		// has not picked it up yet. Treat as a retryable conflict.
		return ConflictError("run is activating, retry shortly")
	}
	return NotFoundError(fmt.Sprintf("no active run for %s", owner))
}

// Abandon removes a waiting run. Active runs are deliberately out of reach.
func (c *Coordinator) Abandon(owner agentrun.RunOwner) error {
	if c.engine.AbandonWaiting(owner) {
		return nil
	}
	if state, tracked := c.engine.StatusProjection(owner); tracked && state.Phase != agentrun.PhaseWaiting {
		return ConflictError("run is active, cancel it instead")
	}
	return NotFoundError(fmt.Sprintf("no waiting run for %s", owner))
}

// AbandonSubject removes every waiting run of the given kind and subject,
// returning the owners that were removed.
func (c *Coordinator) AbandonSubject(kind agentrun.TaskKind, subjectID string) ([]agentrun.RunOwner, error) {
	if !kind.Known() {
		return nil, ValidationError(fmt.Sprintf("unknown task kind %q", kind))
	}
	if subjectID == "" {
		return nil, ValidationError("subject id is required")
	}
	return c.engine.AbandonWaitingFor(kind, subjectID), nil
}

// Status reports the owner's current state. Live is true while the run is
// tracked; once it finishes, the retained terminal outcome is returned with
// live false until the history cache evicts it.
func (c *Coordinator) Status(owner agentrun.RunOwner) (agentrun.RunState, bool, error) {
	if state, ok := c.engine.StatusProjection(owner); ok {
		return state, true, nil
	}
	if outcome, ok := c.engine.LastOutcome(owner); ok {
		return outcome, false, nil
	}
	return agentrun.RunState{}, false, NotFoundError(fmt.Sprintf("no run for %s", owner))
}

// Snapshot exposes the engine's full table copy for diagnostics.
func (c *Coordinator) Snapshot() agentrun.RunSnapshot {
	return c.engine.Snapshot()
}

// Subscribe attaches an event feed subscriber, e.g. for an SSE connection.
func (c *Coordinator) Subscribe(buffer int) (<-chan agentrun.RuntimeEvent, func()) {
	return c.engine.Subscribe(buffer)
}

// FeedMetrics reports feed delivery counters.
func (c *Coordinator) FeedMetrics() agentrun.FeedMetrics {
	return c.engine.FeedMetrics()
}

// Close cancels every in-flight run, waits for background goroutines to
// drain, and shuts the engine down.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.stopFeed()

		c.cancelMu.Lock()
		for _, reg := range c.running {
			reg.cancel(errors.New("server shutting down"))
		}
		c.cancelMu.Unlock()

		c.wg.Wait()
		c.engine.Close()
	})
}
