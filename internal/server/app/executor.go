package app

import (
	"context"
	"fmt"
	"time"

	"mira/internal/agentrun"
)

// RunExecutor performs the actual agent work for one admitted run. The
// coordinator calls ExecuteRun in a background goroutine after the engine
// grants a slot; the executor reports intermediate state through the handle
// and signals the terminal outcome via its return value. A nil error means
// the run completed; a context error is mapped to cancelled or timed out.
type RunExecutor interface {
	ExecuteRun(ctx context.Context, spec agentrun.TaskSpec, handle RunHandle) error
}

// RunHandle lets an executor report progress for exactly one activation.
// The handle carries the activation token internally, so a stale executor
// from a superseded activation degrades to no-ops instead of corrupting the
// current run's state.
type RunHandle struct {
	engine *agentrun.Engine
	owner  agentrun.RunOwner
	token  string
}

// Owner identifies the run this handle reports for.
func (h RunHandle) Owner() agentrun.RunOwner { return h.owner }

// SetPhase moves the run to a non-terminal working phase. Returns false when
// the activation is no longer current.
func (h RunHandle) SetPhase(phase agentrun.RunPhase) bool {
	return h.engine.UpdatePhase(h.owner, phase, h.token)
}

// SetProgress updates the human-readable status line and optional fraction.
func (h RunHandle) SetProgress(statusText string, progress *float64) bool {
	return h.engine.UpdateProgress(h.owner, statusText, progress, h.token)
}

// SimulatedExecutor walks a run through the standard working phases with a
// fixed delay per step. It stands in for a real model-backed executor in the
// demo server and in tests.
type SimulatedExecutor struct {
	StepDelay time.Duration
}

func (s SimulatedExecutor) ExecuteRun(ctx context.Context, spec agentrun.TaskSpec, handle RunHandle) error {
	steps := []struct {
		phase agentrun.RunPhase
		text  string
	}{
		{agentrun.PhaseRequesting, "preparing request"},
		{agentrun.PhaseGenerating, "generating"},
		{agentrun.PhasePersisting, "persisting result"},
	}
	for i, step := range steps {
		if err := s.pause(ctx); err != nil {
			return err
		}
		handle.SetPhase(step.phase)
		fraction := float64(i+1) / float64(len(steps)+1)
		handle.SetProgress(fmt.Sprintf("%s %s", spec.Owner.Kind, step.text), &fraction)
	}
	return s.pause(ctx)
}

func (s SimulatedExecutor) pause(ctx context.Context) error {
	delay := s.StepDelay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
