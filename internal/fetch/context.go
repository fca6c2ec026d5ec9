// Package fetch drives batches of segment fetch tasks: the per-task state machine, the run
// context it operates in and the manager that runs batches in the background.
package fetch

import (
	"context"
	"time"

	"gwfetch/internal/domain"
	"gwfetch/internal/segindex"
)

// RunContext carries everything one batch needs. Nothing about a run lives in package state.
type RunContext struct {
	ID    string
	Index *segindex.Index
	Sink  Sink

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRunContext(parent context.Context, id string, index *segindex.Index, sink Sink) *RunContext {
	if sink == nil {
		sink = Discard
	}
	ctx, cancel := context.WithCancel(parent)
	return &RunContext{ID: id, Index: index, Sink: sink, ctx: ctx, cancel: cancel}
}

// Cancel asks the worker to stop before its next task. In-flight remote calls are allowed to
// finish.
func (rc *RunContext) Cancel() {
	rc.cancel()
}

func (rc *RunContext) Cancelled() bool {
	return rc.ctx.Err() != nil
}

// Context is done once the run is cancelled.
func (rc *RunContext) Context() context.Context {
	return rc.ctx
}

func (rc *RunContext) emit(ev domain.Event) {
	ev.RunID = rc.ID
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	rc.Sink.Emit(ev)
}
