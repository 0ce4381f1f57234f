// Package backend defines the transport abstraction used by the execution
// engine to reach a subagent, plus helpers shared by its implementations.
package backend

import (
	"context"

	"github.com/harrison/looper/internal/models"
)

// Backend is the capability interface implemented by every transport.
//
// Connect is idempotent and retries with backoff. RunIteration performs one
// request/response cycle and returns either the output or an error that is
// already classified into the models error taxonomy where possible.
// Disconnect is best-effort and never fails.
type Backend interface {
	Type() models.BackendType
	Connect(ctx context.Context) error
	RunIteration(ctx context.Context, req models.ExecutionRequest, ictx IterationContext) (*IterationOutput, error)
	Disconnect()
}

// ProgressSink receives progress events while an iteration is in flight.
type ProgressSink interface {
	// Emit blocks until the event has been delivered or the iteration is
	// over. It returns false once the sink no longer accepts events.
	Emit(e models.ProgressEvent) bool
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(models.ProgressEvent) bool

// Emit calls f(e).
func (f SinkFunc) Emit(e models.ProgressEvent) bool { return f(e) }

// DiscardSink drops every event.
var DiscardSink ProgressSink = SinkFunc(func(models.ProgressEvent) bool { return true })

// IterationContext carries per-iteration data into RunIteration.
type IterationContext struct {
	Number int          // 1-based iteration number
	Sink   ProgressSink // never nil when built by the engine
}

// Emit forwards e to the sink, tolerating a nil sink.
func (c IterationContext) Emit(e models.ProgressEvent) bool {
	if c.Sink == nil {
		return true
	}
	if e.Metadata == nil || e.Metadata[models.MetaIteration] == nil {
		e = e.WithMeta(models.MetaIteration, c.Number)
	}
	return c.Sink.Emit(e)
}

// IterationOutput is the successful result of one backend call.
// Events holds progress records that were not streamed through the sink.
type IterationOutput struct {
	ToolResult models.ToolResult
	Events     []models.ProgressEvent
}
