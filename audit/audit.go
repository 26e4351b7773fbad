// Package audit records the causal trail of engine state changes as spans.
// Every command opens a root span; every mutation performed while executing
// the command records a child span with attributes typed by the resource it
// touched. Spans share the trace id of the root workflow, so one trace covers
// a whole workflow family including composite children.
//
// The package also provides a Reader that reconstructs workflow state at an
// arbitrary point in time by replaying committed spans.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// ResourceKind classifies the element a span describes.
type ResourceKind string

const (
	// ResourceWorkflow marks spans describing workflow instances.
	ResourceWorkflow ResourceKind = "workflow"
	// ResourceTask marks spans describing task nodes.
	ResourceTask ResourceKind = "task"
	// ResourceCondition marks spans describing condition markings.
	ResourceCondition ResourceKind = "condition"
	// ResourceWorkItem marks spans describing work items.
	ResourceWorkItem ResourceKind = "workItem"
	// ResourceActivity marks spans describing user activity invocations.
	ResourceActivity ResourceKind = "activity"
	// ResourceCustom marks caller-defined spans.
	ResourceCustom ResourceKind = "custom"
)

// Span attribute keys shared by the emitter and the reader. Condition spans
// carry the old and new markings; state-changing spans carry the new state.
const (
	AttrState          = "state"
	AttrGeneration     = "generation"
	AttrMarkingOld     = "marking.old"
	AttrMarkingNew     = "marking.new"
	AttrParentWorkflow = "parent.workflow_id"
	AttrParentTask     = "parent.task_name"
)

// Marking operations recorded on condition spans.
const (
	OpIncrementMarking = "incrementMarking"
	OpDecrementMarking = "decrementMarking"
)

type (
	// Resource identifies the element a span describes.
	Resource struct {
		// Kind classifies the element.
		Kind ResourceKind
		// ID is the element's stable identifier (workflow id, work item id).
		ID string
		// Name is the element's definition-level name when it has one
		// (task name, condition name, activity hook name).
		Name string
	}

	// Span is one audit record. ParentID links spans into a causal tree
	// under the command's root span; Seq orders spans by mutation time
	// within a trace.
	Span struct {
		// ID uniquely identifies the span.
		ID string
		// ParentID is the enclosing span's ID, empty for root spans.
		ParentID string
		// TraceID is the root workflow id shared by the workflow family.
		TraceID string
		// Resource identifies the element the span describes.
		Resource Resource
		// Operation names the state change (e.g. "completeWorkItem",
		// OpIncrementMarking).
		Operation string
		// Start and End bound the mutation.
		Start time.Time
		End   time.Time
		// State is the element state after the mutation, when applicable.
		State string
		// Depth is the nesting depth under the command root span.
		Depth int
		// Seq orders spans by mutation order within one command.
		Seq int
		// Attributes carries resource-typed details (markings, parents).
		Attributes map[string]any
	}

	// Log stores committed spans. Implementations must return spans of a
	// trace in commit order; within one command Seq refines the order.
	Log interface {
		// Append stores a span.
		Append(ctx context.Context, span Span) error
		// ListByTrace returns every span of a trace in commit order.
		ListByTrace(ctx context.Context, traceID string) ([]Span, error)
		// ListRecentTraces returns up to limit trace ids, most recent first.
		ListRecentTraces(ctx context.Context, limit int) ([]string, error)
	}

	// Sink receives spans as a command executes. The engine passes its
	// transaction as the sink so spans commit atomically with the record
	// mutations they describe.
	Sink interface {
		AppendSpan(ctx context.Context, span Span) error
	}

	// Emitter records the span tree for one command. It is not safe for
	// concurrent use; the engine executes commands sequentially per
	// workflow root.
	Emitter struct {
		sink    Sink
		tracer  trace.Tracer
		traceID string
		clock   func() time.Time
		seq     int
		stack   []*openSpan
	}

	openSpan struct {
		span Span
		otel trace.Span
		ctx  context.Context
	}

	// EmitterOption configures an Emitter.
	EmitterOption func(*Emitter)
)

// WithTracer mirrors emitted spans onto the given OTEL tracer so
// clue-configured exporters observe the same causal tree.
func WithTracer(t trace.Tracer) EmitterOption {
	return func(e *Emitter) { e.tracer = t }
}

// WithClock overrides the emitter's time source. Used by tests.
func WithClock(clock func() time.Time) EmitterOption {
	return func(e *Emitter) { e.clock = clock }
}

// NewEmitter builds the span emitter for one command execution.
func NewEmitter(sink Sink, traceID string, opts ...EmitterOption) (*Emitter, error) {
	if sink == nil {
		return nil, errors.New("span sink is required")
	}
	if traceID == "" {
		return nil, errors.New("trace id is required")
	}
	e := &Emitter{
		sink:    sink,
		traceID: traceID,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Seq returns the next sequence number the emitter would assign.
func (e *Emitter) Seq() int { return e.seq }

// Begin opens a span as a child of the innermost open span. The returned
// close function finalizes the span with the given state and writes it to
// the sink; it must be called exactly once.
func (e *Emitter) Begin(ctx context.Context, res Resource, operation string, attrs map[string]any) func(state string) error {
	now := e.clock()
	open := &openSpan{
		span: Span{
			ID:         uuid.NewString(),
			TraceID:    e.traceID,
			Resource:   res,
			Operation:  operation,
			Start:      now,
			Depth:      len(e.stack),
			Seq:        e.seq,
			Attributes: attrs,
		},
		ctx: ctx,
	}
	e.seq++
	if n := len(e.stack); n > 0 {
		open.span.ParentID = e.stack[n-1].span.ID
	}
	if e.tracer != nil {
		parent := ctx
		if n := len(e.stack); n > 0 && e.stack[n-1].otel != nil {
			parent = trace.ContextWithSpan(ctx, e.stack[n-1].otel)
		}
		octx, ospan := e.tracer.Start(parent, string(res.Kind)+"."+operation, trace.WithTimestamp(now))
		ospan.SetAttributes(otelAttributes(res, attrs)...)
		open.otel = ospan
		open.ctx = octx
	}
	e.stack = append(e.stack, open)

	return func(state string) error {
		// Pop down to (and including) this span; close functions of nested
		// spans must have run already.
		for i := len(e.stack) - 1; i >= 0; i-- {
			if e.stack[i] == open {
				e.stack = e.stack[:i]
				break
			}
		}
		open.span.End = e.clock()
		open.span.State = state
		if open.otel != nil {
			finishOtelSpan(open.otel, state, open.span.End)
		}
		return e.sink.AppendSpan(ctx, open.span)
	}
}

// Emit records a point span: a mutation with no nested children.
func (e *Emitter) Emit(ctx context.Context, res Resource, operation, state string, attrs map[string]any) error {
	return e.Begin(ctx, res, operation, attrs)(state)
}
