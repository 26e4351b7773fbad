// Package telemetry wires weave into goa.design/clue logging and OTEL
// tracing. It holds the instrumentation name and the context helpers the
// engine and scheduler packages log through.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// InstrumentationName identifies weave spans and meters to OTEL.
const InstrumentationName = "goa.design/weave"

// Log field keys shared across packages.
const (
	KeyWorkflowID = "workflow_id"
	KeyTraceID    = "trace_id"
	KeyCommand    = "command"
	KeyJobID      = "job_id"
)

// Context initializes clue logging on the context. Call once at startup;
// child contexts inherit the logger.
func Context(ctx context.Context, opts ...log.LogOption) context.Context {
	return log.Context(ctx, opts...)
}

// Tracer returns the weave tracer from the global OTEL provider. Configure
// the provider before executing commands, typically via
// clue.ConfigureOpenTelemetry or OTEL environment variables.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// WithWorkflow annotates the context logger with workflow identifiers so
// every log line of a command carries them.
func WithWorkflow(ctx context.Context, workflowID, traceID string) context.Context {
	return log.With(ctx, log.KV{K: KeyWorkflowID, V: workflowID}, log.KV{K: KeyTraceID, V: traceID})
}
