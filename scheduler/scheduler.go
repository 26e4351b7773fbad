// Package scheduler defines the deferred-job contract the engine uses for
// timeouts and delayed initializations. Jobs are named payloads dispatched to
// registered handlers after a delay; the engine registers its command handler
// once and schedules jobs after each transaction commits.
//
// Two implementations ship with weave: inmem (timer-based, for development
// and tests) and redis (ZSET due-time queue polled by a dispatcher).
package scheduler

import (
	"context"
	"time"
)

type (
	// Job is a named payload delivered to the matching registered handler
	// when the job comes due.
	Job struct {
		// Name selects the registered handler.
		Name string
		// Payload is the opaque argument passed to the handler.
		Payload []byte
	}

	// Handler processes a due job's payload.
	Handler func(ctx context.Context, payload []byte) error

	// Scheduler runs jobs after a delay. Job ids are caller-supplied so the
	// engine can persist ledger entries before the job is handed over.
	Scheduler interface {
		// RegisterHandler binds a handler to a job name. Registration of a
		// duplicate name is an error.
		RegisterHandler(name string, h Handler) error

		// Schedule runs the job after the given delay. The id must be
		// unique among pending jobs.
		Schedule(ctx context.Context, id string, after time.Duration, job Job) error

		// Cancel drops a pending job. Canceling an unknown or already
		// dispatched job is a no-op.
		Cancel(ctx context.Context, id string) error
	}
)
