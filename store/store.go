// Package store defines the transactional document-store contract the
// workflow engine runs against. Implementations provide atomic multi-record
// transactions with the secondary indexes the engine's lookups require;
// the engine performs every state mutation for one command inside a single
// transaction.
//
// Two implementations ship with weave:
//
//   - memdoc: in-memory store for development and tests. Transactions are
//     serialized behind a mutex; commits are atomic snapshots.
//
//   - mongo: MongoDB-backed store using driver v2 sessions and transactions.
//     Write conflicts surface as ErrConflict and the engine retries.
package store

import (
	"context"
	"errors"

	"goa.design/weave/audit"
	"goa.design/weave/model"
)

var (
	// ErrNotFound indicates that no record exists for the given key.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates the transaction lost a write race and should be
	// retried by the caller.
	ErrConflict = errors.New("transaction conflict")
)

type (
	// Store opens transactions and serves read-only span queries for the
	// audit reader.
	Store interface {
		// RunTx executes fn inside a transaction. Every mutation made
		// through the Tx becomes visible atomically on commit; any error
		// from fn aborts the transaction and discards all buffered writes.
		// Implementations map backend write races to ErrConflict.
		RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

		// SpanLog exposes committed audit spans for trace reconstruction.
		SpanLog() audit.Log
	}

	// Tx exposes the typed record operations available inside a transaction.
	// Reads observe the transaction's own writes. All methods are scoped to
	// the transaction's lifetime; callers must not retain a Tx beyond RunTx.
	Tx interface {
		// GetWorkflow loads a workflow instance by id.
		GetWorkflow(ctx context.Context, id string) (model.Workflow, error)
		// PutWorkflow inserts or replaces a workflow record.
		PutWorkflow(ctx context.Context, wf model.Workflow) error
		// ListChildWorkflows returns the workflows whose parent reference
		// matches the given composite task firing, in creation order.
		ListChildWorkflows(ctx context.Context, parent model.ParentRef) ([]model.Workflow, error)

		// GetCondition loads a condition by workflow id and name.
		GetCondition(ctx context.Context, workflowID, name string) (model.Condition, error)
		// PutCondition inserts or replaces a condition record.
		PutCondition(ctx context.Context, c model.Condition) error
		// ListConditions returns every condition of a workflow in name order.
		ListConditions(ctx context.Context, workflowID string) ([]model.Condition, error)

		// GetTask loads a task by workflow id and name.
		GetTask(ctx context.Context, workflowID, name string) (model.Task, error)
		// PutTask inserts or replaces a task record.
		PutTask(ctx context.Context, t model.Task) error
		// ListTasks returns every task of a workflow in name order.
		ListTasks(ctx context.Context, workflowID string) ([]model.Task, error)

		// GetWorkItem loads a work item by id.
		GetWorkItem(ctx context.Context, id string) (model.WorkItem, error)
		// PutWorkItem inserts or replaces a work item record.
		PutWorkItem(ctx context.Context, wi model.WorkItem) error
		// ListWorkItems returns the work items of one task firing cycle in
		// creation order.
		ListWorkItems(ctx context.Context, workflowID, taskName string, generation int) ([]model.WorkItem, error)

		// PutScheduled records a scheduled-ledger entry. Entries are
		// additive; (key, jobID) pairs are unique.
		PutScheduled(ctx context.Context, e model.ScheduledEntry) error
		// ListScheduledByPrefix returns every ledger entry whose key starts
		// with the given prefix, in key order.
		ListScheduledByPrefix(ctx context.Context, prefix string) ([]model.ScheduledEntry, error)
		// DeleteScheduled removes one ledger entry. Deleting a missing
		// entry is a no-op.
		DeleteScheduled(ctx context.Context, key, jobID string) error

		// GetStatsShard loads one shard of a task generation's counters.
		// A missing shard returns a zero-valued shard, not ErrNotFound.
		GetStatsShard(ctx context.Context, workflowID, taskName string, generation, shard int) (model.StatsShard, error)
		// PutStatsShard inserts or replaces a stats shard.
		PutStatsShard(ctx context.Context, s model.StatsShard) error
		// ListStatsShards returns every shard of one task generation.
		ListStatsShards(ctx context.Context, workflowID, taskName string, generation int) ([]model.StatsShard, error)

		// AppendSpan buffers an audit span for atomic commit with the
		// transaction's record mutations.
		AppendSpan(ctx context.Context, span audit.Span) error
	}
)

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err indicates a retryable transaction conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
