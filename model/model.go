// Package model defines the persistent record types the workflow engine
// stores and mutates: workflow instances, conditions, tasks, work items,
// scheduled-job entries, and statistics shards.
//
// Records are flat structs holding identifiers, never object graphs. Parent
// and child navigation always goes through store lookups; the only embedded
// reference is ParentRef, which points from a child workflow back to the
// composite task that spawned it.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowState represents the lifecycle state of a workflow instance.
type WorkflowState string

const (
	// WorkflowInitialized indicates the instance exists but has not started.
	WorkflowInitialized WorkflowState = "initialized"
	// WorkflowStarted indicates the instance is actively executing.
	WorkflowStarted WorkflowState = "started"
	// WorkflowCompleted indicates the instance finished successfully.
	WorkflowCompleted WorkflowState = "completed"
	// WorkflowFailed indicates the instance failed permanently.
	WorkflowFailed WorkflowState = "failed"
	// WorkflowCanceled indicates the instance was canceled.
	WorkflowCanceled WorkflowState = "canceled"
)

// Terminal reports whether the state is absorbing.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCanceled
}

// TaskState represents the lifecycle state of a task node.
type TaskState string

const (
	// TaskDisabled indicates the task's join rule is not satisfied.
	TaskDisabled TaskState = "disabled"
	// TaskEnabled indicates the join rule is satisfied and the task may fire.
	TaskEnabled TaskState = "enabled"
	// TaskStarted indicates the task has consumed its input tokens.
	TaskStarted TaskState = "started"
	// TaskCompleted indicates the task fired and produced its output tokens.
	TaskCompleted TaskState = "completed"
	// TaskFailed indicates the task failed per its completion policy.
	TaskFailed TaskState = "failed"
	// TaskCanceled indicates the task was canceled.
	TaskCanceled TaskState = "canceled"
)

// Terminal reports whether the state is absorbing for the current generation.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// Live reports whether the task currently participates in the net: it holds
// or may consume tokens.
func (s TaskState) Live() bool {
	return s == TaskEnabled || s == TaskStarted
}

// WorkItemState represents the lifecycle state of a work item.
type WorkItemState string

const (
	// WorkItemInitialized indicates the work item exists and may be started.
	WorkItemInitialized WorkItemState = "initialized"
	// WorkItemStarted indicates the work item is being worked on.
	WorkItemStarted WorkItemState = "started"
	// WorkItemCompleted indicates the work item finished successfully.
	WorkItemCompleted WorkItemState = "completed"
	// WorkItemFailed indicates the work item failed.
	WorkItemFailed WorkItemState = "failed"
	// WorkItemCanceled indicates the work item was canceled.
	WorkItemCanceled WorkItemState = "canceled"
)

// Terminal reports whether the state is absorbing.
func (s WorkItemState) Terminal() bool {
	return s == WorkItemCompleted || s == WorkItemFailed || s == WorkItemCanceled
}

// OfferKind classifies who may claim a work item.
type OfferKind string

const (
	// OfferUser offers the work item to a single user.
	OfferUser OfferKind = "user"
	// OfferGroup offers the work item to every member of a group.
	OfferGroup OfferKind = "group"
	// OfferSystem marks the work item as system-executed; no claim is required.
	OfferSystem OfferKind = "system"
)

type (
	// ParentRef points from a child workflow back to the composite task that
	// spawned it. The generation pins the reference to a single firing cycle.
	ParentRef struct {
		// WorkflowID identifies the parent workflow instance.
		WorkflowID string
		// TaskName identifies the composite task within the parent.
		TaskName string
		// TaskGeneration is the parent task's generation at spawn time.
		TaskGeneration int
	}

	// Workflow is the persistent record of a workflow instance.
	Workflow struct {
		// ID uniquely identifies the instance.
		ID string
		// Definition is the registered definition name.
		Definition string
		// Version is the registered definition version label.
		Version string
		// State is the current lifecycle state.
		State WorkflowState
		// Parent is set for child workflows spawned by composite tasks.
		Parent *ParentRef
		// TraceID is the audit trace identifier shared by the whole
		// workflow family; it equals the root workflow's ID.
		TraceID string
		// Payload is the initialization envelope, validated against the
		// workflow's initialize schema.
		Payload json.RawMessage
		// Flags holds free-form routing hints written by activities.
		Flags map[string]any
		// CreatedAt records instance creation time.
		CreatedAt time.Time
		// CompletedAt records the terminal transition time, zero until then.
		CompletedAt time.Time
	}

	// Condition is a named token holder inside a workflow.
	Condition struct {
		// WorkflowID identifies the owning workflow instance.
		WorkflowID string
		// Name is the condition name, unique within the workflow.
		Name string
		// Marking is the current token count; never negative.
		Marking int
		// UpdatedAt records the last marking change.
		UpdatedAt time.Time
	}

	// Task is the persistent record of a task node within a workflow
	// instance. A single row tracks the current generation; prior
	// generations are visible only through work items and stats shards.
	Task struct {
		// WorkflowID identifies the owning workflow instance.
		WorkflowID string
		// Name is the task name, unique within the workflow.
		Name string
		// Generation counts how many times the task has become enabled.
		// It starts at zero and increments on each enabling.
		Generation int
		// State is the current lifecycle state.
		State TaskState
		// UpdatedAt records the last state change.
		UpdatedAt time.Time
	}

	// Offer records who may claim a human work item.
	Offer struct {
		// Kind classifies the offer target.
		Kind OfferKind
		// To names the user or group; empty for system offers.
		To string
	}

	// Claim records who currently holds a work item.
	Claim struct {
		// By identifies the claimant.
		By string
		// At records when the claim was taken.
		At time.Time
	}

	// WorkItem is the persistent record of one unit of work produced when a
	// task fires. Generation ties the work item to a single firing cycle.
	WorkItem struct {
		// ID uniquely identifies the work item.
		ID string
		// WorkflowID identifies the owning workflow instance.
		WorkflowID string
		// TaskName identifies the owning task.
		TaskName string
		// TaskGeneration is the task generation at initialization time.
		TaskGeneration int
		// Name is the action name used for payload schema lookup.
		Name string
		// State is the current lifecycle state.
		State WorkItemState
		// Payload is the envelope carried across transitions.
		Payload json.RawMessage
		// Offer restricts who may claim the work item; nil means unrestricted.
		Offer *Offer
		// Claim records the current holder; nil until claimed.
		Claim *Claim
		// CreatedAt records initialization time.
		CreatedAt time.Time
		// UpdatedAt records the last state change.
		UpdatedAt time.Time
	}

	// ScheduledEntry maps an element key to a deferred job. Multiple entries
	// per key are allowed; registration is additive.
	ScheduledEntry struct {
		// Key is the owning element key (see WorkflowKey and friends).
		Key string
		// JobID is the scheduler-issued deferred job identifier.
		JobID string
		// CreatedAt records registration time.
		CreatedAt time.Time
	}

	// StatsShard holds one shard of the per-task work item counters. Shards
	// are summed on read to reduce transactional contention on hot tasks.
	StatsShard struct {
		// WorkflowID identifies the owning workflow instance.
		WorkflowID string
		// TaskName identifies the owning task.
		TaskName string
		// Generation identifies the firing cycle the counters describe.
		Generation int
		// Shard is the shard index in [0, shard count).
		Shard int
		// Total counts every work item ever initialized in the cycle.
		Total int
		// Initialized counts work items currently in the initialized state.
		Initialized int
		// Started counts work items currently in the started state.
		Started int
		// Completed counts completed work items.
		Completed int
		// Failed counts failed work items.
		Failed int
		// Canceled counts canceled work items.
		Canceled int
	}

	// Stats is the sum of every shard of one task generation.
	Stats struct {
		Total       int
		Initialized int
		Started     int
		Completed   int
		Failed      int
		Canceled    int
	}
)

// Add accumulates a shard into the sum.
func (s *Stats) Add(sh StatsShard) {
	s.Total += sh.Total
	s.Initialized += sh.Initialized
	s.Started += sh.Started
	s.Completed += sh.Completed
	s.Failed += sh.Failed
	s.Canceled += sh.Canceled
}

// WorkflowKey returns the scheduled-ledger key for a workflow instance.
func WorkflowKey(workflowID string) string {
	return "workflow/" + workflowID
}

// TaskKey returns the scheduled-ledger key for one task firing cycle.
func TaskKey(workflowID, taskName string, generation int) string {
	return fmt.Sprintf("task/%s/%s/%d", workflowID, taskName, generation)
}

// WorkItemKey returns the scheduled-ledger key for a work item.
func WorkItemKey(workItemID string) string {
	return "workItem/" + workItemID
}
