package engine

import (
	"fmt"

	"goa.design/weave/audit"
	"goa.design/weave/model"
	"goa.design/weave/store"
)

// The marking store is the single arbiter of tokens: only the firing engine
// and the cancellation processor call the mutators below. Every mutation
// happens inside the command's transaction and records a condition span with
// the old and new markings.

// readCondition returns a condition's current marking.
func (t *txn) readCondition(s scope, name string) (model.Condition, error) {
	return t.tx.GetCondition(t.ctx, s.wf.ID, name)
}

// incrementCondition adds delta tokens to a condition.
func (t *txn) incrementCondition(s scope, name string, delta int) error {
	c, err := t.tx.GetCondition(t.ctx, s.wf.ID, name)
	if err != nil {
		return err
	}
	old := c.Marking
	c.Marking = old + delta
	c.UpdatedAt = t.now
	if err := t.tx.PutCondition(t.ctx, c); err != nil {
		return err
	}
	return t.em.Emit(t.ctx, audit.Resource{Kind: audit.ResourceCondition, ID: s.wf.ID, Name: name},
		audit.OpIncrementMarking, "", map[string]any{
			audit.AttrMarkingOld: old,
			audit.AttrMarkingNew: c.Marking,
		})
}

// decrementCondition removes delta tokens from a condition. Driving the
// marking below zero is an invariant violation.
func (t *txn) decrementCondition(s scope, name string, delta int) error {
	c, err := t.tx.GetCondition(t.ctx, s.wf.ID, name)
	if err != nil {
		return err
	}
	old := c.Marking
	if old-delta < 0 {
		return &InvariantViolationError{
			Message: fmt.Sprintf("decrement of condition %q in workflow %s would drive marking below zero", name, s.wf.ID),
		}
	}
	c.Marking = old - delta
	c.UpdatedAt = t.now
	if err := t.tx.PutCondition(t.ctx, c); err != nil {
		return err
	}
	return t.em.Emit(t.ctx, audit.Resource{Kind: audit.ResourceCondition, ID: s.wf.ID, Name: name},
		audit.OpDecrementMarking, "", map[string]any{
			audit.AttrMarkingOld: old,
			audit.AttrMarkingNew: c.Marking,
		})
}

// clearCondition zeroes a condition's marking, recording the drop as a
// decrement span. No-op when already zero.
func (t *txn) clearCondition(s scope, name string) error {
	c, err := t.tx.GetCondition(t.ctx, s.wf.ID, name)
	if err != nil {
		return err
	}
	if c.Marking == 0 {
		return nil
	}
	return t.decrementCondition(s, name, c.Marking)
}

// setTaskState transitions a task, guarding against stale generations: a
// mutation pinned to an older firing cycle conflicts rather than clobbering
// the newer cycle's state.
func (t *txn) setTaskState(s scope, name string, generation int, state model.TaskState, operation string) (model.Task, error) {
	task, err := t.tx.GetTask(t.ctx, s.wf.ID, name)
	if err != nil {
		return model.Task{}, err
	}
	if task.Generation != generation {
		return model.Task{}, fmt.Errorf("task %q generation %d is stale (current %d): %w",
			name, generation, task.Generation, store.ErrConflict)
	}
	task.State = state
	task.UpdatedAt = t.now
	if err := t.tx.PutTask(t.ctx, task); err != nil {
		return model.Task{}, err
	}
	err = t.em.Emit(t.ctx, audit.Resource{Kind: audit.ResourceTask, ID: s.wf.ID, Name: name},
		operation, string(state), map[string]any{
			audit.AttrState:      string(state),
			audit.AttrGeneration: task.Generation,
		})
	return task, err
}

// enableTask starts a new firing cycle: the generation increments and the
// task becomes enabled.
func (t *txn) enableTask(s scope, name string) (model.Task, error) {
	task, err := t.tx.GetTask(t.ctx, s.wf.ID, name)
	if err != nil {
		return model.Task{}, err
	}
	task.Generation++
	task.State = model.TaskEnabled
	task.UpdatedAt = t.now
	if err := t.tx.PutTask(t.ctx, task); err != nil {
		return model.Task{}, err
	}
	err = t.em.Emit(t.ctx, audit.Resource{Kind: audit.ResourceTask, ID: s.wf.ID, Name: name},
		"enableTask", string(model.TaskEnabled), map[string]any{
			audit.AttrState:      string(model.TaskEnabled),
			audit.AttrGeneration: task.Generation,
		})
	return task, err
}

// insertWorkItem persists a new work item and records its initialized span.
func (t *txn) insertWorkItem(s scope, wi model.WorkItem) error {
	if err := t.tx.PutWorkItem(t.ctx, wi); err != nil {
		return err
	}
	return t.em.Emit(t.ctx, audit.Resource{Kind: audit.ResourceWorkItem, ID: wi.ID, Name: wi.Name},
		"initializeWorkItem", string(wi.State), map[string]any{
			audit.AttrState:      string(wi.State),
			audit.AttrGeneration: wi.TaskGeneration,
		})
}

// setWorkItemState transitions a work item and records the span.
func (t *txn) setWorkItemState(wi model.WorkItem, state model.WorkItemState, operation string) (model.WorkItem, error) {
	wi.State = state
	wi.UpdatedAt = t.now
	if err := t.tx.PutWorkItem(t.ctx, wi); err != nil {
		return model.WorkItem{}, err
	}
	err := t.em.Emit(t.ctx, audit.Resource{Kind: audit.ResourceWorkItem, ID: wi.ID, Name: wi.Name},
		operation, string(state), map[string]any{
			audit.AttrState:      string(state),
			audit.AttrGeneration: wi.TaskGeneration,
		})
	return wi, err
}

// setWorkflowState transitions a workflow and records the span. Child
// workflow spans carry their parent pointers in the attributes.
func (t *txn) setWorkflowState(s scope, state model.WorkflowState, operation string) (scope, error) {
	s.wf.State = state
	if state.Terminal() {
		s.wf.CompletedAt = t.now
	}
	if err := t.tx.PutWorkflow(t.ctx, s.wf); err != nil {
		return scope{}, err
	}
	attrs := map[string]any{audit.AttrState: string(state)}
	if s.wf.Parent != nil {
		attrs[audit.AttrParentWorkflow] = s.wf.Parent.WorkflowID
		attrs[audit.AttrParentTask] = s.wf.Parent.TaskName
	}
	err := t.em.Emit(t.ctx, audit.Resource{Kind: audit.ResourceWorkflow, ID: s.wf.ID, Name: s.wf.Definition},
		operation, string(state), attrs)
	return s, err
}
