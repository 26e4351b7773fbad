package engine

import (
	"context"
	"errors"

	"goa.design/weave/definition"
	"goa.design/weave/model"
)

// The cancellation processor clears regions and cascades workflow cancels.
// Cancellation is strictly child-first: a task's work items cancel before
// its child workflows, each child workflow cancels fully before the task,
// every task before the workflow record. Canceled spans and hooks therefore
// read bottom-up in the audit trail.

// processRegion applies a completing task's cancellation region: every
// listed condition drops to zero and every listed live task cancels with its
// open work.
func (t *txn) processRegion(s scope, cfg *definition.TaskConfig) error {
	if cfg.Region == nil {
		return nil
	}
	var changed []string
	for _, name := range cfg.Region.Conditions {
		c, err := t.readCondition(s, name)
		if err != nil {
			return err
		}
		if c.Marking == 0 {
			continue
		}
		if err := t.clearCondition(s, name); err != nil {
			return err
		}
		changed = append(changed, name)
	}
	for _, name := range cfg.Region.Tasks {
		tcfg, ok := s.def.Task(name)
		if !ok {
			continue
		}
		row, err := t.tx.GetTask(t.ctx, s.wf.ID, name)
		if err != nil {
			return err
		}
		if !row.State.Live() {
			continue
		}
		if err := t.cancelTaskRecord(s, tcfg, row); err != nil {
			return err
		}
		// Retiring a producer can satisfy a downstream or-join without any
		// marking movement; its outputs force the re-evaluation.
		changed = append(changed, tcfg.Outputs...)
	}
	if len(changed) > 0 {
		return t.reevaluate(s, changed)
	}
	return nil
}

// cancelTaskRecord cancels one live task firing: its open work items, then
// its live child workflows, then the task itself. The workflow record is
// untouched; task cancellation does not propagate upward.
func (t *txn) cancelTaskRecord(s scope, cfg *definition.TaskConfig, row model.Task) error {
	if err := t.cancelOpenWork(s, cfg, row); err != nil {
		return err
	}
	task, err := t.setTaskState(s, cfg.Name, row.Generation, model.TaskCanceled, "cancelTask")
	if err != nil {
		return err
	}
	if err := t.reapLedger(model.TaskKey(s.wf.ID, cfg.Name, task.Generation)); err != nil {
		return err
	}
	t.enqueueTaskHook(s, cfg, task, "task.onCanceled", cfg.Activities.OnCanceled)
	return nil
}

// cancelRemainingTasks cancels every still-live task of the workflow,
// declaration order, child-first within each task.
func (t *txn) cancelRemainingTasks(s scope) error {
	tasks := s.def.Tasks()
	for i := range tasks {
		cfg := &tasks[i]
		row, err := t.tx.GetTask(t.ctx, s.wf.ID, cfg.Name)
		if err != nil {
			return err
		}
		if !row.State.Live() {
			continue
		}
		if err := t.cancelTaskRecord(s, cfg, row); err != nil {
			return err
		}
	}
	return nil
}

// cancelWorkflowCascade cancels a live workflow and everything under it.
// byParent suppresses the upward mirror when an ancestor cascade drives the
// cancel.
func (t *txn) cancelWorkflowCascade(s scope, byParent bool) error {
	if s.wf.State.Terminal() {
		return nil
	}
	if err := t.cancelRemainingTasks(s); err != nil {
		return err
	}
	if err := t.cancelDisabledTasks(s); err != nil {
		return err
	}
	for _, cond := range s.def.Conditions() {
		if err := t.clearCondition(s, cond.Name); err != nil {
			return err
		}
	}
	s, err := t.setWorkflowState(s, model.WorkflowCanceled, "cancelWorkflow")
	if err != nil {
		return err
	}
	if err := t.reapWorkflowLedger(s.wf.ID); err != nil {
		return err
	}
	t.enqueueWorkflowHook(s, "workflow.onCanceled", s.def.Workflow().OnCanceled)
	if byParent {
		return nil
	}
	return t.notifyParent(s)
}

// CancelRoot cancels a root workflow instance and its whole family.
// Canceling an already terminal workflow is a no-op that records nothing.
func (c *Commands) CancelRoot(ctx context.Context, workflowID string) error {
	if workflowID == "" {
		return errors.New("workflow id is required")
	}
	return c.eng.run(ctx, "cancelRoot", func(t *txn) error {
		s, err := t.scope(workflowID)
		if err != nil {
			return err
		}
		if s.wf.Parent != nil {
			return &InvariantViolationError{Message: "workflow " + workflowID + " is not a root instance"}
		}
		return t.cancelWorkflowCommand(s, "cancelRoot")
	})
}

// CancelWorkflow cancels a workflow instance, root or child. A child cancel
// mirrors to its parent composite task.
func (c *Commands) CancelWorkflow(ctx context.Context, workflowID string) error {
	if workflowID == "" {
		return errors.New("workflow id is required")
	}
	return c.eng.run(ctx, "cancelWorkflow", func(t *txn) error {
		s, err := t.scope(workflowID)
		if err != nil {
			return err
		}
		return t.cancelWorkflowCommand(s, "cancelWorkflow")
	})
}

func (t *txn) cancelWorkflowCommand(s scope, command string) error {
	if s.wf.State.Terminal() {
		return nil
	}
	end, err := t.beginCommand(s.wf.TraceID, command, s.wf.ID)
	if err != nil {
		return err
	}
	if err := t.cancelWorkflowCascade(s, false); err != nil {
		return err
	}
	return t.finishCommand(s, end)
}
