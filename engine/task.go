package engine

import (
	"goa.design/weave/definition"
	"goa.design/weave/model"
)

// The task lifecycle couples work item and child workflow outcomes to the
// net: when one of a started task's work items or children reaches a terminal
// state, the task's completion policy decides whether the task completes,
// fails, or keeps running. A policy fail verdict is not an error to the
// caller; it becomes a normal fail transition of the task and, from there,
// of the workflow.

// policySnapshot collects what the task's completion policy sees: every work
// item of the current firing cycle and, for composite tasks, every child
// workflow spawned by it.
func (t *txn) policySnapshot(s scope, cfg *definition.TaskConfig, task model.Task) (definition.PolicySnapshot, error) {
	items, err := t.tx.ListWorkItems(t.ctx, s.wf.ID, cfg.Name, task.Generation)
	if err != nil {
		return definition.PolicySnapshot{}, err
	}
	snap := definition.PolicySnapshot{Items: items}
	if cfg.Composite != nil {
		children, err := t.tx.ListChildWorkflows(t.ctx, model.ParentRef{
			WorkflowID:     s.wf.ID,
			TaskName:       cfg.Name,
			TaskGeneration: task.Generation,
		})
		if err != nil {
			return definition.PolicySnapshot{}, err
		}
		snap.Children = children
	}
	return snap, nil
}

// consultPolicy runs the completion policy of a started task and applies its
// verdict.
func (t *txn) consultPolicy(s scope, cfg *definition.TaskConfig, task model.Task) error {
	if task.State != model.TaskStarted {
		return nil
	}
	snap, err := t.policySnapshot(s, cfg, task)
	if err != nil {
		return err
	}
	switch cfg.Policy(snap) {
	case definition.DecisionComplete:
		return t.completeTask(s, cfg, task)
	case definition.DecisionFail:
		return t.failTask(s, cfg, task)
	}
	return nil
}

// completeTask fires the task to completion: remaining open work and
// children are canceled, the cancellation region is processed, output tokens
// are produced, and downstream tasks re-evaluate.
func (t *txn) completeTask(s scope, cfg *definition.TaskConfig, task model.Task) error {
	if err := t.cancelOpenWork(s, cfg, task); err != nil {
		return err
	}
	if err := t.processRegion(s, cfg); err != nil {
		return err
	}
	task, err := t.setTaskState(s, cfg.Name, task.Generation, model.TaskCompleted, "completeTask")
	if err != nil {
		return err
	}
	if err := t.reapLedger(model.TaskKey(s.wf.ID, cfg.Name, task.Generation)); err != nil {
		return err
	}
	produced, err := t.produceOutputs(s, cfg)
	if err != nil {
		return err
	}
	if err := t.reevaluate(s, produced); err != nil {
		return err
	}
	t.enqueueTaskHook(s, cfg, task, "task.onCompleted", cfg.Activities.OnCompleted)
	s, err = t.reload(s)
	if err != nil {
		return err
	}
	return t.maybeCompleteWorkflow(s)
}

// failTask fails the task and, by default, the workflow. Open work items and
// children are canceled, not failed.
func (t *txn) failTask(s scope, cfg *definition.TaskConfig, task model.Task) error {
	if err := t.cancelOpenWork(s, cfg, task); err != nil {
		return err
	}
	task, err := t.setTaskState(s, cfg.Name, task.Generation, model.TaskFailed, "failTask")
	if err != nil {
		return err
	}
	if err := t.reapLedger(model.TaskKey(s.wf.ID, cfg.Name, task.Generation)); err != nil {
		return err
	}
	t.enqueueTaskHook(s, cfg, task, "task.onFailed", cfg.Activities.OnFailed)
	s, err = t.reload(s)
	if err != nil {
		return err
	}
	return t.failWorkflow(s)
}

// cancelOpenWork cancels the task's non-terminal work items and live child
// workflows, children after items, each child fully before the task itself
// transitions.
func (t *txn) cancelOpenWork(s scope, cfg *definition.TaskConfig, task model.Task) error {
	items, err := t.tx.ListWorkItems(t.ctx, s.wf.ID, cfg.Name, task.Generation)
	if err != nil {
		return err
	}
	for _, wi := range items {
		if wi.State.Terminal() {
			continue
		}
		if err := t.cancelWorkItemRecord(s, cfg, wi); err != nil {
			return err
		}
	}
	if cfg.Composite == nil {
		return nil
	}
	children, err := t.tx.ListChildWorkflows(t.ctx, model.ParentRef{
		WorkflowID:     s.wf.ID,
		TaskName:       cfg.Name,
		TaskGeneration: task.Generation,
	})
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.State.Terminal() {
			continue
		}
		cs, err := t.scope(child.ID)
		if err != nil {
			return err
		}
		if err := t.cancelWorkflowCascade(cs, true); err != nil {
			return err
		}
	}
	return nil
}

// failWorkflow fails the workflow: remaining live tasks cancel, the record
// goes terminal, ledger entries reap, and the parent (if any) is notified.
func (t *txn) failWorkflow(s scope) error {
	if s.wf.State.Terminal() {
		return nil
	}
	if err := t.cancelRemainingTasks(s); err != nil {
		return err
	}
	s, err := t.setWorkflowState(s, model.WorkflowFailed, "failWorkflow")
	if err != nil {
		return err
	}
	if err := t.reapWorkflowLedger(s.wf.ID); err != nil {
		return err
	}
	t.enqueueWorkflowHook(s, "workflow.onFailed", s.def.Workflow().OnFailed)
	return t.notifyParent(s)
}

// maybeCompleteWorkflow completes a started workflow once its end condition
// is marked and no task is live. Residual tokens on non-end conditions drop
// and still-disabled tasks cancel so the terminal record is quiescent.
func (t *txn) maybeCompleteWorkflow(s scope) error {
	if s.wf.State != model.WorkflowStarted {
		return nil
	}
	endCond, err := t.readCondition(s, s.def.EndCondition())
	if err != nil {
		return err
	}
	if endCond.Marking == 0 {
		return nil
	}
	states, err := t.taskStates(s.wf.ID)
	if err != nil {
		return err
	}
	for _, state := range states {
		if state.Live() {
			return nil
		}
	}

	for _, cond := range s.def.Conditions() {
		if cond.End {
			continue
		}
		if err := t.clearCondition(s, cond.Name); err != nil {
			return err
		}
	}
	if err := t.cancelDisabledTasks(s); err != nil {
		return err
	}
	s, err = t.setWorkflowState(s, model.WorkflowCompleted, "completeWorkflow")
	if err != nil {
		return err
	}
	if err := t.reapWorkflowLedger(s.wf.ID); err != nil {
		return err
	}
	t.enqueueWorkflowHook(s, "workflow.onCompleted", s.def.Workflow().OnCompleted)
	return t.notifyParent(s)
}

// cancelDisabledTasks transitions never-fired disabled tasks to canceled so a
// terminal workflow holds only terminal tasks. No activity hooks fire; the
// tasks had no live firing cycle.
func (t *txn) cancelDisabledTasks(s scope) error {
	tasks := s.def.Tasks()
	for i := range tasks {
		cfg := &tasks[i]
		row, err := t.tx.GetTask(t.ctx, s.wf.ID, cfg.Name)
		if err != nil {
			return err
		}
		if row.State != model.TaskDisabled {
			continue
		}
		if _, err := t.setTaskState(s, cfg.Name, row.Generation, model.TaskCanceled, "cancelTask"); err != nil {
			return err
		}
	}
	return nil
}

// reapWorkflowLedger reaps every ledger entry under the workflow: the
// workflow key itself and every task key of the instance.
func (t *txn) reapWorkflowLedger(workflowID string) error {
	if err := t.reapLedger(model.WorkflowKey(workflowID)); err != nil {
		return err
	}
	return t.reapLedger("task/" + workflowID + "/")
}

// notifyParent mirrors a child workflow's terminal transition onto the
// parent composite task. Stale firings (the parent task moved on) ignore the
// notification.
func (t *txn) notifyParent(s scope) error {
	p := s.wf.Parent
	if p == nil {
		return nil
	}
	ps, err := t.scope(p.WorkflowID)
	if err != nil {
		return err
	}
	cfg, ok := ps.def.Task(p.TaskName)
	if !ok {
		return nil
	}
	row, err := t.tx.GetTask(t.ctx, ps.wf.ID, cfg.Name)
	if err != nil {
		return err
	}
	if row.Generation != p.TaskGeneration || !row.State.Live() {
		return nil
	}
	t.enqueueWorkflowObserver(ps, cfg, s.wf)
	if s.wf.State == model.WorkflowCanceled {
		// A directly canceled child cancels the composite firing once no
		// sibling work remains; the policy keeps running otherwise.
		snap, err := t.policySnapshot(ps, cfg, row)
		if err != nil {
			return err
		}
		if hasOpenWork(snap) {
			return t.consultPolicy(ps, cfg, row)
		}
		return t.cancelTaskRecord(ps, cfg, row)
	}
	return t.consultPolicy(ps, cfg, row)
}

func hasOpenWork(snap definition.PolicySnapshot) bool {
	for _, wi := range snap.Items {
		if !wi.State.Terminal() {
			return true
		}
	}
	for _, child := range snap.Children {
		if !child.State.Terminal() {
			return true
		}
	}
	return false
}
