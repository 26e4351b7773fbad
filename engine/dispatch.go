package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/weave/audit"
	"goa.design/weave/definition"
	"goa.design/weave/model"
	"goa.design/weave/scheduler"
)

// The activity dispatcher guarantees the canonical per-command order: hooks
// queue in mutation order and drain FIFO after the primary mutation, so the
// deepest element's activity always fires first and parent-completion hooks
// fire last. Activities run synchronously inside the transaction; whatever
// they mutate queues further hooks behind the ones already waiting.

type pendingActivity struct {
	hook string
	run  func() error
}

// drain invokes queued activities in order. Activities enqueued while
// draining run after the current queue. The first failure aborts the
// command.
func (t *txn) drain() error {
	for len(t.queue) > 0 {
		pa := t.queue[0]
		t.queue = t.queue[1:]
		if err := pa.run(); err != nil {
			return err
		}
	}
	return nil
}

// invokeActivity runs one hook inside an activity span.
func (t *txn) invokeActivity(hook, elementID string, fn func() error) error {
	end := t.em.Begin(t.ctx, audit.Resource{Kind: audit.ResourceActivity, ID: elementID, Name: hook}, "invoke", nil)
	if err := fn(); err != nil {
		_ = end("failed")
		return err
	}
	return end("ok")
}

// enqueueTaskHook queues a task lifecycle hook. Nil hooks are skipped.
func (t *txn) enqueueTaskHook(s scope, cfg *definition.TaskConfig, task model.Task, hook string, fn func(definition.ActivityContext) error) {
	if fn == nil {
		return
	}
	gen := task.Generation
	t.queue = append(t.queue, pendingActivity{hook: hook, run: func() error {
		s, err := t.reload(s)
		if err != nil {
			return err
		}
		row, err := t.tx.GetTask(t.ctx, s.wf.ID, cfg.Name)
		if err != nil {
			return err
		}
		if row.Generation != gen {
			// The firing cycle this hook belongs to is over.
			return nil
		}
		actx := &activityContext{t: t, s: s, cfg: cfg, task: &row}
		return t.invokeActivity(hook, s.wf.ID+"/"+cfg.Name, func() error {
			if err := fn(actx); err != nil {
				return &ActivityFailureError{Hook: hook, Resource: "task", ID: s.wf.ID + "/" + cfg.Name, Err: err}
			}
			return nil
		})
	}})
}

// enqueueWorkItemHook queues a work item lifecycle hook.
func (t *txn) enqueueWorkItemHook(s scope, cfg *definition.TaskConfig, wi model.WorkItem, hook string, fn func(definition.ActivityContext) error) {
	if fn == nil {
		return
	}
	t.queue = append(t.queue, pendingActivity{hook: hook, run: func() error {
		s, err := t.reload(s)
		if err != nil {
			return err
		}
		row, err := t.tx.GetWorkItem(t.ctx, wi.ID)
		if err != nil {
			return err
		}
		task, err := t.tx.GetTask(t.ctx, s.wf.ID, cfg.Name)
		if err != nil {
			return err
		}
		actx := &activityContext{t: t, s: s, cfg: cfg, task: &task, wi: &row}
		return t.invokeActivity(hook, wi.ID, func() error {
			if err := fn(actx); err != nil {
				return &ActivityFailureError{Hook: hook, Resource: "workItem", ID: wi.ID, Err: err}
			}
			return nil
		})
	}})
}

// enqueueWorkItemObserver queues the owning task's onWorkItemStateChanged
// hook with a snapshot of the work item as transitioned.
func (t *txn) enqueueWorkItemObserver(s scope, cfg *definition.TaskConfig, wi model.WorkItem) {
	fn := cfg.Activities.OnWorkItemStateChanged
	if fn == nil {
		return
	}
	t.queue = append(t.queue, pendingActivity{hook: "task.onWorkItemStateChanged", run: func() error {
		s, err := t.reload(s)
		if err != nil {
			return err
		}
		task, err := t.tx.GetTask(t.ctx, s.wf.ID, cfg.Name)
		if err != nil {
			return err
		}
		actx := &activityContext{t: t, s: s, cfg: cfg, task: &task}
		return t.invokeActivity("task.onWorkItemStateChanged", s.wf.ID+"/"+cfg.Name, func() error {
			if err := fn(actx, wi); err != nil {
				return &ActivityFailureError{Hook: "task.onWorkItemStateChanged", Resource: "task", ID: s.wf.ID + "/" + cfg.Name, Err: err}
			}
			return nil
		})
	}})
}

// enqueueWorkflowObserver queues the parent composite task's
// onWorkflowStateChanged hook with a snapshot of the child workflow.
func (t *txn) enqueueWorkflowObserver(parent scope, cfg *definition.TaskConfig, child model.Workflow) {
	fn := cfg.Activities.OnWorkflowStateChanged
	if fn == nil {
		return
	}
	t.queue = append(t.queue, pendingActivity{hook: "task.onWorkflowStateChanged", run: func() error {
		parent, err := t.reload(parent)
		if err != nil {
			return err
		}
		task, err := t.tx.GetTask(t.ctx, parent.wf.ID, cfg.Name)
		if err != nil {
			return err
		}
		actx := &activityContext{t: t, s: parent, cfg: cfg, task: &task}
		return t.invokeActivity("task.onWorkflowStateChanged", parent.wf.ID+"/"+cfg.Name, func() error {
			if err := fn(actx, child); err != nil {
				return &ActivityFailureError{Hook: "task.onWorkflowStateChanged", Resource: "task", ID: parent.wf.ID + "/" + cfg.Name, Err: err}
			}
			return nil
		})
	}})
}

// enqueueWorkflowHook queues a workflow lifecycle hook.
func (t *txn) enqueueWorkflowHook(s scope, hook string, fn func(definition.ActivityContext) error) {
	if fn == nil {
		return
	}
	t.queue = append(t.queue, pendingActivity{hook: hook, run: func() error {
		s, err := t.reload(s)
		if err != nil {
			return err
		}
		actx := &activityContext{t: t, s: s}
		return t.invokeActivity(hook, s.wf.ID, func() error {
			if err := fn(actx); err != nil {
				return &ActivityFailureError{Hook: hook, Resource: "workflow", ID: s.wf.ID, Err: err}
			}
			return nil
		})
	}})
}

// enqueueCompositeInit queues the engine-driven initialization of a static
// composite task's child workflow.
func (t *txn) enqueueCompositeInit(s scope, cfg *definition.TaskConfig, task model.Task) {
	gen := task.Generation
	t.queue = append(t.queue, pendingActivity{hook: "task.compositeInit", run: func() error {
		s, err := t.reload(s)
		if err != nil {
			return err
		}
		row, err := t.tx.GetTask(t.ctx, s.wf.ID, cfg.Name)
		if err != nil {
			return err
		}
		if row.Generation != gen || !row.State.Live() {
			return nil
		}
		_, err = t.initializeChildWorkflow(s, cfg, cfg.Composite.Static, nil)
		return err
	}})
}

type activityContext struct {
	t    *txn
	s    scope
	cfg  *definition.TaskConfig
	task *model.Task
	wi   *model.WorkItem
}

var _ definition.ActivityContext = (*activityContext)(nil)

func (a *activityContext) Context() context.Context { return a.t.ctx }

func (a *activityContext) Workflow() model.Workflow { return a.s.wf }

func (a *activityContext) Task() (model.Task, bool) {
	if a.task == nil {
		return model.Task{}, false
	}
	return *a.task, true
}

func (a *activityContext) WorkItem() (model.WorkItem, bool) {
	if a.wi == nil {
		return model.WorkItem{}, false
	}
	return *a.wi, true
}

func (a *activityContext) InitializeWorkItem(name string, payload json.RawMessage, offer *model.Offer) (string, error) {
	if a.cfg == nil {
		return "", errors.New("work items can only be initialized from task or work item activities")
	}
	return a.t.initializeWorkItem(a.s, a.cfg, name, payload, offer)
}

func (a *activityContext) InitializeChild(defName string, payload json.RawMessage) (string, error) {
	if a.cfg == nil {
		return "", errors.New("child workflows can only be initialized from task activities")
	}
	if !a.cfg.AllowsChild(defName) {
		return "", &InvariantViolationError{Message: "task " + a.cfg.Name + " does not register child definition " + defName}
	}
	child, err := a.t.initializeChildWorkflow(a.s, a.cfg, defName, payload)
	if err != nil {
		return "", err
	}
	return child, nil
}

func (a *activityContext) ScheduleCommand(after time.Duration, cmd definition.Command) error {
	if a.t.eng.sched == nil {
		return errors.New("no scheduler configured")
	}
	key := model.WorkflowKey(a.s.wf.ID)
	switch {
	case a.wi != nil:
		key = model.WorkItemKey(a.wi.ID)
	case a.task != nil:
		key = model.TaskKey(a.s.wf.ID, a.task.Name, a.task.Generation)
	}
	jobID := uuid.NewString()
	if err := a.t.tx.PutScheduled(a.t.ctx, model.ScheduledEntry{
		Key:       key,
		JobID:     jobID,
		CreatedAt: a.t.now,
	}); err != nil {
		return err
	}
	payload, err := json.Marshal(scheduledCommand{
		Definition: a.s.def.Name(),
		Version:    a.s.def.Version(),
		Command:    cmd.Name,
		Args:       cmd.Args,
		Key:        key,
		JobID:      jobID,
	})
	if err != nil {
		return err
	}
	a.t.scheduleJob(jobID, after, scheduler.Job{Name: JobCommand, Payload: payload})
	return nil
}

func (a *activityContext) SetFlag(key string, value any) {
	wf, err := a.t.tx.GetWorkflow(a.t.ctx, a.s.wf.ID)
	if err != nil {
		log.Error(a.t.ctx, err, log.KV{K: "msg", V: "set flag: load workflow"}, log.KV{K: "workflow_id", V: a.s.wf.ID})
		return
	}
	if wf.Flags == nil {
		wf.Flags = make(map[string]any)
	}
	wf.Flags[key] = value
	if err := a.t.tx.PutWorkflow(a.t.ctx, wf); err != nil {
		log.Error(a.t.ctx, err, log.KV{K: "msg", V: "set flag: store workflow"}, log.KV{K: "workflow_id", V: a.s.wf.ID})
	}
	a.s.wf = wf
}
