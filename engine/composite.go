package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"goa.design/weave/audit"
	"goa.design/weave/definition"
	"goa.design/weave/model"
)

type (
	// WorkflowTarget locates the composite task a child workflow runs under.
	WorkflowTarget struct {
		// Path is the child definition name to instantiate.
		Path string `json:"path"`
		// ParentWorkflowID identifies the parent workflow instance.
		ParentWorkflowID string `json:"parentWorkflowId"`
		// ParentTaskName identifies the composite task within the parent.
		ParentTaskName string `json:"parentTaskName"`
	}

	// InitializeWorkflowArgs are the arguments of the InitializeWorkflow
	// command.
	InitializeWorkflowArgs struct {
		// Target locates the composite task and names the child definition.
		Target WorkflowTarget `json:"target"`
		// Payload is the child's initialization envelope.
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

// InitializeRoot creates and starts a new root workflow instance and returns
// its id. The payload is validated against the definition's initialize
// schema. Tasks satisfied by the start token enable before the workflow's
// own initialization hooks fire.
func (c *Commands) InitializeRoot(ctx context.Context, payload json.RawMessage) (string, error) {
	if err := c.def.ValidatePayload(definition.ElementWorkflow, "", definition.ActionInitialize, payload); err != nil {
		return "", err
	}
	var id string
	err := c.eng.run(ctx, "initializeRoot", func(t *txn) error {
		id = uuid.NewString()
		wf := model.Workflow{
			ID:         id,
			Definition: c.def.Name(),
			Version:    c.def.Version(),
			State:      model.WorkflowInitialized,
			TraceID:    id,
			Payload:    payload,
			CreatedAt:  t.now,
		}
		s, err := t.createInstance(c.def, wf)
		if err != nil {
			return err
		}
		end, err := t.beginCommand(wf.TraceID, "initializeRoot", id)
		if err != nil {
			return err
		}
		if err := t.startInstance(s); err != nil {
			return err
		}
		return t.finishCommand(s, end)
	})
	return id, err
}

// InitializeWorkflow instantiates a child workflow under a composite task.
// The named definition must be registered for the task; the task fires (its
// input tokens are consumed) if it had not already.
func (c *Commands) InitializeWorkflow(ctx context.Context, a InitializeWorkflowArgs) (string, error) {
	if a.Target.Path == "" || a.Target.ParentWorkflowID == "" || a.Target.ParentTaskName == "" {
		return "", errors.New("target path, parent workflow id and parent task name are required")
	}
	var id string
	err := c.eng.run(ctx, "initializeWorkflow", func(t *txn) error {
		s, err := t.scope(a.Target.ParentWorkflowID)
		if err != nil {
			return err
		}
		cfg, ok := s.def.Task(a.Target.ParentTaskName)
		if !ok {
			return fmt.Errorf("workflow %s has no task %q", a.Target.ParentWorkflowID, a.Target.ParentTaskName)
		}
		if !cfg.AllowsChild(a.Target.Path) {
			return &InvariantViolationError{
				Message: fmt.Sprintf("task %q does not register child definition %q", cfg.Name, a.Target.Path),
			}
		}
		end, err := t.beginCommand(s.wf.TraceID, "initializeWorkflow", a.Target.ParentWorkflowID)
		if err != nil {
			return err
		}
		id, err = t.initializeChildWorkflow(s, cfg, a.Target.Path, a.Payload)
		if err != nil {
			return err
		}
		return t.finishCommand(s, end)
	})
	return id, err
}

// createInstance persists a fresh workflow instance: the record itself,
// one zero-marked condition per declaration, one disabled generation-zero
// task per declaration.
func (t *txn) createInstance(def *definition.Definition, wf model.Workflow) (scope, error) {
	if err := t.tx.PutWorkflow(t.ctx, wf); err != nil {
		return scope{}, err
	}
	for _, cond := range def.Conditions() {
		c := model.Condition{WorkflowID: wf.ID, Name: cond.Name, UpdatedAt: t.now}
		if err := t.tx.PutCondition(t.ctx, c); err != nil {
			return scope{}, err
		}
	}
	for _, task := range def.Tasks() {
		row := model.Task{WorkflowID: wf.ID, Name: task.Name, State: model.TaskDisabled, UpdatedAt: t.now}
		if err := t.tx.PutTask(t.ctx, row); err != nil {
			return scope{}, err
		}
	}
	return scope{def: def, wf: wf}, nil
}

// startInstance records the initialized span, seeds the start token, and
// moves the instance to started. Enabling effects of the seed token queue
// before the workflow's own hooks.
func (t *txn) startInstance(s scope) error {
	attrs := map[string]any{audit.AttrState: string(model.WorkflowInitialized)}
	if s.wf.Parent != nil {
		attrs[audit.AttrParentWorkflow] = s.wf.Parent.WorkflowID
		attrs[audit.AttrParentTask] = s.wf.Parent.TaskName
	}
	if err := t.em.Emit(t.ctx, audit.Resource{Kind: audit.ResourceWorkflow, ID: s.wf.ID, Name: s.wf.Definition},
		"initializeWorkflow", string(model.WorkflowInitialized), attrs); err != nil {
		return err
	}
	start := s.def.StartCondition()
	if err := t.incrementCondition(s, start, 1); err != nil {
		return err
	}
	if err := t.reevaluate(s, []string{start}); err != nil {
		return err
	}
	t.enqueueWorkflowHook(s, "workflow.onInitialized", s.def.Workflow().OnInitialized)
	s, err := t.setWorkflowState(s, model.WorkflowStarted, "startWorkflow")
	if err != nil {
		return err
	}
	t.enqueueWorkflowHook(s, "workflow.onStarted", s.def.Workflow().OnStarted)
	return nil
}

// initializeChildWorkflow fires the composite task (if needed) and creates a
// child instance sharing the family trace id. Shared by the command surface,
// the static composite driver, and dynamic composite activities.
func (t *txn) initializeChildWorkflow(s scope, cfg *definition.TaskConfig, defName string, payload json.RawMessage) (string, error) {
	child, ok := s.def.Child(defName)
	if !ok {
		return "", fmt.Errorf("definition %q has no child definition %q", s.def.Name(), defName)
	}
	if err := child.ValidatePayload(definition.ElementWorkflow, "", definition.ActionInitialize, payload); err != nil {
		return "", err
	}
	task, err := t.ensureTaskStarted(s, cfg)
	if err != nil {
		return "", err
	}
	wf := model.Workflow{
		ID:         uuid.NewString(),
		Definition: child.Name(),
		Version:    child.Version(),
		State:      model.WorkflowInitialized,
		Parent: &model.ParentRef{
			WorkflowID:     s.wf.ID,
			TaskName:       cfg.Name,
			TaskGeneration: task.Generation,
		},
		TraceID:   s.wf.TraceID,
		Payload:   payload,
		CreatedAt: t.now,
	}
	cs, err := t.createInstance(child, wf)
	if err != nil {
		return "", err
	}
	if err := t.startInstance(cs); err != nil {
		return "", err
	}
	return wf.ID, nil
}
