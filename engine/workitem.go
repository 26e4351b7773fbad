package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/weave/definition"
	"goa.design/weave/model"
)

type (
	// InitializeWorkItemArgs are the arguments of the InitializeWorkItem
	// command.
	InitializeWorkItemArgs struct {
		// WorkflowID identifies the workflow instance.
		WorkflowID string `json:"workflowId"`
		// TaskName identifies the owning task.
		TaskName string `json:"taskName"`
		// Name is the action name used for schema lookup.
		Name string `json:"name"`
		// Payload is the initial envelope, validated against the action's
		// initialize schema.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Offer restricts who may claim the work item. Nil offers require no
		// claim.
		Offer *model.Offer `json:"offer,omitempty"`
	}

	// WorkItemArgs are the arguments of the work item transition commands.
	WorkItemArgs struct {
		// WorkItemID identifies the work item.
		WorkItemID string `json:"workItemId"`
		// By identifies the acting user. Required for claimed transitions.
		By string `json:"by,omitempty"`
		// Payload replaces the work item envelope when non-empty; it is
		// validated against the action's schema.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// CancelWorkflowArgs are the arguments of the CancelWorkflow command.
	CancelWorkflowArgs struct {
		// WorkflowID identifies the workflow instance to cancel.
		WorkflowID string `json:"workflowId"`
	}
)

// InitializeWorkItem creates a work item on a live task and returns its id.
// The owning task must be enabled or started.
func (c *Commands) InitializeWorkItem(ctx context.Context, a InitializeWorkItemArgs) (string, error) {
	if a.WorkflowID == "" || a.TaskName == "" || a.Name == "" {
		return "", errors.New("workflow id, task name and work item name are required")
	}
	var id string
	err := c.eng.run(ctx, "initializeWorkItem", func(t *txn) error {
		s, err := t.scope(a.WorkflowID)
		if err != nil {
			return err
		}
		cfg, ok := s.def.Task(a.TaskName)
		if !ok {
			return fmt.Errorf("workflow %s has no task %q", a.WorkflowID, a.TaskName)
		}
		end, err := t.beginCommand(s.wf.TraceID, "initializeWorkItem", a.WorkflowID)
		if err != nil {
			return err
		}
		id, err = t.initializeWorkItem(s, cfg, a.Name, a.Payload, a.Offer)
		if err != nil {
			return err
		}
		return t.finishCommand(s, end)
	})
	return id, err
}

// StartWorkItem transitions a work item from initialized to started. Starting
// the first work item of an enabled task fires the task: its input tokens are
// consumed. User and group offers are claimed here.
func (c *Commands) StartWorkItem(ctx context.Context, a WorkItemArgs) error {
	if a.WorkItemID == "" {
		return errors.New("work item id is required")
	}
	return c.eng.run(ctx, "startWorkItem", func(t *txn) error {
		s, cfg, wi, err := t.workItemScope(a.WorkItemID)
		if err != nil {
			return err
		}
		if wi.State != model.WorkItemInitialized {
			return &IllegalStateTransitionError{Resource: "workItem", ID: wi.ID, From: string(wi.State), Action: "start"}
		}
		if err := claimFor(&wi, a.By, t.now); err != nil {
			return err
		}
		if err := s.def.ValidatePayload(definition.ElementWorkItem, wi.Name, definition.ActionStart, a.Payload); err != nil {
			return err
		}
		end, err := t.beginCommand(s.wf.TraceID, "startWorkItem", wi.ID)
		if err != nil {
			return err
		}
		task, err := t.ensureTaskStarted(s, cfg)
		if err != nil {
			return err
		}
		if task.Generation != wi.TaskGeneration {
			return &NotEnabledError{WorkflowID: s.wf.ID, Task: cfg.Name}
		}
		if len(a.Payload) > 0 {
			wi.Payload = a.Payload
		}
		wi, err = t.setWorkItemState(wi, model.WorkItemStarted, "startWorkItem")
		if err != nil {
			return err
		}
		if err := t.recordItemTransition(cfg, wi, model.WorkItemInitialized, model.WorkItemStarted); err != nil {
			return err
		}
		t.enqueueWorkItemHook(s, cfg, wi, "workItem.onStarted", cfg.WorkItems.OnStarted)
		t.enqueueWorkItemObserver(s, cfg, wi)
		return t.finishCommand(s, end)
	})
}

// CompleteWorkItem transitions a started work item to completed and consults
// the owning task's completion policy.
func (c *Commands) CompleteWorkItem(ctx context.Context, a WorkItemArgs) error {
	return c.finishWorkItem(ctx, a, "completeWorkItem", definition.ActionComplete, model.WorkItemCompleted)
}

// FailWorkItem transitions a started work item to failed and consults the
// owning task's completion policy. Under the default policy the task and the
// workflow fail.
func (c *Commands) FailWorkItem(ctx context.Context, a WorkItemArgs) error {
	return c.finishWorkItem(ctx, a, "failWorkItem", definition.ActionFail, model.WorkItemFailed)
}

func (c *Commands) finishWorkItem(ctx context.Context, a WorkItemArgs, command string, action definition.Action, to model.WorkItemState) error {
	if a.WorkItemID == "" {
		return errors.New("work item id is required")
	}
	return c.eng.run(ctx, command, func(t *txn) error {
		s, cfg, wi, err := t.workItemScope(a.WorkItemID)
		if err != nil {
			return err
		}
		if wi.State != model.WorkItemStarted {
			return &IllegalStateTransitionError{Resource: "workItem", ID: wi.ID, From: string(wi.State), Action: string(action)}
		}
		if wi.Claim != nil && a.By != wi.Claim.By {
			return &ValidationError{Fields: []FieldError{{Path: "/by", Message: fmt.Sprintf("work item is claimed by %q", wi.Claim.By)}}}
		}
		if err := s.def.ValidatePayload(definition.ElementWorkItem, wi.Name, action, a.Payload); err != nil {
			return err
		}
		task, err := t.tx.GetTask(t.ctx, s.wf.ID, cfg.Name)
		if err != nil {
			return err
		}
		if task.Generation != wi.TaskGeneration || task.State != model.TaskStarted {
			return &IllegalStateTransitionError{Resource: "workItem", ID: wi.ID, From: string(wi.State), Action: string(action)}
		}
		end, err := t.beginCommand(s.wf.TraceID, command, wi.ID)
		if err != nil {
			return err
		}
		if len(a.Payload) > 0 {
			wi.Payload = a.Payload
		}
		wi, err = t.setWorkItemState(wi, to, command)
		if err != nil {
			return err
		}
		if err := t.recordItemTransition(cfg, wi, model.WorkItemStarted, to); err != nil {
			return err
		}
		if err := t.reapLedger(model.WorkItemKey(wi.ID)); err != nil {
			return err
		}
		switch to {
		case model.WorkItemCompleted:
			t.enqueueWorkItemHook(s, cfg, wi, "workItem.onCompleted", cfg.WorkItems.OnCompleted)
		case model.WorkItemFailed:
			t.enqueueWorkItemHook(s, cfg, wi, "workItem.onFailed", cfg.WorkItems.OnFailed)
		}
		t.enqueueWorkItemObserver(s, cfg, wi)
		if err := t.consultPolicy(s, cfg, task); err != nil {
			return err
		}
		return t.finishCommand(s, end)
	})
}

// CancelWorkItem cancels a non-terminal work item. Canceling an already
// terminal work item is a no-op that records nothing.
func (c *Commands) CancelWorkItem(ctx context.Context, a WorkItemArgs) error {
	if a.WorkItemID == "" {
		return errors.New("work item id is required")
	}
	return c.eng.run(ctx, "cancelWorkItem", func(t *txn) error {
		s, cfg, wi, err := t.workItemScope(a.WorkItemID)
		if err != nil {
			return err
		}
		if wi.State.Terminal() {
			return nil
		}
		end, err := t.beginCommand(s.wf.TraceID, "cancelWorkItem", wi.ID)
		if err != nil {
			return err
		}
		if err := t.cancelWorkItemRecord(s, cfg, wi); err != nil {
			return err
		}
		task, err := t.tx.GetTask(t.ctx, s.wf.ID, cfg.Name)
		if err != nil {
			return err
		}
		if task.Generation == wi.TaskGeneration && task.State == model.TaskStarted {
			if err := t.consultPolicy(s, cfg, task); err != nil {
				return err
			}
		}
		return t.finishCommand(s, end)
	})
}

// workItemScope loads a work item together with its workflow scope and task
// declaration.
func (t *txn) workItemScope(id string) (scope, *definition.TaskConfig, model.WorkItem, error) {
	wi, err := t.tx.GetWorkItem(t.ctx, id)
	if err != nil {
		return scope{}, nil, model.WorkItem{}, err
	}
	s, err := t.scope(wi.WorkflowID)
	if err != nil {
		return scope{}, nil, model.WorkItem{}, err
	}
	cfg, ok := s.def.Task(wi.TaskName)
	if !ok {
		return scope{}, nil, model.WorkItem{}, &InvariantViolationError{
			Message: fmt.Sprintf("work item %s references unknown task %q", wi.ID, wi.TaskName),
		}
	}
	return s, cfg, wi, nil
}

// claimFor enforces the work item's offer on start. User offers require the
// named user; group offers require any named claimant; system offers and
// unrestricted items require none.
func claimFor(wi *model.WorkItem, by string, now time.Time) error {
	if wi.Offer == nil {
		return nil
	}
	switch wi.Offer.Kind {
	case model.OfferUser:
		if by != wi.Offer.To {
			return &ValidationError{Fields: []FieldError{{Path: "/by", Message: fmt.Sprintf("work item is offered to user %q", wi.Offer.To)}}}
		}
		wi.Claim = &model.Claim{By: by, At: now}
	case model.OfferGroup:
		if by == "" {
			return &ValidationError{Fields: []FieldError{{Path: "/by", Message: fmt.Sprintf("work item is offered to group %q and must be claimed", wi.Offer.To)}}}
		}
		wi.Claim = &model.Claim{By: by, At: now}
	case model.OfferSystem:
	}
	return nil
}

// initializeWorkItem creates a work item on a live task. Shared by the
// command surface and the activity context.
func (t *txn) initializeWorkItem(s scope, cfg *definition.TaskConfig, name string, payload json.RawMessage, offer *model.Offer) (string, error) {
	task, err := t.tx.GetTask(t.ctx, s.wf.ID, cfg.Name)
	if err != nil {
		return "", err
	}
	if !task.State.Live() {
		return "", &NotEnabledError{WorkflowID: s.wf.ID, Task: cfg.Name}
	}
	if err := s.def.ValidatePayload(definition.ElementWorkItem, name, definition.ActionInitialize, payload); err != nil {
		return "", err
	}
	wi := model.WorkItem{
		ID:             uuid.NewString(),
		WorkflowID:     s.wf.ID,
		TaskName:       cfg.Name,
		TaskGeneration: task.Generation,
		Name:           name,
		State:          model.WorkItemInitialized,
		Payload:        payload,
		Offer:          offer,
		CreatedAt:      t.now,
		UpdatedAt:      t.now,
	}
	if err := t.insertWorkItem(s, wi); err != nil {
		return "", err
	}
	if err := t.recordItemInitialized(cfg, wi); err != nil {
		return "", err
	}
	t.enqueueWorkItemHook(s, cfg, wi, "workItem.onInitialized", cfg.WorkItems.OnInitialized)
	t.enqueueWorkItemObserver(s, cfg, wi)
	return wi.ID, nil
}

// cancelWorkItemRecord cancels one non-terminal work item: state, stats,
// ledger reap, hooks. Callers decide whether a policy consult follows.
func (t *txn) cancelWorkItemRecord(s scope, cfg *definition.TaskConfig, wi model.WorkItem) error {
	from := wi.State
	wi, err := t.setWorkItemState(wi, model.WorkItemCanceled, "cancelWorkItem")
	if err != nil {
		return err
	}
	if err := t.recordItemTransition(cfg, wi, from, model.WorkItemCanceled); err != nil {
		return err
	}
	if err := t.reapLedger(model.WorkItemKey(wi.ID)); err != nil {
		return err
	}
	t.enqueueWorkItemHook(s, cfg, wi, "workItem.onCanceled", cfg.WorkItems.OnCanceled)
	t.enqueueWorkItemObserver(s, cfg, wi)
	return nil
}
