package engine

import (
	"fmt"

	"goa.design/weave/definition"
	"goa.design/weave/model"
)

// The firing engine moves tokens: it consumes input tokens when a task
// starts and produces output tokens when a task completes. Consumption and
// production both trigger re-evaluation of the tasks that depend on the
// touched conditions.

// ensureTaskStarted transitions an enabled task to started, consuming its
// input tokens. Started tasks pass through; any other state is NotEnabled.
func (t *txn) ensureTaskStarted(s scope, cfg *definition.TaskConfig) (model.Task, error) {
	row, err := t.tx.GetTask(t.ctx, s.wf.ID, cfg.Name)
	if err != nil {
		return model.Task{}, err
	}
	switch row.State {
	case model.TaskStarted:
		return row, nil
	case model.TaskEnabled:
	default:
		return model.Task{}, &NotEnabledError{WorkflowID: s.wf.ID, Task: cfg.Name}
	}

	consumed, err := t.consumeInputs(s, cfg)
	if err != nil {
		return model.Task{}, err
	}
	task, err := t.setTaskState(s, cfg.Name, row.Generation, model.TaskStarted, "startTask")
	if err != nil {
		return model.Task{}, err
	}
	t.enqueueTaskHook(s, cfg, task, "task.onStarted", cfg.Activities.OnStarted)
	// Consumption may retract competitors sharing the consumed conditions.
	if err := t.reevaluate(s, consumed); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

// consumeInputs removes the tokens the task's join rule claims and returns
// the touched condition names.
func (t *txn) consumeInputs(s scope, cfg *definition.TaskConfig) ([]string, error) {
	var marked []string
	for _, in := range cfg.Inputs {
		c, err := t.readCondition(s, in)
		if err != nil {
			return nil, err
		}
		if c.Marking > 0 {
			marked = append(marked, in)
		}
	}

	var consume []string
	switch cfg.Join {
	case definition.JoinAnd:
		if len(marked) != len(cfg.Inputs) {
			return nil, &NotEnabledError{WorkflowID: s.wf.ID, Task: cfg.Name}
		}
		consume = cfg.Inputs
	case definition.JoinXor:
		if len(marked) == 0 {
			return nil, &NotEnabledError{WorkflowID: s.wf.ID, Task: cfg.Name}
		}
		// Exactly one input is marked when the XOR-join enabled; if the
		// marking drifted since, the first marked input in declaration
		// order keeps consumption deterministic.
		consume = marked[:1]
	case definition.JoinOr:
		if len(marked) == 0 {
			return nil, &NotEnabledError{WorkflowID: s.wf.ID, Task: cfg.Name}
		}
		consume = marked
	}

	for _, in := range consume {
		if err := t.decrementCondition(s, in, 1); err != nil {
			return nil, err
		}
	}
	return consume, nil
}

// produceOutputs emits tokens per the task's split type and returns the
// touched condition names. Route predicate errors propagate to the caller,
// which fails the task transition.
func (t *txn) produceOutputs(s scope, cfg *definition.TaskConfig) ([]string, error) {
	outputs, err := t.routeOutputs(s, cfg)
	if err != nil {
		return nil, err
	}
	for _, out := range outputs {
		if err := t.incrementCondition(s, out, 1); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

// routeOutputs selects the output conditions a completing task emits to.
func (t *txn) routeOutputs(s scope, cfg *definition.TaskConfig) ([]string, error) {
	if cfg.Split == definition.SplitAnd {
		return cfg.Outputs, nil
	}

	var chosen []string
	if cfg.Route != nil {
		rs, err := t.reload(s)
		if err != nil {
			return nil, err
		}
		marking, err := t.markingSnapshot(rs.wf.ID)
		if err != nil {
			return nil, err
		}
		chosen, err = cfg.Route(definition.RouteContext{
			Workflow: rs.wf,
			Task:     cfg.Name,
			Marking:  marking,
		})
		if err != nil {
			return nil, fmt.Errorf("route predicate of task %q: %w", cfg.Name, err)
		}
		allowed := make(map[string]bool, len(cfg.Outputs))
		for _, out := range cfg.Outputs {
			allowed[out] = true
		}
		for _, out := range chosen {
			if !allowed[out] {
				return nil, fmt.Errorf("route predicate of task %q chose %q, not an output condition", cfg.Name, out)
			}
		}
	}

	switch cfg.Split {
	case definition.SplitXor:
		if len(chosen) == 0 {
			// No predicate or empty choice: first declared output.
			return cfg.Outputs[:1], nil
		}
		return chosen[:1], nil
	case definition.SplitOr:
		if len(chosen) == 0 {
			return nil, fmt.Errorf("route predicate of task %q returned no outputs for or-split", cfg.Name)
		}
		return chosen, nil
	}
	return cfg.Outputs, nil
}
