package engine

import (
	"goa.design/weave/definition"
	"goa.design/weave/model"
)

// The enabling evaluator decides which tasks change enabling status after a
// marking change. Tasks are re-evaluated in declaration order, which doubles
// as the topological tie-break for OR-join evaluation.

// reevaluate processes every task that lists one of the changed conditions
// as an input. Newly satisfied disabled tasks enable (new generation);
// enabled tasks whose join rule no longer holds disable and their open work
// items cancel.
func (t *txn) reevaluate(s scope, changed []string) error {
	affected := make(map[string]bool)
	for _, name := range changed {
		for _, cfg := range s.def.DependentTasks(name) {
			affected[cfg.Name] = true
		}
	}
	tasks := s.def.Tasks()
	for i := range tasks {
		cfg := &tasks[i]
		if !affected[cfg.Name] {
			continue
		}
		row, err := t.tx.GetTask(t.ctx, s.wf.ID, cfg.Name)
		if err != nil {
			return err
		}
		marking, err := t.markingSnapshot(s.wf.ID)
		if err != nil {
			return err
		}
		states, err := t.taskStates(s.wf.ID)
		if err != nil {
			return err
		}
		satisfied := t.joinSatisfied(s, cfg, marking, states)
		switch {
		case satisfied && row.State == model.TaskDisabled:
			if err := t.enableAndAnnounce(s, cfg); err != nil {
				return err
			}
		case satisfied && row.State.Terminal():
			// A finished task re-enables when new tokens arrive: the next
			// firing cycle begins.
			if err := t.enableAndAnnounce(s, cfg); err != nil {
				return err
			}
		case !satisfied && row.State == model.TaskEnabled:
			if err := t.disableTask(s, cfg, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// joinSatisfied evaluates a task's join rule against the marking snapshot.
func (t *txn) joinSatisfied(s scope, cfg *definition.TaskConfig, marking map[string]int, states map[string]model.TaskState) bool {
	marked := 0
	for _, in := range cfg.Inputs {
		if marking[in] > 0 {
			marked++
		}
	}
	switch cfg.Join {
	case definition.JoinAnd:
		return marked == len(cfg.Inputs)
	case definition.JoinXor:
		return marked == 1
	case definition.JoinOr:
		return marked > 0 && !t.orTokenCouldArrive(s, cfg, marking, states)
	}
	return false
}

// orTokenCouldArrive reports whether some upstream task could still emit a
// token into an unmarked input of the OR-join. The check is a conservative
// fixpoint over the definition graph: a task is considered live if it is
// enabled or started, or if any of its inputs is marked or could be marked
// by another live task. Terminal and disabled tasks count as revivable
// through reachable inputs, which over-approximates loops but never enables
// an OR-join early.
func (t *txn) orTokenCouldArrive(s scope, cfg *definition.TaskConfig, marking map[string]int, states map[string]model.TaskState) bool {
	reachableCond := make(map[string]bool)
	for name, m := range marking {
		if m > 0 {
			reachableCond[name] = true
		}
	}
	reachableTask := make(map[string]bool)
	tasks := s.def.Tasks()
	for changed := true; changed; {
		changed = false
		for i := range tasks {
			tc := &tasks[i]
			if tc.Name == cfg.Name || reachableTask[tc.Name] {
				continue
			}
			live := states[tc.Name].Live()
			if !live {
				for _, in := range tc.Inputs {
					if reachableCond[in] {
						live = true
						break
					}
				}
			}
			if !live {
				continue
			}
			reachableTask[tc.Name] = true
			changed = true
			for _, out := range tc.Outputs {
				if !reachableCond[out] {
					reachableCond[out] = true
				}
			}
		}
	}
	for _, in := range cfg.Inputs {
		if marking[in] > 0 {
			continue
		}
		for name := range reachableTask {
			tc, _ := s.def.Task(name)
			for _, out := range tc.Outputs {
				if out == in {
					return true
				}
			}
		}
	}
	return false
}

// enableAndAnnounce bumps the task into a new enabled generation and queues
// the enabling effects: the onEnabled hook and, for composite tasks, the
// child workflow initialization.
func (t *txn) enableAndAnnounce(s scope, cfg *definition.TaskConfig) error {
	task, err := t.enableTask(s, cfg.Name)
	if err != nil {
		return err
	}
	t.enqueueTaskHook(s, cfg, task, "task.onEnabled", cfg.Activities.OnEnabled)
	if cfg.Composite != nil && cfg.Composite.Static != "" {
		t.enqueueCompositeInit(s, cfg, task)
	}
	return nil
}

// disableTask retracts an enabled task whose join rule no longer holds and
// cancels the open work items of the abandoned firing cycle.
func (t *txn) disableTask(s scope, cfg *definition.TaskConfig, row model.Task) error {
	items, err := t.tx.ListWorkItems(t.ctx, s.wf.ID, cfg.Name, row.Generation)
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
	task, err := t.setTaskState(s, cfg.Name, row.Generation, model.TaskDisabled, "disableTask")
	if err != nil {
		return err
	}
	t.enqueueTaskHook(s, cfg, task, "task.onDisabled", cfg.Activities.OnDisabled)
	return nil
}
