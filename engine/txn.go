package engine

import (
	"context"
	"time"

	"goa.design/clue/log"

	"goa.design/weave/audit"
	"goa.design/weave/definition"
	"goa.design/weave/model"
	"goa.design/weave/scheduler"
	"goa.design/weave/store"
	"goa.design/weave/telemetry"
)

type (
	// txn carries the per-command execution state: the open transaction,
	// the span emitter, the activity dispatch queue, and the deferred
	// scheduler work that applies after commit.
	txn struct {
		eng *Engine
		ctx context.Context
		tx  store.Tx
		em  *audit.Emitter
		now time.Time

		queue     []pendingActivity
		schedules []pendingSchedule
		cancels   []string
	}

	// scope pairs a loaded workflow row with its definition. Commands and
	// cascades that cross composite boundaries carry a scope per workflow.
	scope struct {
		def *definition.Definition
		wf  model.Workflow
	}

	pendingSchedule struct {
		id    string
		after time.Duration
		job   scheduler.Job
	}
)

// scope loads a workflow row and resolves its definition.
func (t *txn) scope(wfID string) (scope, error) {
	wf, err := t.tx.GetWorkflow(t.ctx, wfID)
	if err != nil {
		return scope{}, err
	}
	def, err := t.eng.definitionFor(wf.Definition, wf.Version)
	if err != nil {
		return scope{}, err
	}
	return scope{def: def, wf: wf}, nil
}

// reload refreshes the scope's workflow snapshot from the transaction.
func (t *txn) reload(s scope) (scope, error) {
	wf, err := t.tx.GetWorkflow(t.ctx, s.wf.ID)
	if err != nil {
		return scope{}, err
	}
	s.wf = wf
	return s, nil
}

// emitter returns the command's span emitter, creating it on first use so
// idempotent no-op commands emit nothing.
func (t *txn) emitter(traceID string) (*audit.Emitter, error) {
	if t.em != nil {
		return t.em, nil
	}
	opts := []audit.EmitterOption{audit.WithClock(t.eng.clock)}
	if t.eng.tracer != nil {
		opts = append(opts, audit.WithTracer(t.eng.tracer))
	}
	em, err := audit.NewEmitter(t.tx, traceID, opts...)
	if err != nil {
		return nil, err
	}
	t.em = em
	return em, nil
}

// beginCommand ensures the emitter exists and opens the command's root span.
// The context logger picks up the trace identifiers for the command's logs.
func (t *txn) beginCommand(traceID, command, elementID string) (func(string) error, error) {
	t.ctx = telemetry.WithWorkflow(t.ctx, elementID, traceID)
	if _, err := t.emitter(traceID); err != nil {
		return nil, err
	}
	return t.em.Begin(t.ctx, audit.Resource{Kind: audit.ResourceCustom, ID: elementID, Name: command}, command, nil), nil
}

// finishCommand drains the activity queue, applies any workflow completion
// the command's mutations unlocked, drains the hooks that added, and closes
// the command root span.
func (t *txn) finishCommand(s scope, end func(string) error) error {
	if err := t.drain(); err != nil {
		return err
	}
	s, err := t.reload(s)
	if err != nil {
		return err
	}
	if err := t.maybeCompleteWorkflow(s); err != nil {
		return err
	}
	if err := t.drain(); err != nil {
		return err
	}
	return end("ok")
}

// markingSnapshot returns every condition marking of a workflow.
func (t *txn) markingSnapshot(wfID string) (map[string]int, error) {
	conds, err := t.tx.ListConditions(t.ctx, wfID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(conds))
	for _, c := range conds {
		out[c.Name] = c.Marking
	}
	return out, nil
}

// taskStates returns every task state of a workflow keyed by name.
func (t *txn) taskStates(wfID string) (map[string]model.TaskState, error) {
	tasks, err := t.tx.ListTasks(t.ctx, wfID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.TaskState, len(tasks))
	for _, task := range tasks {
		out[task.Name] = task.State
	}
	return out, nil
}

// scheduleJob records a deferred job to hand to the scheduler after commit.
func (t *txn) scheduleJob(id string, after time.Duration, job scheduler.Job) {
	t.schedules = append(t.schedules, pendingSchedule{id: id, after: after, job: job})
}

// cancelJob records a scheduler cancellation to apply after commit.
func (t *txn) cancelJob(id string) {
	t.cancels = append(t.cancels, id)
}

// applyDeferred hands the collected scheduler work over once the transaction
// has committed. Failures are logged; the committed state is authoritative
// and stale jobs no-op when they fire.
func (t *txn) applyDeferred(ctx context.Context) {
	if t.eng.sched == nil {
		return
	}
	for _, id := range t.cancels {
		if err := t.eng.sched.Cancel(ctx, id); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "cancel deferred job"}, log.KV{K: "job_id", V: id})
		}
	}
	for _, p := range t.schedules {
		if err := t.eng.sched.Schedule(ctx, p.id, p.after, p.job); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "schedule deferred job"}, log.KV{K: "job_id", V: p.id})
		}
	}
}
