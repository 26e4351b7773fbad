// Package engine executes workflow commands against registered definitions.
// Each command runs inside one store transaction: it validates its payload,
// mutates markings and lifecycle records, dispatches activity hooks in the
// canonical order, records audit spans, and commits atomically. Conflicting
// transactions retry; activity errors abort.
//
// The engine owns no goroutines. Deferred work (timeouts, delayed
// initializations) goes through the scheduler contract and re-enters the
// engine as fresh commands after the registering transaction commits.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"goa.design/weave/definition"
	"goa.design/weave/scheduler"
	"goa.design/weave/store"
)

// JobCommand is the scheduler job name the engine registers its deferred
// command handler under.
const JobCommand = "weave.command"

const defaultMaxAttempts = 3

type (
	// Options configures an Engine.
	Options struct {
		// Store is the transactional document store. Required.
		Store store.Store
		// Scheduler dispatches deferred commands. Optional; activities
		// calling ScheduleCommand fail without one.
		Scheduler scheduler.Scheduler
		// MaxAttempts caps command attempts on transaction conflicts.
		// Defaults to 3.
		MaxAttempts int
		// Tracer mirrors audit spans onto OTEL. Optional.
		Tracer trace.Tracer
		// Clock overrides the engine time source. Used by tests.
		Clock func() time.Time
	}

	// Engine is the workflow command engine and definition registry.
	Engine struct {
		store    store.Store
		sched    scheduler.Scheduler
		attempts int
		tracer   trace.Tracer
		clock    func() time.Time

		mu   sync.RWMutex
		defs map[string]*definition.Definition
	}

	// Commands is the command surface of one registered definition.
	Commands struct {
		eng *Engine
		def *definition.Definition
	}

	// scheduledCommand is the payload of a deferred engine command job. Key
	// and JobID locate the ledger entry to reap once the job has fired.
	scheduledCommand struct {
		Definition string          `json:"definition"`
		Version    string          `json:"version"`
		Command    string          `json:"command"`
		Args       json.RawMessage `json:"args"`
		Key        string          `json:"key,omitempty"`
		JobID      string          `json:"jobId,omitempty"`
	}
)

// New builds an Engine. If a scheduler is configured, the engine registers
// its deferred command handler on it.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	e := &Engine{
		store:    opts.Store,
		sched:    opts.Scheduler,
		attempts: attempts,
		tracer:   opts.Tracer,
		clock:    clock,
		defs:     make(map[string]*definition.Definition),
	}
	if e.sched != nil {
		if err := e.sched.RegisterHandler(JobCommand, e.handleScheduled); err != nil {
			return nil, fmt.Errorf("register scheduler handler: %w", err)
		}
	}
	return e, nil
}

func defKey(name, version string) string { return name + "@" + version }

// Register adds a definition and its child definitions to the registry.
// Registering a duplicate (name, version) is an error.
func (e *Engine) Register(def *definition.Definition) error {
	if def == nil {
		return errors.New("definition is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.register(def)
}

func (e *Engine) register(def *definition.Definition) error {
	key := defKey(def.Name(), def.Version())
	if _, dup := e.defs[key]; dup {
		return fmt.Errorf("definition %q already registered", key)
	}
	e.defs[key] = def
	for _, child := range childDefinitions(def) {
		if err := e.register(child); err != nil {
			return err
		}
	}
	return nil
}

func childDefinitions(def *definition.Definition) []*definition.Definition {
	seen := make(map[string]bool)
	var out []*definition.Definition
	for _, t := range def.Tasks() {
		if t.Composite == nil {
			continue
		}
		names := append([]string{t.Composite.Static}, t.Composite.Dynamic...)
		for _, name := range names {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			if child, ok := def.Child(name); ok {
				out = append(out, child)
			}
		}
	}
	return out
}

// Commands returns the command surface of a registered definition.
func (e *Engine) Commands(name, version string) (*Commands, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[defKey(name, version)]
	if !ok {
		return nil, fmt.Errorf("definition %q not registered", defKey(name, version))
	}
	return &Commands{eng: e, def: def}, nil
}

// definitionFor resolves the definition a stored workflow row was created
// from. Child definitions are registered alongside their parents, so the
// lookup covers composite children.
func (e *Engine) definitionFor(name, version string) (*definition.Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[defKey(name, version)]
	if !ok {
		return nil, fmt.Errorf("definition %q not registered", defKey(name, version))
	}
	return def, nil
}

// run executes one command with conflict retries. fn runs inside a fresh
// transaction on each attempt; scheduled jobs and cancellations collected by
// the transaction apply only after a successful commit.
func (e *Engine) run(ctx context.Context, op string, fn func(t *txn) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		t := &txn{eng: e, now: e.clock()}
		err := e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
			t.ctx = ctx
			t.tx = tx
			return fn(t)
		})
		if err == nil {
			t.applyDeferred(ctx)
			return nil
		}
		if !store.IsConflict(err) {
			return err
		}
		lastErr = err
		log.Debug(ctx, log.KV{K: "msg", V: "command conflict, retrying"}, log.KV{K: "op", V: op}, log.KV{K: "attempt", V: attempt})
	}
	return lastErr
}

// handleScheduled is the scheduler handler for deferred engine commands.
// Jobs whose target element reached a terminal state in the meantime are
// no-ops: the stale-target errors are swallowed.
func (e *Engine) handleScheduled(ctx context.Context, payload []byte) error {
	var sc scheduledCommand
	if err := json.Unmarshal(payload, &sc); err != nil {
		return fmt.Errorf("decode scheduled command: %w", err)
	}
	cmds, err := e.Commands(sc.Definition, sc.Version)
	if err != nil {
		return err
	}
	err = cmds.dispatch(ctx, sc.Command, sc.Args)
	// The job fired; its ledger entry is spent either way.
	e.reapFired(ctx, sc)
	if err == nil {
		return nil
	}
	if IsNotEnabled(err) || IsIllegalStateTransition(err) || store.IsNotFound(err) {
		log.Debug(ctx, log.KV{K: "msg", V: "scheduled command target is stale"}, log.KV{K: "command", V: sc.Command})
		return nil
	}
	return err
}

func (e *Engine) reapFired(ctx context.Context, sc scheduledCommand) {
	if sc.Key == "" || sc.JobID == "" {
		return
	}
	err := e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteScheduled(ctx, sc.Key, sc.JobID)
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "reap fired job ledger entry"}, log.KV{K: "job_id", V: sc.JobID})
	}
}

// dispatch routes a deferred command by name. The names match the command
// surface; unknown names are an error.
func (c *Commands) dispatch(ctx context.Context, command string, args json.RawMessage) error {
	switch command {
	case "initializeWorkItem":
		var a InitializeWorkItemArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("decode %s args: %w", command, err)
		}
		_, err := c.InitializeWorkItem(ctx, a)
		return err
	case "startWorkItem":
		var a WorkItemArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("decode %s args: %w", command, err)
		}
		return c.StartWorkItem(ctx, a)
	case "completeWorkItem":
		var a WorkItemArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("decode %s args: %w", command, err)
		}
		return c.CompleteWorkItem(ctx, a)
	case "failWorkItem":
		var a WorkItemArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("decode %s args: %w", command, err)
		}
		return c.FailWorkItem(ctx, a)
	case "cancelWorkItem":
		var a WorkItemArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("decode %s args: %w", command, err)
		}
		return c.CancelWorkItem(ctx, a)
	case "initializeWorkflow":
		var a InitializeWorkflowArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("decode %s args: %w", command, err)
		}
		_, err := c.InitializeWorkflow(ctx, a)
		return err
	case "cancelWorkflow":
		var a CancelWorkflowArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("decode %s args: %w", command, err)
		}
		return c.CancelWorkflow(ctx, a.WorkflowID)
	default:
		return fmt.Errorf("unknown scheduled command %q", command)
	}
}
