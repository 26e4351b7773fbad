// Package definition models immutable workflow definitions: the conditions,
// tasks, join/split behavior, cancellation regions, routing predicates,
// activity hooks, completion policies, and action payload schemas that make
// up one version of a workflow.
//
// Definitions are assembled from a Config — a tagged-variant configuration
// structure — and validated once at construction. The engine registers the
// resulting Definition by (name, version) and never mutates it; the same
// Definition value may serve any number of workflow instances concurrently.
package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/weave/model"
)

// JoinType selects how a task's input conditions enable it.
type JoinType string

const (
	// JoinAnd enables the task when every input condition is marked.
	JoinAnd JoinType = "and"
	// JoinOr enables the task when at least one input condition is marked
	// and no further token can still arrive on an unmarked input.
	JoinOr JoinType = "or"
	// JoinXor enables the task when exactly one input condition is marked.
	JoinXor JoinType = "xor"
)

// SplitType selects how a completing task produces output tokens.
type SplitType string

const (
	// SplitAnd produces one token on every output condition.
	SplitAnd SplitType = "and"
	// SplitOr produces one token on each output chosen by the route
	// predicate; the chosen set must be non-empty.
	SplitOr SplitType = "or"
	// SplitXor produces one token on exactly one output condition.
	SplitXor SplitType = "xor"
)

// CompletionDecision is a completion policy's verdict after a work item or
// child workflow reaches a terminal state.
type CompletionDecision string

const (
	// DecisionComplete finishes the task successfully.
	DecisionComplete CompletionDecision = "complete"
	// DecisionFail fails the task (and by default the workflow).
	DecisionFail CompletionDecision = "fail"
	// DecisionContinue leaves the task running.
	DecisionContinue CompletionDecision = "continue"
)

type (
	// RouteContext is the read-only snapshot a route predicate evaluates
	// against. Predicates must be pure: same snapshot, same route.
	RouteContext struct {
		// Workflow is the current workflow record, including flags written
		// by activities.
		Workflow model.Workflow
		// Task is the completing task's name.
		Task string
		// Marking maps every condition name to its current token count.
		Marking map[string]int
	}

	// RoutePredicate selects the output conditions a completing task emits
	// to. It runs inside the firing transaction; an error fails the task
	// transition. For XOR splits the first returned output is used.
	RoutePredicate func(RouteContext) ([]string, error)

	// PolicySnapshot is what a completion policy sees when consulted: every
	// work item of the task's current firing cycle and, for composite
	// tasks, every child workflow.
	PolicySnapshot struct {
		Items    []model.WorkItem
		Children []model.Workflow
	}

	// CompletionPolicy decides whether a task completes, fails, or keeps
	// running after one of its work items or children reaches a terminal
	// state.
	CompletionPolicy func(PolicySnapshot) CompletionDecision

	// Command is a deferred engine command an activity schedules for later
	// execution. The engine validates the name and arguments when the job
	// comes due; jobs targeting terminal elements are no-ops.
	Command struct {
		// Name is the engine command name (e.g. "initializeWorkItem",
		// "cancelWorkflow").
		Name string
		// Args is the JSON-encoded command argument object.
		Args json.RawMessage
	}

	// ActivityContext is the surface activities run against. All operations
	// execute inside the command's transaction; scheduled commands become
	// visible only after the transaction commits.
	ActivityContext interface {
		// Context returns the command's context for logging and tracing.
		Context() context.Context

		// Workflow returns the workflow record the activity fires on.
		Workflow() model.Workflow

		// Task returns the task record for task-level activities.
		Task() (model.Task, bool)

		// WorkItem returns the work item record for work-item-level
		// activities.
		WorkItem() (model.WorkItem, bool)

		// InitializeWorkItem creates a work item on the activity's task.
		// Only valid while the task is enabled or started.
		InitializeWorkItem(name string, payload json.RawMessage, offer *model.Offer) (string, error)

		// InitializeChild starts a child workflow under the activity's
		// composite task. The definition name must be registered for the
		// task (the static child, or a member of the dynamic set).
		InitializeChild(def string, payload json.RawMessage) (string, error)

		// ScheduleCommand registers a deferred command keyed to the
		// activity's element. Multiple registrations are additive. Every
		// pending command under the element is canceled when the element
		// reaches a terminal state.
		ScheduleCommand(after time.Duration, cmd Command) error

		// SetFlag writes a routing hint onto the workflow's flags blob.
		SetFlag(key string, value any)
	}

	// TaskActivities are the optional hooks invoked as a task and its work
	// items move through their lifecycles. Nil hooks are skipped.
	TaskActivities struct {
		OnEnabled   func(ActivityContext) error
		OnDisabled  func(ActivityContext) error
		OnStarted   func(ActivityContext) error
		OnCompleted func(ActivityContext) error
		OnFailed    func(ActivityContext) error
		OnCanceled  func(ActivityContext) error

		// OnWorkItemStateChanged observes every work item transition of
		// the task, immediately after the transition's own activity.
		OnWorkItemStateChanged func(ActivityContext, model.WorkItem) error

		// OnWorkflowStateChanged observes child workflow transitions on
		// composite tasks.
		OnWorkflowStateChanged func(ActivityContext, model.Workflow) error
	}

	// WorkItemActivities are the optional hooks invoked on work item
	// transitions.
	WorkItemActivities struct {
		OnInitialized func(ActivityContext) error
		OnStarted     func(ActivityContext) error
		OnCompleted   func(ActivityContext) error
		OnFailed      func(ActivityContext) error
		OnCanceled    func(ActivityContext) error
	}

	// WorkflowActivities are the optional hooks invoked on workflow
	// transitions.
	WorkflowActivities struct {
		OnInitialized func(ActivityContext) error
		OnStarted     func(ActivityContext) error
		OnCompleted   func(ActivityContext) error
		OnFailed      func(ActivityContext) error
		OnCanceled    func(ActivityContext) error
	}

	// Region declares the tasks and conditions cleared atomically when the
	// declaring task completes.
	Region struct {
		Tasks      []string
		Conditions []string
	}

	// Composite configures a task whose firing runs child workflows instead
	// of plain work items. Exactly one of Static or Dynamic is set.
	Composite struct {
		// Static names the single child definition initialized on enable.
		Static string
		// Dynamic lists the child definitions the task's onEnabled activity
		// may initialize at runtime.
		Dynamic []string
	}

	// ConditionConfig declares one condition of the net.
	ConditionConfig struct {
		// Name is the condition name, unique within the definition.
		Name string
		// Start marks the input condition seeded on initialization.
		Start bool
		// End marks the output condition whose marking completes the
		// workflow.
		End bool
	}

	// TaskConfig declares one task of the net.
	TaskConfig struct {
		// Name is the task name, unique within the definition.
		Name string
		// Join selects the enabling rule. Defaults to JoinAnd.
		Join JoinType
		// Split selects the token production rule. Defaults to SplitAnd.
		Split SplitType
		// Inputs and Outputs name the task's input and output conditions.
		Inputs  []string
		Outputs []string
		// Route selects split outputs for OR and XOR splits. Optional; XOR
		// falls back to the first declared output.
		Route RoutePredicate
		// Region is the task's cancellation region. Optional.
		Region *Region
		// Composite turns the task into a (dynamic) composite task.
		Composite *Composite
		// Activities are the task's lifecycle hooks.
		Activities TaskActivities
		// WorkItems are the hooks shared by the task's work items.
		WorkItems WorkItemActivities
		// Policy is the completion policy. Defaults to
		// CompleteOnAllTerminal with any-failure-fatal semantics.
		Policy CompletionPolicy
		// Shards is the statistics shard count. Defaults to 1.
		Shards int
	}

	// Config is the tagged-variant configuration a Definition is built
	// from. It is consumed by New and must not be mutated afterwards.
	Config struct {
		// Name and Version identify the definition in the engine registry.
		Name    string
		Version string
		// Conditions and Tasks declare the net. Declaration order is
		// significant: it fixes the deterministic evaluation order.
		Conditions []ConditionConfig
		Tasks      []TaskConfig
		// Workflow holds the workflow-level hooks.
		Workflow WorkflowActivities
		// Children are the child definitions composite tasks reference.
		Children []Config
		// Schemas declare the action payload schemas (see SchemaConfig).
		Schemas []SchemaConfig
	}

	// Definition is a validated, immutable workflow definition.
	Definition struct {
		name    string
		version string

		conditions []ConditionConfig
		tasks      []TaskConfig
		taskIndex  map[string]int
		start      string
		end        string

		// dependents maps a condition name to the indexes of tasks that
		// list it as input, in declaration order.
		dependents map[string][]int

		workflow WorkflowActivities
		children map[string]*Definition
		schemas  *schemaSet
	}
)

// DefaultCompletionPolicy is the policy applied when a task declares none:
// fail on the first failed work item or child, complete once every work item
// and child is terminal with at least one completed, continue otherwise.
// A lone canceled work item neither fails nor completes a started task.
func DefaultCompletionPolicy(s PolicySnapshot) CompletionDecision {
	var completed, open int
	for _, wi := range s.Items {
		switch wi.State {
		case model.WorkItemFailed:
			return DecisionFail
		case model.WorkItemCompleted:
			completed++
		case model.WorkItemInitialized, model.WorkItemStarted:
			open++
		}
	}
	for _, child := range s.Children {
		switch child.State {
		case model.WorkflowFailed:
			return DecisionFail
		case model.WorkflowCompleted:
			completed++
		case model.WorkflowInitialized, model.WorkflowStarted:
			open++
		}
	}
	if open == 0 && completed > 0 {
		return DecisionComplete
	}
	return DecisionContinue
}

// New validates the configuration and builds an immutable Definition.
func New(cfg Config) (*Definition, error) {
	if cfg.Name == "" {
		return nil, errors.New("definition name is required")
	}
	if cfg.Version == "" {
		return nil, errors.New("definition version is required")
	}
	if len(cfg.Conditions) == 0 {
		return nil, fmt.Errorf("definition %q declares no conditions", cfg.Name)
	}

	d := &Definition{
		name:       cfg.Name,
		version:    cfg.Version,
		conditions: cfg.Conditions,
		tasks:      cfg.Tasks,
		taskIndex:  make(map[string]int, len(cfg.Tasks)),
		dependents: make(map[string][]int),
		workflow:   cfg.Workflow,
		children:   make(map[string]*Definition, len(cfg.Children)),
	}

	condNames := make(map[string]bool, len(cfg.Conditions))
	for _, c := range cfg.Conditions {
		if c.Name == "" {
			return nil, fmt.Errorf("definition %q: condition with empty name", cfg.Name)
		}
		if condNames[c.Name] {
			return nil, fmt.Errorf("definition %q: duplicate condition %q", cfg.Name, c.Name)
		}
		condNames[c.Name] = true
		if c.Start {
			if d.start != "" {
				return nil, fmt.Errorf("definition %q: multiple start conditions", cfg.Name)
			}
			d.start = c.Name
		}
		if c.End {
			if d.end != "" {
				return nil, fmt.Errorf("definition %q: multiple end conditions", cfg.Name)
			}
			d.end = c.Name
		}
	}
	if d.start == "" {
		return nil, fmt.Errorf("definition %q: no start condition", cfg.Name)
	}
	if d.end == "" {
		return nil, fmt.Errorf("definition %q: no end condition", cfg.Name)
	}

	for _, child := range cfg.Children {
		cd, err := New(child)
		if err != nil {
			return nil, fmt.Errorf("definition %q: child: %w", cfg.Name, err)
		}
		if _, dup := d.children[cd.name]; dup {
			return nil, fmt.Errorf("definition %q: duplicate child definition %q", cfg.Name, cd.name)
		}
		d.children[cd.name] = cd
	}

	for i := range d.tasks {
		t := &d.tasks[i]
		if t.Name == "" {
			return nil, fmt.Errorf("definition %q: task with empty name", cfg.Name)
		}
		if condNames[t.Name] {
			return nil, fmt.Errorf("definition %q: task %q collides with a condition", cfg.Name, t.Name)
		}
		if _, dup := d.taskIndex[t.Name]; dup {
			return nil, fmt.Errorf("definition %q: duplicate task %q", cfg.Name, t.Name)
		}
		d.taskIndex[t.Name] = i

		if t.Join == "" {
			t.Join = JoinAnd
		}
		if t.Split == "" {
			t.Split = SplitAnd
		}
		switch t.Join {
		case JoinAnd, JoinOr, JoinXor:
		default:
			return nil, fmt.Errorf("task %q: unknown join type %q", t.Name, t.Join)
		}
		switch t.Split {
		case SplitAnd, SplitOr, SplitXor:
		default:
			return nil, fmt.Errorf("task %q: unknown split type %q", t.Name, t.Split)
		}
		if len(t.Inputs) == 0 {
			return nil, fmt.Errorf("task %q: no input conditions", t.Name)
		}
		if len(t.Outputs) == 0 {
			return nil, fmt.Errorf("task %q: no output conditions", t.Name)
		}
		for _, in := range t.Inputs {
			if !condNames[in] {
				return nil, fmt.Errorf("task %q: unknown input condition %q", t.Name, in)
			}
			d.dependents[in] = append(d.dependents[in], i)
		}
		for _, out := range t.Outputs {
			if !condNames[out] {
				return nil, fmt.Errorf("task %q: unknown output condition %q", t.Name, out)
			}
		}
		if t.Split == SplitOr && t.Route == nil {
			return nil, fmt.Errorf("task %q: or-split requires a route predicate", t.Name)
		}
		if t.Region != nil {
			for _, rc := range t.Region.Conditions {
				if !condNames[rc] {
					return nil, fmt.Errorf("task %q: region lists unknown condition %q", t.Name, rc)
				}
			}
		}
		if t.Composite != nil {
			if t.Composite.Static != "" && len(t.Composite.Dynamic) > 0 {
				return nil, fmt.Errorf("task %q: composite is both static and dynamic", t.Name)
			}
			if t.Composite.Static == "" && len(t.Composite.Dynamic) == 0 {
				return nil, fmt.Errorf("task %q: composite names no child definition", t.Name)
			}
			for _, name := range append([]string{t.Composite.Static}, t.Composite.Dynamic...) {
				if name == "" {
					continue
				}
				if _, ok := d.children[name]; !ok {
					return nil, fmt.Errorf("task %q: unknown child definition %q", t.Name, name)
				}
			}
		}
		if t.Policy == nil {
			t.Policy = DefaultCompletionPolicy
		}
		if t.Shards <= 0 {
			t.Shards = 1
		}
	}

	// Region task references can only be checked once all tasks are known.
	for i := range d.tasks {
		t := &d.tasks[i]
		if t.Region == nil {
			continue
		}
		for _, rt := range t.Region.Tasks {
			if _, ok := d.taskIndex[rt]; !ok {
				return nil, fmt.Errorf("task %q: region lists unknown task %q", t.Name, rt)
			}
		}
	}

	schemas, err := compileSchemas(cfg.Name, cfg.Schemas)
	if err != nil {
		return nil, err
	}
	d.schemas = schemas

	return d, nil
}

// Name returns the definition name.
func (d *Definition) Name() string { return d.name }

// Version returns the definition version label.
func (d *Definition) Version() string { return d.version }

// StartCondition returns the name of the start condition.
func (d *Definition) StartCondition() string { return d.start }

// EndCondition returns the name of the end condition.
func (d *Definition) EndCondition() string { return d.end }

// Conditions returns the conditions in declaration order. Read-only.
func (d *Definition) Conditions() []ConditionConfig { return d.conditions }

// Tasks returns the tasks in declaration order. Read-only.
func (d *Definition) Tasks() []TaskConfig { return d.tasks }

// Task returns the named task declaration.
func (d *Definition) Task(name string) (*TaskConfig, bool) {
	i, ok := d.taskIndex[name]
	if !ok {
		return nil, false
	}
	return &d.tasks[i], true
}

// DependentTasks returns the tasks that list the condition as an input, in
// declaration order.
func (d *Definition) DependentTasks(condition string) []*TaskConfig {
	idxs := d.dependents[condition]
	out := make([]*TaskConfig, len(idxs))
	for i, idx := range idxs {
		out[i] = &d.tasks[idx]
	}
	return out
}

// Child returns the named child definition.
func (d *Definition) Child(name string) (*Definition, bool) {
	c, ok := d.children[name]
	return c, ok
}

// AllowsChild reports whether the task may initialize the named child
// definition: the static child, or a member of the dynamic set.
func (t *TaskConfig) AllowsChild(name string) bool {
	if t.Composite == nil {
		return false
	}
	if t.Composite.Static == name {
		return true
	}
	for _, dyn := range t.Composite.Dynamic {
		if dyn == name {
			return true
		}
	}
	return false
}

// Workflow returns the workflow-level activity hooks.
func (d *Definition) Workflow() WorkflowActivities { return d.workflow }
