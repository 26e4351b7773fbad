package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/weave/audit"
	"goa.design/weave/definition"
	"goa.design/weave/engine"
	"goa.design/weave/model"
	"goa.design/weave/scheduler/inmem"
	"goa.design/weave/store"
	"goa.design/weave/store/memdoc"
)

// recorder collects activity invocations and the work item ids created by
// onEnabled hooks so tests can drive items and assert hook ordering.
type recorder struct {
	order  []string
	items  map[string][]string // task name -> item ids, creation order
	owners map[string]string   // item id -> owning workflow id
}

func newRecorder() *recorder {
	return &recorder{items: make(map[string][]string), owners: make(map[string]string)}
}

func (r *recorder) hook(label string) func(definition.ActivityContext) error {
	return func(definition.ActivityContext) error {
		r.order = append(r.order, label)
		return nil
	}
}

// autoItem returns an onEnabled hook that creates one work item per enabling.
func (r *recorder) autoItem(name string) func(definition.ActivityContext) error {
	return func(actx definition.ActivityContext) error {
		task, _ := actx.Task()
		r.order = append(r.order, "task.onEnabled:"+task.Name)
		id, err := actx.InitializeWorkItem(name, nil, nil)
		if err != nil {
			return err
		}
		r.items[task.Name] = append(r.items[task.Name], id)
		r.owners[id] = actx.Workflow().ID
		return nil
	}
}

// lastItem returns the most recently created item of a task.
func (r *recorder) lastItem(t *testing.T, task string) string {
	t.Helper()
	ids := r.items[task]
	require.NotEmpty(t, ids, "no work item recorded for task %q", task)
	return ids[len(ids)-1]
}

func newCommands(t *testing.T, st store.Store, cfg definition.Config) *engine.Commands {
	t.Helper()
	def, err := definition.New(cfg)
	require.NoError(t, err)
	eng, err := engine.New(engine.Options{Store: st})
	require.NoError(t, err)
	require.NoError(t, eng.Register(def))
	cmds, err := eng.Commands(cfg.Name, cfg.Version)
	require.NoError(t, err)
	return cmds
}

func readWorkflow(t *testing.T, st store.Store, id string) model.Workflow {
	t.Helper()
	var wf model.Workflow
	err := st.RunTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		wf, err = tx.GetWorkflow(ctx, id)
		return err
	})
	require.NoError(t, err)
	return wf
}

func readTask(t *testing.T, st store.Store, wfID, name string) model.Task {
	t.Helper()
	var task model.Task
	err := st.RunTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, wfID, name)
		return err
	})
	require.NoError(t, err)
	return task
}

func readMarking(t *testing.T, st store.Store, wfID, name string) int {
	t.Helper()
	var c model.Condition
	err := st.RunTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		c, err = tx.GetCondition(ctx, wfID, name)
		return err
	})
	require.NoError(t, err)
	return c.Marking
}

func listItems(t *testing.T, st store.Store, wfID, task string, gen int) []model.WorkItem {
	t.Helper()
	var items []model.WorkItem
	err := st.RunTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		items, err = tx.ListWorkItems(ctx, wfID, task, gen)
		return err
	})
	require.NoError(t, err)
	return items
}

func listScheduled(t *testing.T, st store.Store, prefix string) []model.ScheduledEntry {
	t.Helper()
	var entries []model.ScheduledEntry
	err := st.RunTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		entries, err = tx.ListScheduledByPrefix(ctx, prefix)
		return err
	})
	require.NoError(t, err)
	return entries
}

func spanCount(t *testing.T, st store.Store, traceID string) int {
	t.Helper()
	spans, err := st.SpanLog().ListByTrace(context.Background(), traceID)
	require.NoError(t, err)
	return len(spans)
}

func TestLinearFlowCompletes(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "order",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "received", Start: true},
			{Name: "reviewed"},
			{Name: "done", End: true},
		},
		Tasks: []definition.TaskConfig{
			{
				Name:    "review",
				Inputs:  []string{"received"},
				Outputs: []string{"reviewed"},
				Activities: definition.TaskActivities{
					OnEnabled:   rec.autoItem("review"),
					OnStarted:   rec.hook("task.onStarted:review"),
					OnCompleted: rec.hook("task.onCompleted:review"),
				},
				WorkItems: definition.WorkItemActivities{
					OnInitialized: rec.hook("workItem.onInitialized:review"),
					OnStarted:     rec.hook("workItem.onStarted:review"),
					OnCompleted:   rec.hook("workItem.onCompleted:review"),
				},
			},
			{
				Name:    "approve",
				Inputs:  []string{"reviewed"},
				Outputs: []string{"done"},
				Activities: definition.TaskActivities{
					OnEnabled: rec.autoItem("approve"),
				},
			},
		},
		Workflow: definition.WorkflowActivities{
			OnInitialized: rec.hook("workflow.onInitialized"),
			OnStarted:     rec.hook("workflow.onStarted"),
			OnCompleted:   rec.hook("workflow.onCompleted"),
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Enabling effects of the seed token precede the workflow's own hooks;
	// the item hook queued while draining runs after them.
	require.Equal(t, []string{
		"task.onEnabled:review",
		"workflow.onInitialized",
		"workflow.onStarted",
		"workItem.onInitialized:review",
	}, rec.order)
	assert.Equal(t, model.WorkflowStarted, readWorkflow(t, st, id).State)
	assert.Equal(t, model.TaskEnabled, readTask(t, st, id, "review").State)

	wi := rec.lastItem(t, "review")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	// Starting the first item fires the task: the input token is consumed.
	assert.Equal(t, model.TaskStarted, readTask(t, st, id, "review").State)
	assert.Equal(t, 0, readMarking(t, st, id, "received"))

	rec.order = nil
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	// Item hook before downstream enabling before the task's own completion.
	require.Equal(t, []string{
		"workItem.onCompleted:review",
		"task.onEnabled:approve",
		"task.onCompleted:review",
	}, rec.order)
	assert.Equal(t, model.TaskCompleted, readTask(t, st, id, "review").State)
	assert.Equal(t, 1, readMarking(t, st, id, "reviewed"))

	wi = rec.lastItem(t, "approve")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	wf := readWorkflow(t, st, id)
	assert.Equal(t, model.WorkflowCompleted, wf.State)
	assert.False(t, wf.CompletedAt.IsZero())
	assert.Contains(t, rec.order, "workflow.onCompleted")
	// Terminal postcondition: only the end condition holds a token.
	assert.Equal(t, 0, readMarking(t, st, id, "received"))
	assert.Equal(t, 0, readMarking(t, st, id, "reviewed"))
	assert.Equal(t, 1, readMarking(t, st, id, "done"))

	stats, err := cmds.TaskStats(ctx, id, "review", 1)
	require.NoError(t, err)
	assert.Equal(t, model.Stats{Total: 1, Completed: 1}, stats)
}

func TestOrSplitRoutesByFlags(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	route := func(rc definition.RouteContext) ([]string, error) {
		var outs []string
		for _, dest := range []string{"flight", "car", "hotel"} {
			if v, _ := rc.Workflow.Flags[dest].(bool); v {
				outs = append(outs, "c_"+dest)
			}
		}
		return outs, nil
	}
	cfg := definition.Config{
		Name:    "trip",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c_start", Start: true},
			{Name: "c_flight"},
			{Name: "c_car"},
			{Name: "c_hotel"},
			{Name: "c_end", End: true},
		},
		Tasks: []definition.TaskConfig{
			{
				Name:    "plan",
				Split:   definition.SplitOr,
				Inputs:  []string{"c_start"},
				Outputs: []string{"c_flight", "c_car", "c_hotel"},
				Route:   route,
				Activities: definition.TaskActivities{
					OnEnabled: rec.autoItem("select"),
				},
				WorkItems: definition.WorkItemActivities{
					OnStarted: func(actx definition.ActivityContext) error {
						actx.SetFlag("car", true)
						actx.SetFlag("hotel", true)
						return nil
					},
				},
			},
			{Name: "book_flight", Inputs: []string{"c_flight"}, Outputs: []string{"c_end"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("book")}},
			{Name: "book_car", Inputs: []string{"c_car"}, Outputs: []string{"c_end"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("book")}},
			{Name: "book_hotel", Inputs: []string{"c_hotel"}, Outputs: []string{"c_end"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("book")}},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)

	wi := rec.lastItem(t, "plan")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// The route predicate saw the flags the select item wrote.
	assert.Equal(t, 0, readMarking(t, st, id, "c_flight"))
	assert.Equal(t, 1, readMarking(t, st, id, "c_car"))
	assert.Equal(t, 1, readMarking(t, st, id, "c_hotel"))
	assert.Equal(t, model.TaskDisabled, readTask(t, st, id, "book_flight").State)
	assert.Equal(t, model.TaskEnabled, readTask(t, st, id, "book_car").State)
	assert.Equal(t, model.TaskEnabled, readTask(t, st, id, "book_hotel").State)

	for _, task := range []string{"book_car", "book_hotel"} {
		wi := rec.items[task][0]
		require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
		require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	}

	assert.Equal(t, model.WorkflowCompleted, readWorkflow(t, st, id).State)
	// The branch that never fired is canceled, not left dangling.
	assert.Equal(t, model.TaskCanceled, readTask(t, st, id, "book_flight").State)
}

func TestOrJoinWaitsForLiveBranch(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "payments",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c_start", Start: true},
			{Name: "c_a"},
			{Name: "c_b"},
			{Name: "m_a"},
			{Name: "m_b"},
			{Name: "c_end", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "fan", Inputs: []string{"c_start"}, Outputs: []string{"c_a", "c_b"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("fan")}},
			{Name: "left", Inputs: []string{"c_a"}, Outputs: []string{"m_a"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("left")}},
			{Name: "right", Inputs: []string{"c_b"}, Outputs: []string{"m_b"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("right")}},
			{Name: "merge", Join: definition.JoinOr, Inputs: []string{"m_a", "m_b"}, Outputs: []string{"c_end"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("merge")}},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	wi := rec.lastItem(t, "fan")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	wi = rec.lastItem(t, "left")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// One input holds a token, but the right branch is still enabled and can
	// emit into the other: the join must hold back.
	assert.Equal(t, 1, readMarking(t, st, id, "m_a"))
	assert.Equal(t, model.TaskDisabled, readTask(t, st, id, "merge").State)
	assert.Empty(t, rec.items["merge"])

	wi = rec.lastItem(t, "right")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// No upstream task can add tokens anymore: the join enables.
	merge := readTask(t, st, id, "merge")
	assert.Equal(t, model.TaskEnabled, merge.State)
	assert.Equal(t, 1, merge.Generation)

	wi = rec.lastItem(t, "merge")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	// Firing an or-join consumes every marked input.
	assert.Equal(t, 0, readMarking(t, st, id, "m_a"))
	assert.Equal(t, 0, readMarking(t, st, id, "m_b"))

	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	assert.Equal(t, model.WorkflowCompleted, readWorkflow(t, st, id).State)
}

func TestOrJoinIgnoresDeadBranch(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "claims",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c_start", Start: true},
			{Name: "c_a"},
			{Name: "c_b"},
			{Name: "m_a"},
			{Name: "m_b"},
			{Name: "c_end", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "pick", Split: definition.SplitOr, Inputs: []string{"c_start"}, Outputs: []string{"c_a", "c_b"},
				Route:      func(definition.RouteContext) ([]string, error) { return []string{"c_a"}, nil },
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("pick")}},
			{Name: "left", Inputs: []string{"c_a"}, Outputs: []string{"m_a"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("left")}},
			{Name: "right", Inputs: []string{"c_b"}, Outputs: []string{"m_b"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("right")}},
			{Name: "merge", Join: definition.JoinOr, Inputs: []string{"m_a", "m_b"}, Outputs: []string{"c_end"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("merge")}},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	wi := rec.lastItem(t, "pick")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	assert.Equal(t, model.TaskDisabled, readTask(t, st, id, "right").State)

	wi = rec.lastItem(t, "left")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// The unchosen branch can never mark m_b: one token suffices.
	assert.Equal(t, model.TaskEnabled, readTask(t, st, id, "merge").State)

	wi = rec.lastItem(t, "merge")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	assert.Equal(t, model.WorkflowCompleted, readWorkflow(t, st, id).State)
	assert.Equal(t, model.TaskCanceled, readTask(t, st, id, "right").State)
}

func TestXorSplitFallsBackToFirstOutput(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "triage",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c_start", Start: true},
			{Name: "c_a"},
			{Name: "c_b"},
			{Name: "c_end", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "pick", Split: definition.SplitXor, Inputs: []string{"c_start"}, Outputs: []string{"c_a", "c_b"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("pick")}},
			{Name: "left", Inputs: []string{"c_a"}, Outputs: []string{"c_end"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("left")}},
			{Name: "right", Inputs: []string{"c_b"}, Outputs: []string{"c_end"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("right")}},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	wi := rec.lastItem(t, "pick")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// Without a route predicate the xor-split emits to the first declared
	// output only.
	assert.Equal(t, 1, readMarking(t, st, id, "c_a"))
	assert.Equal(t, 0, readMarking(t, st, id, "c_b"))
	assert.Equal(t, model.TaskEnabled, readTask(t, st, id, "left").State)
	assert.Equal(t, model.TaskDisabled, readTask(t, st, id, "right").State)
	assert.Empty(t, rec.items["right"])

	wi = rec.lastItem(t, "left")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	assert.Equal(t, model.WorkflowCompleted, readWorkflow(t, st, id).State)
	assert.Equal(t, model.TaskCanceled, readTask(t, st, id, "right").State)
}

func TestXorJoinRequiresSingleMarkedInput(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "arbitration",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c_start", Start: true},
			{Name: "c_a"},
			{Name: "c_b"},
			{Name: "m_a"},
			{Name: "m_b"},
			{Name: "c_end", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "fan", Inputs: []string{"c_start"}, Outputs: []string{"c_a", "c_b"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("fan")}},
			{Name: "first", Inputs: []string{"c_a"}, Outputs: []string{"m_a"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("first")}},
			{Name: "second", Inputs: []string{"c_b"}, Outputs: []string{"m_b"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("second")}},
			{Name: "merge", Join: definition.JoinXor, Inputs: []string{"m_a", "m_b"}, Outputs: []string{"c_end"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("merge")}},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	wi := rec.lastItem(t, "fan")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	wi = rec.lastItem(t, "first")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// Exactly one marked input: the xor-join enables.
	merge := readTask(t, st, id, "merge")
	assert.Equal(t, model.TaskEnabled, merge.State)
	assert.Equal(t, 1, merge.Generation)
	require.Len(t, rec.items["merge"], 1)

	wi = rec.lastItem(t, "second")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// The second token breaks exclusivity: the join retracts and the open
	// item of the abandoned cycle cancels.
	merge = readTask(t, st, id, "merge")
	assert.Equal(t, model.TaskDisabled, merge.State)
	assert.Equal(t, 1, merge.Generation)
	items := listItems(t, st, id, "merge", 1)
	require.Len(t, items, 1)
	assert.Equal(t, model.WorkItemCanceled, items[0].State)
	assert.Equal(t, 1, readMarking(t, st, id, "m_a"))
	assert.Equal(t, 1, readMarking(t, st, id, "m_b"))
}

func TestCancellationRegionCancelsCompetitor(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "fulfillment",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c_start", Start: true},
			{Name: "c_work"},
			{Name: "c_timer"},
			{Name: "c_end", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "fan", Inputs: []string{"c_start"}, Outputs: []string{"c_work", "c_timer"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("fan")}},
			{
				Name:    "work",
				Inputs:  []string{"c_work"},
				Outputs: []string{"c_end"},
				Region:  &definition.Region{Conditions: []string{"c_timer"}, Tasks: []string{"watchdog"}},
				Activities: definition.TaskActivities{
					OnEnabled:   rec.autoItem("work"),
					OnCompleted: rec.hook("task.onCompleted:work"),
				},
			},
			{
				Name:    "watchdog",
				Inputs:  []string{"c_timer"},
				Outputs: []string{"c_end"},
				Activities: definition.TaskActivities{
					OnEnabled:  rec.autoItem("watchdog"),
					OnCanceled: rec.hook("task.onCanceled:watchdog"),
				},
				WorkItems: definition.WorkItemActivities{
					OnCanceled: rec.hook("workItem.onCanceled:watchdog"),
				},
			},
		},
		Workflow: definition.WorkflowActivities{
			OnCompleted: rec.hook("workflow.onCompleted"),
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	wi := rec.lastItem(t, "fan")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// Both the work path and its watchdog run off the fan-out.
	assert.Equal(t, model.TaskEnabled, readTask(t, st, id, "work").State)
	assert.Equal(t, model.TaskEnabled, readTask(t, st, id, "watchdog").State)

	wi = rec.lastItem(t, "work")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	rec.order = nil
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// Completing the region owner cancels the watchdog (child-first) before
	// the owner's own completion hook.
	require.Equal(t, []string{
		"workItem.onCanceled:watchdog",
		"task.onCanceled:watchdog",
		"task.onCompleted:work",
		"workflow.onCompleted",
	}, rec.order)

	assert.Equal(t, model.TaskCanceled, readTask(t, st, id, "watchdog").State)
	items := listItems(t, st, id, "watchdog", 1)
	require.Len(t, items, 1)
	assert.Equal(t, model.WorkItemCanceled, items[0].State)
	assert.Equal(t, 0, readMarking(t, st, id, "c_timer"))
	assert.Equal(t, 1, readMarking(t, st, id, "c_end"))
	assert.Equal(t, model.WorkflowCompleted, readWorkflow(t, st, id).State)
}

func TestRegionCancelReleasesOrJoin(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "escalation",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c_start", Start: true},
			{Name: "c_fast"},
			{Name: "c_slow"},
			{Name: "c_kill"},
			{Name: "m_done"},
			{Name: "m_late"},
			{Name: "c_end", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "fan", Inputs: []string{"c_start"}, Outputs: []string{"c_fast", "c_slow", "c_kill"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("fan")}},
			{Name: "fast", Inputs: []string{"c_fast"}, Outputs: []string{"m_done"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("fast")}},
			{Name: "slow", Inputs: []string{"c_slow"}, Outputs: []string{"m_late"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("slow")}},
			{Name: "killer", Inputs: []string{"c_kill"}, Outputs: []string{"c_end"},
				Region:     &definition.Region{Conditions: []string{"c_slow"}, Tasks: []string{"slow"}},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("killer")}},
			{Name: "merge", Join: definition.JoinOr, Inputs: []string{"m_done", "m_late"}, Outputs: []string{"c_end"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("merge")}},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	wi := rec.lastItem(t, "fan")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	wi = rec.lastItem(t, "fast")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// The slow branch can still emit into the join's unmarked input.
	assert.Equal(t, model.TaskDisabled, readTask(t, st, id, "merge").State)

	wi = rec.lastItem(t, "killer")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// The region retired the slow branch without touching the join's own
	// inputs; the join must notice its last possible producer is gone.
	assert.Equal(t, model.TaskCanceled, readTask(t, st, id, "slow").State)
	assert.Equal(t, 0, readMarking(t, st, id, "c_slow"))
	merge := readTask(t, st, id, "merge")
	assert.Equal(t, model.TaskEnabled, merge.State)
	assert.Equal(t, 1, merge.Generation)
	assert.Equal(t, model.WorkflowStarted, readWorkflow(t, st, id).State)

	wi = rec.lastItem(t, "merge")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	assert.Equal(t, model.TaskCompleted, readTask(t, st, id, "merge").State)
	assert.Equal(t, model.WorkflowCompleted, readWorkflow(t, st, id).State)
}

func TestCancelOneItemKeepsTaskRunning(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "shipping",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "pending", Start: true},
			{Name: "shipped", End: true},
		},
		Tasks: []definition.TaskConfig{
			{
				Name:    "ship",
				Inputs:  []string{"pending"},
				Outputs: []string{"shipped"},
				Activities: definition.TaskActivities{
					OnEnabled: func(actx definition.ActivityContext) error {
						for _, name := range []string{"pack", "label"} {
							id, err := actx.InitializeWorkItem(name, nil, nil)
							if err != nil {
								return err
							}
							rec.items["ship"] = append(rec.items["ship"], id)
						}
						return nil
					},
				},
			},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	require.Len(t, rec.items["ship"], 2)
	first, second := rec.items["ship"][0], rec.items["ship"][1]

	// Canceling one of two items of an enabled task leaves the task alone.
	require.NoError(t, cmds.CancelWorkItem(ctx, engine.WorkItemArgs{WorkItemID: first}))
	task := readTask(t, st, id, "ship")
	assert.Equal(t, model.TaskEnabled, task.State)
	assert.Equal(t, 1, task.Generation)
	assert.Equal(t, model.WorkflowStarted, readWorkflow(t, st, id).State)

	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: second}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: second}))

	assert.Equal(t, model.TaskCompleted, readTask(t, st, id, "ship").State)
	assert.Equal(t, model.WorkflowCompleted, readWorkflow(t, st, id).State)

	stats, err := cmds.TaskStats(ctx, id, "ship", 1)
	require.NoError(t, err)
	assert.Equal(t, model.Stats{Total: 2, Completed: 1, Canceled: 1}, stats)
	assert.Equal(t, stats.Total, stats.Initialized+stats.Started+stats.Completed+stats.Failed+stats.Canceled)
}

func TestFailWorkItemFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "risky",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c0", Start: true},
			{Name: "c1", End: true},
		},
		Tasks: []definition.TaskConfig{
			{
				Name:    "attempt",
				Inputs:  []string{"c0"},
				Outputs: []string{"c1"},
				Activities: definition.TaskActivities{
					OnEnabled: rec.autoItem("try"),
					OnFailed:  rec.hook("task.onFailed"),
				},
				WorkItems: definition.WorkItemActivities{
					OnFailed: rec.hook("workItem.onFailed"),
				},
			},
		},
		Workflow: definition.WorkflowActivities{
			OnFailed: rec.hook("workflow.onFailed"),
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	wi := rec.lastItem(t, "attempt")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	rec.order = nil
	require.NoError(t, cmds.FailWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	assert.Equal(t, model.TaskFailed, readTask(t, st, id, "attempt").State)
	assert.Equal(t, model.WorkflowFailed, readWorkflow(t, st, id).State)
	require.Equal(t, []string{"workItem.onFailed", "task.onFailed", "workflow.onFailed"}, rec.order)
}

func TestCancelRootCascadesBottomUp(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "booking",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c0", Start: true},
			{Name: "c1", End: true},
		},
		Tasks: []definition.TaskConfig{
			{
				Name:      "reserve",
				Inputs:    []string{"c0"},
				Outputs:   []string{"c1"},
				Composite: &definition.Composite{Static: "reservation"},
				Activities: definition.TaskActivities{
					OnCanceled: rec.hook("task.onCanceled:reserve"),
				},
			},
		},
		Workflow: definition.WorkflowActivities{
			OnCanceled: rec.hook("workflow.onCanceled:booking"),
		},
		Children: []definition.Config{
			{
				Name:    "reservation",
				Version: "v1",
				Conditions: []definition.ConditionConfig{
					{Name: "r0", Start: true},
					{Name: "r1", End: true},
				},
				Tasks: []definition.TaskConfig{
					{
						Name:    "hold",
						Inputs:  []string{"r0"},
						Outputs: []string{"r1"},
						Activities: definition.TaskActivities{
							OnEnabled:  rec.autoItem("hold"),
							OnCanceled: rec.hook("task.onCanceled:hold"),
						},
						WorkItems: definition.WorkItemActivities{
							OnCanceled: rec.hook("workItem.onCanceled:hold"),
						},
					},
				},
				Workflow: definition.WorkflowActivities{
					OnCanceled: rec.hook("workflow.onCanceled:reservation"),
				},
			},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	// The static composite fired within the command: the child runs.
	assert.Equal(t, model.TaskStarted, readTask(t, st, id, "reserve").State)
	require.Len(t, rec.items["hold"], 1)

	rec.order = nil
	require.NoError(t, cmds.CancelRoot(ctx, id))

	// Strictly child-first: item, child task, child workflow, composite
	// task, root workflow.
	require.Equal(t, []string{
		"workItem.onCanceled:hold",
		"task.onCanceled:hold",
		"workflow.onCanceled:reservation",
		"task.onCanceled:reserve",
		"workflow.onCanceled:booking",
	}, rec.order)

	wf := readWorkflow(t, st, id)
	assert.Equal(t, model.WorkflowCanceled, wf.State)
	assert.Equal(t, 0, readMarking(t, st, id, "c0"))
	assert.Equal(t, 0, readMarking(t, st, id, "c1"))
}

func TestCancelTerminalWorkflowRecordsNothing(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "once",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c0", Start: true},
			{Name: "c1", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "do", Inputs: []string{"c0"}, Outputs: []string{"c1"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("do")}},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, cmds.CancelRoot(ctx, id))
	require.Equal(t, model.WorkflowCanceled, readWorkflow(t, st, id).State)

	before := spanCount(t, st, id)
	require.NoError(t, cmds.CancelRoot(ctx, id))
	assert.Equal(t, before, spanCount(t, st, id), "idempotent cancel must not emit spans")

	wi := rec.lastItem(t, "do")
	before = spanCount(t, st, id)
	require.NoError(t, cmds.CancelWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	assert.Equal(t, before, spanCount(t, st, id))
}

func TestScheduledWorkItemInitialization(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	sched := inmem.New()
	def, err := definition.New(definition.Config{
		Name:    "reminders",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c0", Start: true},
			{Name: "c1", End: true},
		},
		Tasks: []definition.TaskConfig{
			{
				Name:    "remind",
				Inputs:  []string{"c0"},
				Outputs: []string{"c1"},
				Activities: definition.TaskActivities{
					OnEnabled: func(actx definition.ActivityContext) error {
						args, err := json.Marshal(engine.InitializeWorkItemArgs{
							WorkflowID: actx.Workflow().ID,
							TaskName:   "remind",
							Name:       "reminder",
						})
						if err != nil {
							return err
						}
						return actx.ScheduleCommand(200*time.Millisecond, definition.Command{
							Name: "initializeWorkItem",
							Args: args,
						})
					},
				},
			},
		},
	})
	require.NoError(t, err)
	eng, err := engine.New(engine.Options{Store: st, Scheduler: sched})
	require.NoError(t, err)
	require.NoError(t, eng.Register(def))
	cmds, err := eng.Commands("reminders", "v1")
	require.NoError(t, err)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, listItems(t, st, id, "remind", 1), "item must not exist before the delay")
	require.Len(t, listScheduled(t, st, "task/"+id+"/"), 1)

	require.Eventually(t, func() bool {
		return len(listItems(t, st, id, "remind", 1)) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, model.WorkItemInitialized, listItems(t, st, id, "remind", 1)[0].State)
	assert.Empty(t, listScheduled(t, st, "task/"+id+"/"), "due job reaps its ledger entry")

	// Canceling the workflow before the job comes due drops the job: the
	// ledger empties immediately and nothing fires later.
	id2, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	require.Len(t, listScheduled(t, st, "task/"+id2+"/"), 1)
	require.NoError(t, cmds.CancelRoot(ctx, id2))
	assert.Empty(t, listScheduled(t, st, "task/"+id2+"/"))

	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, listItems(t, st, id2, "remind", 1))
}

func TestMutexConditionInterleaving(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "exclusive",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c_start", Start: true},
			{Name: "c_a"},
			{Name: "c_c"},
			{Name: "mutex"},
			{Name: "a_done"},
			{Name: "c_done"},
			{Name: "c_end", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "fan", Inputs: []string{"c_start"}, Outputs: []string{"c_a", "c_c", "mutex"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("fan")}},
			{Name: "alpha", Inputs: []string{"c_a", "mutex"}, Outputs: []string{"a_done", "mutex"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("alpha")}},
			{Name: "gamma", Inputs: []string{"c_c", "mutex"}, Outputs: []string{"c_done", "mutex"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("gamma")}},
			{Name: "join", Inputs: []string{"a_done", "c_done"}, Outputs: []string{"c_end"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("join")}},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	wi := rec.lastItem(t, "fan")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// Both competitors hold the shared token's promise.
	assert.Equal(t, model.TaskEnabled, readTask(t, st, id, "alpha").State)
	assert.Equal(t, model.TaskEnabled, readTask(t, st, id, "gamma").State)

	// Firing alpha consumes the mutex token and retracts gamma.
	wi = rec.lastItem(t, "alpha")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	assert.Equal(t, model.TaskStarted, readTask(t, st, id, "alpha").State)
	gamma := readTask(t, st, id, "gamma")
	assert.Equal(t, model.TaskDisabled, gamma.State)
	assert.Equal(t, 1, gamma.Generation)

	// Completing alpha returns the token; gamma re-enables as a new cycle.
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	gamma = readTask(t, st, id, "gamma")
	assert.Equal(t, model.TaskEnabled, gamma.State)
	assert.Equal(t, 2, gamma.Generation)

	wi = rec.lastItem(t, "gamma")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	wi = rec.lastItem(t, "join")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	// The residual mutex token drops when the workflow completes.
	assert.Equal(t, model.WorkflowCompleted, readWorkflow(t, st, id).State)
	assert.Equal(t, 0, readMarking(t, st, id, "mutex"))
	assert.Equal(t, 1, readMarking(t, st, id, "c_end"))
}

func TestDynamicCompositeChildren(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "itinerary",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c0", Start: true},
			{Name: "c1", End: true},
		},
		Tasks: []definition.TaskConfig{
			{
				Name:      "legs",
				Inputs:    []string{"c0"},
				Outputs:   []string{"c1"},
				Composite: &definition.Composite{Dynamic: []string{"leg"}},
				Activities: definition.TaskActivities{
					OnEnabled: func(actx definition.ActivityContext) error {
						for i := 0; i < 2; i++ {
							if _, err := actx.InitializeChild("leg", nil); err != nil {
								return err
							}
						}
						return nil
					},
				},
			},
		},
		Children: []definition.Config{
			{
				Name:    "leg",
				Version: "v1",
				Conditions: []definition.ConditionConfig{
					{Name: "l0", Start: true},
					{Name: "l1", End: true},
				},
				Tasks: []definition.TaskConfig{
					{Name: "fly", Inputs: []string{"l0"}, Outputs: []string{"l1"},
						Activities: definition.TaskActivities{OnEnabled: rec.autoItem("fly")}},
				},
			},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	require.Len(t, rec.items["fly"], 2, "each child enables its own task")
	assert.Equal(t, model.TaskStarted, readTask(t, st, id, "legs").State)

	// Canceling one child directly keeps the composite running while its
	// sibling is open.
	firstChild := childOf(t, st, id, "legs", 1, 0)
	require.NoError(t, cmds.CancelWorkflow(ctx, firstChild.ID))
	assert.Equal(t, model.WorkflowCanceled, readWorkflow(t, st, firstChild.ID).State)
	assert.Equal(t, model.TaskStarted, readTask(t, st, id, "legs").State)

	// Completing the sibling completes the composite and the root.
	second := childOf(t, st, id, "legs", 1, 1)
	wi := itemOfChild(t, rec, second.ID)
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	assert.Equal(t, model.WorkflowCompleted, readWorkflow(t, st, second.ID).State)
	assert.Equal(t, model.TaskCompleted, readTask(t, st, id, "legs").State)
	assert.Equal(t, model.WorkflowCompleted, readWorkflow(t, st, id).State)
}

// childOf returns the nth child workflow of a composite task firing.
func childOf(t *testing.T, st store.Store, wfID, task string, gen, n int) model.Workflow {
	t.Helper()
	var children []model.Workflow
	err := st.RunTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		children, err = tx.ListChildWorkflows(ctx, model.ParentRef{
			WorkflowID:     wfID,
			TaskName:       task,
			TaskGeneration: gen,
		})
		return err
	})
	require.NoError(t, err)
	require.Greater(t, len(children), n)
	return children[n]
}

// itemOfChild finds the recorded fly item owned by the given child workflow.
func itemOfChild(t *testing.T, rec *recorder, childID string) string {
	t.Helper()
	// Recorded ids are in creation order across children; resolve by owner.
	for _, id := range rec.items["fly"] {
		if rec.owners[id] == childID {
			return id
		}
	}
	t.Fatalf("no recorded item for child %s", childID)
	return ""
}

func TestWorkItemClaims(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	var itemID string
	cfg := definition.Config{
		Name:    "approvals",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c0", Start: true},
			{Name: "c1", End: true},
		},
		Tasks: []definition.TaskConfig{
			{
				Name:    "approve",
				Inputs:  []string{"c0"},
				Outputs: []string{"c1"},
				Activities: definition.TaskActivities{
					OnEnabled: func(actx definition.ActivityContext) error {
						id, err := actx.InitializeWorkItem("sign", nil, &model.Offer{Kind: model.OfferUser, To: "alice"})
						itemID = id
						return err
					},
				},
			},
		},
	}
	cmds := newCommands(t, st, cfg)

	_, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	require.NotEmpty(t, itemID)

	err = cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: itemID, By: "bob"})
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))

	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: itemID, By: "alice"}))

	err = cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: itemID, By: "mallory"})
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))

	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: itemID, By: "alice"}))
}

func TestPayloadValidation(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	cfg := definition.Config{
		Name:    "strict",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c0", Start: true},
			{Name: "c1", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "do", Inputs: []string{"c0"}, Outputs: []string{"c1"}},
		},
		Schemas: []definition.SchemaConfig{
			{
				Element: definition.ElementWorkflow,
				Action:  definition.ActionInitialize,
				Schema:  json.RawMessage(`{"type":"object","required":["customer"],"properties":{"customer":{"type":"string"}}}`),
			},
		},
	}
	cmds := newCommands(t, st, cfg)

	_, err := cmds.InitializeRoot(ctx, json.RawMessage(`{"order":42}`))
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))

	id, err := cmds.InitializeRoot(ctx, json.RawMessage(`{"customer":"acme"}`))
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStarted, readWorkflow(t, st, id).State)
}

func TestIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "transitions",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c0", Start: true},
			{Name: "c1", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "do", Inputs: []string{"c0"}, Outputs: []string{"c1"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("do")}},
		},
	}
	cmds := newCommands(t, st, cfg)

	_, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	wi := rec.lastItem(t, "do")

	// Completing before starting is not a legal transition.
	err = cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi})
	require.Error(t, err)
	assert.True(t, engine.IsIllegalStateTransition(err))

	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	err = cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi})
	require.Error(t, err)
	assert.True(t, engine.IsIllegalStateTransition(err))
}

func TestInitializeWorkItemOnStartedTask(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	cfg := definition.Config{
		Name:    "support",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c0", Start: true},
			{Name: "c1", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "handle", Inputs: []string{"c0"}, Outputs: []string{"c1"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("handle")}},
		},
	}
	cmds := newCommands(t, st, cfg)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	first := rec.lastItem(t, "handle")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: first}))
	require.Equal(t, model.TaskStarted, readTask(t, st, id, "handle").State)

	// A running firing cycle can grow: new items join the started task's
	// current generation.
	extra, err := cmds.InitializeWorkItem(ctx, engine.InitializeWorkItemArgs{
		WorkflowID: id,
		TaskName:   "handle",
		Name:       "escalate",
	})
	require.NoError(t, err)
	items := listItems(t, st, id, "handle", 1)
	require.Len(t, items, 2)

	// The policy sees the open extra item and keeps the task running.
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: first}))
	assert.Equal(t, model.TaskStarted, readTask(t, st, id, "handle").State)

	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: extra}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: extra}))
	assert.Equal(t, model.TaskCompleted, readTask(t, st, id, "handle").State)
	assert.Equal(t, model.WorkflowCompleted, readWorkflow(t, st, id).State)

	// Terminal tasks refuse new work items.
	_, err = cmds.InitializeWorkItem(ctx, engine.InitializeWorkItemArgs{
		WorkflowID: id,
		TaskName:   "handle",
		Name:       "late",
	})
	require.Error(t, err)
	assert.True(t, engine.IsNotEnabled(err))
}

func TestWorkflowStateAtTime(t *testing.T) {
	ctx := context.Background()
	st := memdoc.New()
	rec := newRecorder()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	cfg := definition.Config{
		Name:    "replayed",
		Version: "v1",
		Conditions: []definition.ConditionConfig{
			{Name: "c0", Start: true},
			{Name: "c1", End: true},
		},
		Tasks: []definition.TaskConfig{
			{Name: "do", Inputs: []string{"c0"}, Outputs: []string{"c1"},
				Activities: definition.TaskActivities{OnEnabled: rec.autoItem("do")}},
		},
	}
	def, err := definition.New(cfg)
	require.NoError(t, err)
	eng, err := engine.New(engine.Options{Store: st, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, eng.Register(def))
	cmds, err := eng.Commands("replayed", "v1")
	require.NoError(t, err)

	id, err := cmds.InitializeRoot(ctx, nil)
	require.NoError(t, err)
	midpoint := base.Add(time.Duration(tick) * time.Millisecond)

	wi := rec.lastItem(t, "do")
	require.NoError(t, cmds.StartWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))
	require.NoError(t, cmds.CompleteWorkItem(ctx, engine.WorkItemArgs{WorkItemID: wi}))

	reader, err := audit.NewReader(st.SpanLog())
	require.NoError(t, err)

	snap, err := reader.GetWorkflowStateAtTime(ctx, id, midpoint)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStarted, snap.State)
	assert.Equal(t, 1, snap.Conditions["c0"])
	assert.Equal(t, model.TaskEnabled, snap.Tasks["do"].State)
	assert.Equal(t, model.WorkItemInitialized, snap.WorkItems[wi])

	snap, err = reader.GetWorkflowStateAtTime(ctx, id, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, snap.State)
	assert.Equal(t, 0, snap.Conditions["c0"])
	assert.Equal(t, 1, snap.Conditions["c1"])
	assert.Equal(t, model.TaskCompleted, snap.Tasks["do"].State)
	assert.Equal(t, model.WorkItemCompleted, snap.WorkItems[wi])

	roots, err := reader.GetRootSpans(ctx, id)
	require.NoError(t, err)
	require.Len(t, roots, 3)
	assert.Equal(t, "initializeRoot", roots[0].Operation)
	assert.Equal(t, "startWorkItem", roots[1].Operation)
	assert.Equal(t, "completeWorkItem", roots[2].Operation)
}
