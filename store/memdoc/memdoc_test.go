package memdoc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/weave/audit"
	"goa.design/weave/model"
	"goa.design/weave/store"
)

func TestCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	st := New()

	err := st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.PutWorkflow(ctx, model.Workflow{ID: "wf1", State: model.WorkflowStarted}))
		require.NoError(t, tx.PutCondition(ctx, model.Condition{WorkflowID: "wf1", Name: "c0", Marking: 1}))
		return nil
	})
	require.NoError(t, err)

	err = st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, "wf1")
		require.NoError(t, err)
		assert.Equal(t, model.WorkflowStarted, wf.State)
		c, err := tx.GetCondition(ctx, "wf1", "c0")
		require.NoError(t, err)
		assert.Equal(t, 1, c.Marking)
		return nil
	})
	require.NoError(t, err)
}

func TestAbortDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	st := New()
	boom := errors.New("boom")

	err := st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.PutWorkflow(ctx, model.Workflow{ID: "wf1"}))
		require.NoError(t, tx.AppendSpan(ctx, audit.Span{ID: "s1", TraceID: "wf1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetWorkflow(ctx, "wf1")
		assert.True(t, store.IsNotFound(err))
		return nil
	})
	require.NoError(t, err)

	spans, err := st.SpanLog().ListByTrace(ctx, "wf1")
	require.NoError(t, err)
	assert.Empty(t, spans, "aborted spans must not commit")
}

func TestReadsObserveStagedWrites(t *testing.T) {
	ctx := context.Background()
	st := New()

	err := st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.PutTask(ctx, model.Task{WorkflowID: "wf1", Name: "a", State: model.TaskEnabled, Generation: 1}))
		task, err := tx.GetTask(ctx, "wf1", "a")
		require.NoError(t, err)
		assert.Equal(t, model.TaskEnabled, task.State)

		task.State = model.TaskStarted
		require.NoError(t, tx.PutTask(ctx, task))
		task, err = tx.GetTask(ctx, "wf1", "a")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStarted, task.State)
		return nil
	})
	require.NoError(t, err)
}

func TestWorkItemsKeepCreationOrder(t *testing.T) {
	ctx := context.Background()
	st := New()

	err := st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{"i1", "i2"} {
			require.NoError(t, tx.PutWorkItem(ctx, model.WorkItem{
				ID: id, WorkflowID: "wf1", TaskName: "a", TaskGeneration: 1,
			}))
		}
		return nil
	})
	require.NoError(t, err)

	err = st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.PutWorkItem(ctx, model.WorkItem{
			ID: "i3", WorkflowID: "wf1", TaskName: "a", TaskGeneration: 1,
		}))
		// Re-putting an existing item must not duplicate it in the order.
		wi, err := tx.GetWorkItem(ctx, "i1")
		require.NoError(t, err)
		wi.State = model.WorkItemStarted
		require.NoError(t, tx.PutWorkItem(ctx, wi))

		items, err := tx.ListWorkItems(ctx, "wf1", "a", 1)
		require.NoError(t, err)
		ids := make([]string, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}
		assert.Equal(t, []string{"i1", "i2", "i3"}, ids)
		assert.Equal(t, model.WorkItemStarted, items[0].State)
		return nil
	})
	require.NoError(t, err)
}

func TestChildWorkflowsKeepCreationOrder(t *testing.T) {
	ctx := context.Background()
	st := New()
	parent := model.ParentRef{WorkflowID: "wf1", TaskName: "legs", TaskGeneration: 1}

	err := st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{"child1", "child2"} {
			require.NoError(t, tx.PutWorkflow(ctx, model.Workflow{ID: id, Parent: &parent}))
		}
		children, err := tx.ListChildWorkflows(ctx, parent)
		require.NoError(t, err)
		require.Len(t, children, 2)
		assert.Equal(t, "child1", children[0].ID)
		assert.Equal(t, "child2", children[1].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestScheduledLedger(t *testing.T) {
	ctx := context.Background()
	st := New()

	err := st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		entries := []model.ScheduledEntry{
			{Key: "task/wf1/a/1", JobID: "j1"},
			{Key: "task/wf1/a/1", JobID: "j2"},
			{Key: "task/wf1/b/1", JobID: "j3"},
			{Key: "workflow/wf1", JobID: "j4"},
		}
		for _, e := range entries {
			require.NoError(t, tx.PutScheduled(ctx, e))
		}
		return nil
	})
	require.NoError(t, err)

	err = st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.ListScheduledByPrefix(ctx, "task/wf1/")
		require.NoError(t, err)
		assert.Len(t, got, 3)

		got, err = tx.ListScheduledByPrefix(ctx, "task/wf1/a/1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "j1", got[0].JobID)

		require.NoError(t, tx.DeleteScheduled(ctx, "task/wf1/a/1", "j1"))
		require.NoError(t, tx.DeleteScheduled(ctx, "task/wf1/a/1", "missing"))
		got, err = tx.ListScheduledByPrefix(ctx, "task/wf1/a/1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "j2", got[0].JobID)
		return nil
	})
	require.NoError(t, err)
}

func TestStatsShards(t *testing.T) {
	ctx := context.Background()
	st := New()

	err := st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// Missing shards read as zero-valued, keyed and ready to write back.
		sh, err := tx.GetStatsShard(ctx, "wf1", "a", 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, sh.Shard)
		assert.Zero(t, sh.Total)

		sh.Total, sh.Completed = 3, 3
		require.NoError(t, tx.PutStatsShard(ctx, sh))
		require.NoError(t, tx.PutStatsShard(ctx, model.StatsShard{
			WorkflowID: "wf1", TaskName: "a", Generation: 1, Shard: 0, Total: 1, Failed: 1,
		}))

		shards, err := tx.ListStatsShards(ctx, "wf1", "a", 1)
		require.NoError(t, err)
		require.Len(t, shards, 2)
		assert.Equal(t, 0, shards[0].Shard)
		assert.Equal(t, 2, shards[1].Shard)
		return nil
	})
	require.NoError(t, err)
}

func TestSpanLogOrdersByCommit(t *testing.T) {
	ctx := context.Background()
	st := New()

	for i, id := range []string{"s1", "s2", "s3"} {
		i := i
		err := st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.AppendSpan(ctx, audit.Span{ID: id, TraceID: "t1", Seq: i})
		})
		require.NoError(t, err)
	}
	err := st.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendSpan(ctx, audit.Span{ID: "other", TraceID: "t2"})
	})
	require.NoError(t, err)

	spans, err := st.SpanLog().ListByTrace(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, spans, 3)
	assert.Equal(t, "s1", spans[0].ID)
	assert.Equal(t, "s3", spans[2].ID)

	traces, err := st.SpanLog().ListRecentTraces(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1"}, traces)

	traces, err = st.SpanLog().ListRecentTraces(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, traces)
}
