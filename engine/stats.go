package engine

import (
	"context"
	"hash/fnv"

	"goa.design/weave/definition"
	"goa.design/weave/model"
)

// Work item counters are sharded per task generation so concurrent item
// transitions on a hot task touch different rows. The shard is picked by
// hashing the work item id; the same item always lands on the same shard, so
// a transition can decrement its old state counter and increment the new one
// in a single row update.

func shardFor(workItemID string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(workItemID))
	return int(h.Sum32() % uint32(shards))
}

// recordItemInitialized bumps Total and Initialized on the item's shard.
func (t *txn) recordItemInitialized(cfg *definition.TaskConfig, wi model.WorkItem) error {
	sh, err := t.tx.GetStatsShard(t.ctx, wi.WorkflowID, wi.TaskName, wi.TaskGeneration, shardFor(wi.ID, cfg.Shards))
	if err != nil {
		return err
	}
	sh.Total++
	sh.Initialized++
	return t.tx.PutStatsShard(t.ctx, sh)
}

// recordItemTransition moves the item between state counters on its shard.
func (t *txn) recordItemTransition(cfg *definition.TaskConfig, wi model.WorkItem, from, to model.WorkItemState) error {
	sh, err := t.tx.GetStatsShard(t.ctx, wi.WorkflowID, wi.TaskName, wi.TaskGeneration, shardFor(wi.ID, cfg.Shards))
	if err != nil {
		return err
	}
	applyCounter(&sh, from, -1)
	applyCounter(&sh, to, 1)
	return t.tx.PutStatsShard(t.ctx, sh)
}

func applyCounter(sh *model.StatsShard, state model.WorkItemState, delta int) {
	switch state {
	case model.WorkItemInitialized:
		sh.Initialized += delta
	case model.WorkItemStarted:
		sh.Started += delta
	case model.WorkItemCompleted:
		sh.Completed += delta
	case model.WorkItemFailed:
		sh.Failed += delta
	case model.WorkItemCanceled:
		sh.Canceled += delta
	}
}

// taskStats sums every shard of one task generation.
func (t *txn) taskStats(workflowID, taskName string, generation int) (model.Stats, error) {
	shards, err := t.tx.ListStatsShards(t.ctx, workflowID, taskName, generation)
	if err != nil {
		return model.Stats{}, err
	}
	var sum model.Stats
	for _, sh := range shards {
		sum.Add(sh)
	}
	return sum, nil
}

// TaskStats returns the summed work item counters of one task generation.
func (c *Commands) TaskStats(ctx context.Context, workflowID, taskName string, generation int) (model.Stats, error) {
	var sum model.Stats
	err := c.eng.run(ctx, "taskStats", func(t *txn) error {
		var err error
		sum, err = t.taskStats(workflowID, taskName, generation)
		return err
	})
	return sum, err
}
