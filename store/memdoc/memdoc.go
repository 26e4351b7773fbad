// Package memdoc provides an in-memory implementation of the store contract
// for development and testing. Transactions are serialized behind a mutex;
// writes stage in the transaction and apply atomically on commit, so a
// failed command leaves no partial state behind.
package memdoc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"goa.design/weave/audit"
	"goa.design/weave/model"
	"goa.design/weave/store"
)

type (
	db struct {
		mu sync.Mutex

		workflows  map[string]model.Workflow
		conditions map[string]model.Condition      // wfID/name
		tasks      map[string]model.Task           // wfID/name
		workItems  map[string]model.WorkItem       // id
		itemOrder  map[string][]string             // wfID/task/gen -> ids
		childOrder map[string][]string             // parent key -> child wf ids
		scheduled  map[string]model.ScheduledEntry // key|jobID
		stats      map[string]model.StatsShard     // wfID/task/gen/shard

		spans      []audit.Span
		traceSpans map[string][]int // traceID -> span indexes
		traceOrder []string         // traces by first appearance
	}

	tx struct {
		db *db

		workflows  map[string]*model.Workflow
		conditions map[string]*model.Condition
		tasks      map[string]*model.Task
		workItems  map[string]*model.WorkItem
		newItems   map[string][]string
		newKids    map[string][]string
		scheduled  map[string]*model.ScheduledEntry // nil value marks deletion
		stats      map[string]*model.StatsShard
		spans      []audit.Span
	}

	spanLog struct {
		db *db
	}
)

// New returns an empty in-memory store.
func New() store.Store {
	return &db{
		workflows:  make(map[string]model.Workflow),
		conditions: make(map[string]model.Condition),
		tasks:      make(map[string]model.Task),
		workItems:  make(map[string]model.WorkItem),
		itemOrder:  make(map[string][]string),
		childOrder: make(map[string][]string),
		scheduled:  make(map[string]model.ScheduledEntry),
		stats:      make(map[string]model.StatsShard),
		traceSpans: make(map[string][]int),
	}
}

func condKey(wfID, name string) string      { return wfID + "/" + name }
func itemKey(wfID, task string, g int) string {
	return fmt.Sprintf("%s/%s/%d", wfID, task, g)
}
func parentKey(p model.ParentRef) string {
	return fmt.Sprintf("%s/%s/%d", p.WorkflowID, p.TaskName, p.TaskGeneration)
}
func schedKey(key, jobID string) string { return key + "|" + jobID }
func shardKey(wfID, task string, g, shard int) string {
	return fmt.Sprintf("%s/%s/%d/%d", wfID, task, g, shard)
}

// RunTx executes fn inside a serialized transaction. The store mutex is held
// for the transaction's duration; staged writes apply on commit only.
func (d *db) RunTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := &tx{
		db:         d,
		workflows:  make(map[string]*model.Workflow),
		conditions: make(map[string]*model.Condition),
		tasks:      make(map[string]*model.Task),
		workItems:  make(map[string]*model.WorkItem),
		newItems:   make(map[string][]string),
		newKids:    make(map[string][]string),
		scheduled:  make(map[string]*model.ScheduledEntry),
		stats:      make(map[string]*model.StatsShard),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	t.commit()
	return nil
}

// SpanLog exposes committed spans for the audit reader.
func (d *db) SpanLog() audit.Log {
	return spanLog{db: d}
}

func (t *tx) commit() {
	d := t.db
	for id, wf := range t.workflows {
		d.workflows[id] = *wf
	}
	for k, c := range t.conditions {
		d.conditions[k] = *c
	}
	for k, task := range t.tasks {
		d.tasks[k] = *task
	}
	for id, wi := range t.workItems {
		d.workItems[id] = *wi
	}
	for k, ids := range t.newItems {
		d.itemOrder[k] = append(d.itemOrder[k], ids...)
	}
	for k, ids := range t.newKids {
		d.childOrder[k] = append(d.childOrder[k], ids...)
	}
	for k, e := range t.scheduled {
		if e == nil {
			delete(d.scheduled, k)
			continue
		}
		d.scheduled[k] = *e
	}
	for k, s := range t.stats {
		d.stats[k] = *s
	}
	for _, s := range t.spans {
		if _, seen := d.traceSpans[s.TraceID]; !seen {
			d.traceOrder = append(d.traceOrder, s.TraceID)
		}
		d.traceSpans[s.TraceID] = append(d.traceSpans[s.TraceID], len(d.spans))
		d.spans = append(d.spans, s)
	}
}

func (t *tx) GetWorkflow(_ context.Context, id string) (model.Workflow, error) {
	if wf, ok := t.workflows[id]; ok {
		return *wf, nil
	}
	if wf, ok := t.db.workflows[id]; ok {
		return wf, nil
	}
	return model.Workflow{}, store.ErrNotFound
}

func (t *tx) PutWorkflow(_ context.Context, wf model.Workflow) error {
	_, staged := t.workflows[wf.ID]
	_, committed := t.db.workflows[wf.ID]
	if !staged && !committed && wf.Parent != nil {
		k := parentKey(*wf.Parent)
		t.newKids[k] = append(t.newKids[k], wf.ID)
	}
	t.workflows[wf.ID] = &wf
	return nil
}

func (t *tx) ListChildWorkflows(ctx context.Context, parent model.ParentRef) ([]model.Workflow, error) {
	k := parentKey(parent)
	ids := append(append([]string(nil), t.db.childOrder[k]...), t.newKids[k]...)
	out := make([]model.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := t.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

func (t *tx) GetCondition(_ context.Context, wfID, name string) (model.Condition, error) {
	k := condKey(wfID, name)
	if c, ok := t.conditions[k]; ok {
		return *c, nil
	}
	if c, ok := t.db.conditions[k]; ok {
		return c, nil
	}
	return model.Condition{}, store.ErrNotFound
}

func (t *tx) PutCondition(_ context.Context, c model.Condition) error {
	t.conditions[condKey(c.WorkflowID, c.Name)] = &c
	return nil
}

func (t *tx) ListConditions(_ context.Context, wfID string) ([]model.Condition, error) {
	merged := make(map[string]model.Condition)
	for k, c := range t.db.conditions {
		if c.WorkflowID == wfID {
			merged[k] = c
		}
	}
	for k, c := range t.conditions {
		if c.WorkflowID == wfID {
			merged[k] = *c
		}
	}
	out := make([]model.Condition, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *tx) GetTask(_ context.Context, wfID, name string) (model.Task, error) {
	k := condKey(wfID, name)
	if task, ok := t.tasks[k]; ok {
		return *task, nil
	}
	if task, ok := t.db.tasks[k]; ok {
		return task, nil
	}
	return model.Task{}, store.ErrNotFound
}

func (t *tx) PutTask(_ context.Context, task model.Task) error {
	t.tasks[condKey(task.WorkflowID, task.Name)] = &task
	return nil
}

func (t *tx) ListTasks(_ context.Context, wfID string) ([]model.Task, error) {
	merged := make(map[string]model.Task)
	for k, task := range t.db.tasks {
		if task.WorkflowID == wfID {
			merged[k] = task
		}
	}
	for k, task := range t.tasks {
		if task.WorkflowID == wfID {
			merged[k] = *task
		}
	}
	out := make([]model.Task, 0, len(merged))
	for _, task := range merged {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *tx) GetWorkItem(_ context.Context, id string) (model.WorkItem, error) {
	if wi, ok := t.workItems[id]; ok {
		return *wi, nil
	}
	if wi, ok := t.db.workItems[id]; ok {
		return wi, nil
	}
	return model.WorkItem{}, store.ErrNotFound
}

func (t *tx) PutWorkItem(_ context.Context, wi model.WorkItem) error {
	_, staged := t.workItems[wi.ID]
	_, committed := t.db.workItems[wi.ID]
	if !staged && !committed {
		k := itemKey(wi.WorkflowID, wi.TaskName, wi.TaskGeneration)
		t.newItems[k] = append(t.newItems[k], wi.ID)
	}
	t.workItems[wi.ID] = &wi
	return nil
}

func (t *tx) ListWorkItems(ctx context.Context, wfID, task string, gen int) ([]model.WorkItem, error) {
	k := itemKey(wfID, task, gen)
	ids := append(append([]string(nil), t.db.itemOrder[k]...), t.newItems[k]...)
	out := make([]model.WorkItem, 0, len(ids))
	for _, id := range ids {
		wi, err := t.GetWorkItem(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, wi)
	}
	return out, nil
}

func (t *tx) PutScheduled(_ context.Context, e model.ScheduledEntry) error {
	t.scheduled[schedKey(e.Key, e.JobID)] = &e
	return nil
}

func (t *tx) ListScheduledByPrefix(_ context.Context, prefix string) ([]model.ScheduledEntry, error) {
	merged := make(map[string]*model.ScheduledEntry)
	for k, e := range t.db.scheduled {
		e := e
		merged[k] = &e
	}
	for k, e := range t.scheduled {
		merged[k] = e
	}
	var out []model.ScheduledEntry
	for _, e := range merged {
		if e == nil {
			continue
		}
		if len(e.Key) >= len(prefix) && e.Key[:len(prefix)] == prefix {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].JobID < out[j].JobID
	})
	return out, nil
}

func (t *tx) DeleteScheduled(_ context.Context, key, jobID string) error {
	t.scheduled[schedKey(key, jobID)] = nil
	return nil
}

func (t *tx) GetStatsShard(_ context.Context, wfID, task string, gen, shard int) (model.StatsShard, error) {
	k := shardKey(wfID, task, gen, shard)
	if s, ok := t.stats[k]; ok {
		return *s, nil
	}
	if s, ok := t.db.stats[k]; ok {
		return s, nil
	}
	return model.StatsShard{
		WorkflowID: wfID,
		TaskName:   task,
		Generation: gen,
		Shard:      shard,
	}, nil
}

func (t *tx) PutStatsShard(_ context.Context, s model.StatsShard) error {
	t.stats[shardKey(s.WorkflowID, s.TaskName, s.Generation, s.Shard)] = &s
	return nil
}

func (t *tx) ListStatsShards(_ context.Context, wfID, task string, gen int) ([]model.StatsShard, error) {
	merged := make(map[string]model.StatsShard)
	for k, s := range t.db.stats {
		if s.WorkflowID == wfID && s.TaskName == task && s.Generation == gen {
			merged[k] = s
		}
	}
	for k, s := range t.stats {
		if s.WorkflowID == wfID && s.TaskName == task && s.Generation == gen {
			merged[k] = *s
		}
	}
	out := make([]model.StatsShard, 0, len(merged))
	for _, s := range merged {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out, nil
}

func (t *tx) AppendSpan(_ context.Context, span audit.Span) error {
	t.spans = append(t.spans, span)
	return nil
}

func (l spanLog) Append(_ context.Context, span audit.Span) error {
	d := l.db
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.traceSpans[span.TraceID]; !seen {
		d.traceOrder = append(d.traceOrder, span.TraceID)
	}
	d.traceSpans[span.TraceID] = append(d.traceSpans[span.TraceID], len(d.spans))
	d.spans = append(d.spans, span)
	return nil
}

func (l spanLog) ListByTrace(_ context.Context, traceID string) ([]audit.Span, error) {
	d := l.db
	d.mu.Lock()
	defer d.mu.Unlock()
	idxs := d.traceSpans[traceID]
	out := make([]audit.Span, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, d.spans[i])
	}
	return out, nil
}

func (l spanLog) ListRecentTraces(_ context.Context, limit int) ([]string, error) {
	d := l.db
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, limit)
	for i := len(d.traceOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, d.traceOrder[i])
	}
	return out, nil
}
