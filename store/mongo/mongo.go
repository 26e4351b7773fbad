// Package mongo implements the weave store contract on MongoDB using driver
// v2 sessions and transactions. Every command transaction maps to one Mongo
// transaction; write races surface as store.ErrConflict through the driver's
// transient-transaction error label and the engine retries.
package mongo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/weave/audit"
	"goa.design/weave/model"
	"goa.design/weave/store"
)

const (
	collWorkflows  = "workflows"
	collConditions = "conditions"
	collTasks      = "tasks"
	collWorkItems  = "workItems"
	collScheduled  = "scheduledInitializations"
	collStats      = "taskStatsShards"
	collSpans      = "auditSpans"

	defaultOpTimeout = 5 * time.Second
)

type (
	// Options configures the Mongo store.
	Options struct {
		// Client is a connected Mongo client. Required. Transactions need a
		// replica set or sharded deployment.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Timeout bounds index creation at startup. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is the MongoDB store implementation.
	Store struct {
		client *mongodriver.Client
		db     *mongodriver.Database
	}

	tx struct {
		db *mongodriver.Database
	}

	spanLog struct {
		db *mongodriver.Database
	}
)

var _ store.Store = (*Store)(nil)

// New connects the store to the given database and ensures the indexes the
// engine's lookups require.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{client: opts.Client, db: opts.Client.Database(opts.Database)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongodriver.IndexModel{
		collWorkflows: {
			{Keys: bson.D{{Key: "parent.workflow_id", Value: 1}, {Key: "parent.task_name", Value: 1}, {Key: "parent.task_generation", Value: 1}, {Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "state", Value: 1}}},
		},
		collConditions: {
			{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "name", Value: 1}}},
		},
		collTasks: {
			{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "name", Value: 1}}},
		},
		collWorkItems: {
			{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "task_name", Value: 1}, {Key: "task_generation", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		collScheduled: {
			{Keys: bson.D{{Key: "key", Value: 1}, {Key: "job_id", Value: 1}}},
		},
		collStats: {
			{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "task_name", Value: 1}, {Key: "generation", Value: 1}}},
		},
		collSpans: {
			{Keys: bson.D{{Key: "trace_id", Value: 1}, {Key: "_id", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}
	return nil
}

// RunTx executes fn inside a Mongo transaction.
func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx, &tx{db: s.db})
	})
	return mapErr(err)
}

// SpanLog exposes committed audit spans.
func (s *Store) SpanLog() audit.Log { return &spanLog{db: s.db} }

// mapErr converts driver errors to the store sentinels the engine matches.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if mongodriver.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	var ce mongodriver.CommandError
	if errors.As(err, &ce) && (ce.HasErrorLabel("TransientTransactionError") || ce.HasErrorLabel("UnknownTransactionCommitResult")) {
		return store.ErrConflict
	}
	return err
}

type (
	parentDoc struct {
		WorkflowID     string `bson:"workflow_id"`
		TaskName       string `bson:"task_name"`
		TaskGeneration int    `bson:"task_generation"`
	}

	workflowDoc struct {
		ID          string         `bson:"_id"`
		Definition  string         `bson:"definition"`
		Version     string         `bson:"version"`
		State       string         `bson:"state"`
		Parent      *parentDoc     `bson:"parent,omitempty"`
		TraceID     string         `bson:"trace_id"`
		Payload     []byte         `bson:"payload,omitempty"`
		Flags       map[string]any `bson:"flags,omitempty"`
		CreatedAt   time.Time      `bson:"created_at"`
		CompletedAt time.Time      `bson:"completed_at,omitempty"`
	}

	conditionDoc struct {
		ID         string    `bson:"_id"`
		WorkflowID string    `bson:"workflow_id"`
		Name       string    `bson:"name"`
		Marking    int       `bson:"marking"`
		UpdatedAt  time.Time `bson:"updated_at"`
	}

	taskDoc struct {
		ID         string    `bson:"_id"`
		WorkflowID string    `bson:"workflow_id"`
		Name       string    `bson:"name"`
		Generation int       `bson:"generation"`
		State      string    `bson:"state"`
		UpdatedAt  time.Time `bson:"updated_at"`
	}

	offerDoc struct {
		Kind string `bson:"kind"`
		To   string `bson:"to,omitempty"`
	}

	claimDoc struct {
		By string    `bson:"by"`
		At time.Time `bson:"at"`
	}

	workItemDoc struct {
		ID             string    `bson:"_id"`
		WorkflowID     string    `bson:"workflow_id"`
		TaskName       string    `bson:"task_name"`
		TaskGeneration int       `bson:"task_generation"`
		Name           string    `bson:"name"`
		State          string    `bson:"state"`
		Payload        []byte    `bson:"payload,omitempty"`
		Offer          *offerDoc `bson:"offer,omitempty"`
		Claim          *claimDoc `bson:"claim,omitempty"`
		CreatedAt      time.Time `bson:"created_at"`
		UpdatedAt      time.Time `bson:"updated_at"`
	}

	scheduledDoc struct {
		ID        string    `bson:"_id"`
		Key       string    `bson:"key"`
		JobID     string    `bson:"job_id"`
		CreatedAt time.Time `bson:"created_at"`
	}

	statsDoc struct {
		ID          string `bson:"_id"`
		WorkflowID  string `bson:"workflow_id"`
		TaskName    string `bson:"task_name"`
		Generation  int    `bson:"generation"`
		Shard       int    `bson:"shard"`
		Total       int    `bson:"total"`
		Initialized int    `bson:"initialized"`
		Started     int    `bson:"started"`
		Completed   int    `bson:"completed"`
		Failed      int    `bson:"failed"`
		Canceled    int    `bson:"canceled"`
	}

	spanDoc struct {
		ID         bson.ObjectID  `bson:"_id,omitempty"`
		SpanID     string         `bson:"span_id"`
		ParentID   string         `bson:"parent_id,omitempty"`
		TraceID    string         `bson:"trace_id"`
		Kind       string         `bson:"kind"`
		ResourceID string         `bson:"resource_id"`
		Name       string         `bson:"name,omitempty"`
		Operation  string         `bson:"operation"`
		Start      time.Time      `bson:"start"`
		End        time.Time      `bson:"end"`
		State      string         `bson:"state,omitempty"`
		Depth      int            `bson:"depth"`
		Seq        int            `bson:"seq"`
		Attributes map[string]any `bson:"attributes,omitempty"`
	}
)

func condID(workflowID, name string) string { return workflowID + "/" + name }

func statsID(workflowID, taskName string, generation, shard int) string {
	return model.TaskKey(workflowID, taskName, generation) + "/" + strconv.Itoa(shard)
}

func (t *tx) getOne(ctx context.Context, coll string, filter bson.M, out any) error {
	err := t.db.Collection(coll).FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return mapErr(err)
}

func (t *tx) putOne(ctx context.Context, coll, id string, doc any) error {
	opts := options.Replace().SetUpsert(true)
	_, err := t.db.Collection(coll).ReplaceOne(ctx, bson.M{"_id": id}, doc, opts)
	return mapErr(err)
}

func (t *tx) GetWorkflow(ctx context.Context, id string) (model.Workflow, error) {
	var doc workflowDoc
	if err := t.getOne(ctx, collWorkflows, bson.M{"_id": id}, &doc); err != nil {
		return model.Workflow{}, err
	}
	return workflowFromDoc(doc), nil
}

func (t *tx) PutWorkflow(ctx context.Context, wf model.Workflow) error {
	return t.putOne(ctx, collWorkflows, wf.ID, workflowToDoc(wf))
}

func (t *tx) ListChildWorkflows(ctx context.Context, parent model.ParentRef) ([]model.Workflow, error) {
	filter := bson.M{
		"parent.workflow_id":     parent.WorkflowID,
		"parent.task_name":       parent.TaskName,
		"parent.task_generation": parent.TaskGeneration,
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := t.db.Collection(collWorkflows).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []workflowDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.Workflow, len(docs))
	for i, doc := range docs {
		out[i] = workflowFromDoc(doc)
	}
	return out, nil
}

func (t *tx) GetCondition(ctx context.Context, workflowID, name string) (model.Condition, error) {
	var doc conditionDoc
	if err := t.getOne(ctx, collConditions, bson.M{"_id": condID(workflowID, name)}, &doc); err != nil {
		return model.Condition{}, err
	}
	return model.Condition{WorkflowID: doc.WorkflowID, Name: doc.Name, Marking: doc.Marking, UpdatedAt: doc.UpdatedAt}, nil
}

func (t *tx) PutCondition(ctx context.Context, c model.Condition) error {
	return t.putOne(ctx, collConditions, condID(c.WorkflowID, c.Name), conditionDoc{
		ID: condID(c.WorkflowID, c.Name), WorkflowID: c.WorkflowID, Name: c.Name, Marking: c.Marking, UpdatedAt: c.UpdatedAt,
	})
}

func (t *tx) ListConditions(ctx context.Context, workflowID string) ([]model.Condition, error) {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	cursor, err := t.db.Collection(collConditions).Find(ctx, bson.M{"workflow_id": workflowID}, opts)
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []conditionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.Condition, len(docs))
	for i, doc := range docs {
		out[i] = model.Condition{WorkflowID: doc.WorkflowID, Name: doc.Name, Marking: doc.Marking, UpdatedAt: doc.UpdatedAt}
	}
	return out, nil
}

func (t *tx) GetTask(ctx context.Context, workflowID, name string) (model.Task, error) {
	var doc taskDoc
	if err := t.getOne(ctx, collTasks, bson.M{"_id": condID(workflowID, name)}, &doc); err != nil {
		return model.Task{}, err
	}
	return model.Task{WorkflowID: doc.WorkflowID, Name: doc.Name, Generation: doc.Generation, State: model.TaskState(doc.State), UpdatedAt: doc.UpdatedAt}, nil
}

func (t *tx) PutTask(ctx context.Context, task model.Task) error {
	return t.putOne(ctx, collTasks, condID(task.WorkflowID, task.Name), taskDoc{
		ID: condID(task.WorkflowID, task.Name), WorkflowID: task.WorkflowID, Name: task.Name,
		Generation: task.Generation, State: string(task.State), UpdatedAt: task.UpdatedAt,
	})
}

func (t *tx) ListTasks(ctx context.Context, workflowID string) ([]model.Task, error) {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	cursor, err := t.db.Collection(collTasks).Find(ctx, bson.M{"workflow_id": workflowID}, opts)
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []taskDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.Task, len(docs))
	for i, doc := range docs {
		out[i] = model.Task{WorkflowID: doc.WorkflowID, Name: doc.Name, Generation: doc.Generation, State: model.TaskState(doc.State), UpdatedAt: doc.UpdatedAt}
	}
	return out, nil
}

func (t *tx) GetWorkItem(ctx context.Context, id string) (model.WorkItem, error) {
	var doc workItemDoc
	if err := t.getOne(ctx, collWorkItems, bson.M{"_id": id}, &doc); err != nil {
		return model.WorkItem{}, err
	}
	return workItemFromDoc(doc), nil
}

func (t *tx) PutWorkItem(ctx context.Context, wi model.WorkItem) error {
	return t.putOne(ctx, collWorkItems, wi.ID, workItemToDoc(wi))
}

func (t *tx) ListWorkItems(ctx context.Context, workflowID, taskName string, generation int) ([]model.WorkItem, error) {
	filter := bson.M{"workflow_id": workflowID, "task_name": taskName, "task_generation": generation}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := t.db.Collection(collWorkItems).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []workItemDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.WorkItem, len(docs))
	for i, doc := range docs {
		out[i] = workItemFromDoc(doc)
	}
	return out, nil
}

func (t *tx) PutScheduled(ctx context.Context, e model.ScheduledEntry) error {
	id := e.Key + "#" + e.JobID
	return t.putOne(ctx, collScheduled, id, scheduledDoc{ID: id, Key: e.Key, JobID: e.JobID, CreatedAt: e.CreatedAt})
}

func (t *tx) ListScheduledByPrefix(ctx context.Context, prefix string) ([]model.ScheduledEntry, error) {
	filter := bson.M{"key": bson.M{"$gte": prefix, "$lt": prefix + "\xff"}}
	opts := options.Find().SetSort(bson.D{{Key: "key", Value: 1}, {Key: "job_id", Value: 1}})
	cursor, err := t.db.Collection(collScheduled).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []scheduledDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.ScheduledEntry, len(docs))
	for i, doc := range docs {
		out[i] = model.ScheduledEntry{Key: doc.Key, JobID: doc.JobID, CreatedAt: doc.CreatedAt}
	}
	return out, nil
}

func (t *tx) DeleteScheduled(ctx context.Context, key, jobID string) error {
	_, err := t.db.Collection(collScheduled).DeleteOne(ctx, bson.M{"_id": key + "#" + jobID})
	return mapErr(err)
}

func (t *tx) GetStatsShard(ctx context.Context, workflowID, taskName string, generation, shard int) (model.StatsShard, error) {
	var doc statsDoc
	err := t.getOne(ctx, collStats, bson.M{"_id": statsID(workflowID, taskName, generation, shard)}, &doc)
	if store.IsNotFound(err) {
		return model.StatsShard{WorkflowID: workflowID, TaskName: taskName, Generation: generation, Shard: shard}, nil
	}
	if err != nil {
		return model.StatsShard{}, err
	}
	return statsFromDoc(doc), nil
}

func (t *tx) PutStatsShard(ctx context.Context, s model.StatsShard) error {
	id := statsID(s.WorkflowID, s.TaskName, s.Generation, s.Shard)
	return t.putOne(ctx, collStats, id, statsDoc{
		ID: id, WorkflowID: s.WorkflowID, TaskName: s.TaskName, Generation: s.Generation, Shard: s.Shard,
		Total: s.Total, Initialized: s.Initialized, Started: s.Started,
		Completed: s.Completed, Failed: s.Failed, Canceled: s.Canceled,
	})
}

func (t *tx) ListStatsShards(ctx context.Context, workflowID, taskName string, generation int) ([]model.StatsShard, error) {
	filter := bson.M{"workflow_id": workflowID, "task_name": taskName, "generation": generation}
	opts := options.Find().SetSort(bson.D{{Key: "shard", Value: 1}})
	cursor, err := t.db.Collection(collStats).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []statsDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.StatsShard, len(docs))
	for i, doc := range docs {
		out[i] = statsFromDoc(doc)
	}
	return out, nil
}

func (t *tx) AppendSpan(ctx context.Context, span audit.Span) error {
	_, err := t.db.Collection(collSpans).InsertOne(ctx, spanToDoc(span))
	return mapErr(err)
}

// ListByTrace returns the spans of a trace in commit order. ObjectID _ids
// are insertion-ordered, which matches commit order under the engine's
// serialized-per-root execution.
func (l *spanLog) ListByTrace(ctx context.Context, traceID string) ([]audit.Span, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := l.db.Collection(collSpans).Find(ctx, bson.M{"trace_id": traceID}, opts)
	if err != nil {
		return nil, mapErr(err)
	}
	var docs []spanDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapErr(err)
	}
	out := make([]audit.Span, len(docs))
	for i, doc := range docs {
		out[i] = spanFromDoc(doc)
	}
	return out, nil
}

func (l *spanLog) Append(ctx context.Context, span audit.Span) error {
	_, err := l.db.Collection(collSpans).InsertOne(ctx, spanToDoc(span))
	return mapErr(err)
}

func (l *spanLog) ListRecentTraces(ctx context.Context, limit int) ([]string, error) {
	pipeline := mongodriver.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$trace_id"}, {Key: "last", Value: bson.D{{Key: "$max", Value: "$_id"}}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "last", Value: -1}}}},
		{{Key: "$limit", Value: limit}},
	}
	cursor, err := l.db.Collection(collSpans).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, mapErr(err)
	}
	var rows []struct {
		TraceID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapErr(err)
	}
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.TraceID
	}
	return out, nil
}

func workflowToDoc(wf model.Workflow) workflowDoc {
	doc := workflowDoc{
		ID: wf.ID, Definition: wf.Definition, Version: wf.Version, State: string(wf.State),
		TraceID: wf.TraceID, Payload: wf.Payload, Flags: wf.Flags,
		CreatedAt: wf.CreatedAt, CompletedAt: wf.CompletedAt,
	}
	if wf.Parent != nil {
		doc.Parent = &parentDoc{WorkflowID: wf.Parent.WorkflowID, TaskName: wf.Parent.TaskName, TaskGeneration: wf.Parent.TaskGeneration}
	}
	return doc
}

func workflowFromDoc(doc workflowDoc) model.Workflow {
	wf := model.Workflow{
		ID: doc.ID, Definition: doc.Definition, Version: doc.Version, State: model.WorkflowState(doc.State),
		TraceID: doc.TraceID, Payload: doc.Payload, Flags: doc.Flags,
		CreatedAt: doc.CreatedAt, CompletedAt: doc.CompletedAt,
	}
	if doc.Parent != nil {
		wf.Parent = &model.ParentRef{WorkflowID: doc.Parent.WorkflowID, TaskName: doc.Parent.TaskName, TaskGeneration: doc.Parent.TaskGeneration}
	}
	return wf
}

func workItemToDoc(wi model.WorkItem) workItemDoc {
	doc := workItemDoc{
		ID: wi.ID, WorkflowID: wi.WorkflowID, TaskName: wi.TaskName, TaskGeneration: wi.TaskGeneration,
		Name: wi.Name, State: string(wi.State), Payload: wi.Payload,
		CreatedAt: wi.CreatedAt, UpdatedAt: wi.UpdatedAt,
	}
	if wi.Offer != nil {
		doc.Offer = &offerDoc{Kind: string(wi.Offer.Kind), To: wi.Offer.To}
	}
	if wi.Claim != nil {
		doc.Claim = &claimDoc{By: wi.Claim.By, At: wi.Claim.At}
	}
	return doc
}

func workItemFromDoc(doc workItemDoc) model.WorkItem {
	wi := model.WorkItem{
		ID: doc.ID, WorkflowID: doc.WorkflowID, TaskName: doc.TaskName, TaskGeneration: doc.TaskGeneration,
		Name: doc.Name, State: model.WorkItemState(doc.State), Payload: doc.Payload,
		CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt,
	}
	if doc.Offer != nil {
		wi.Offer = &model.Offer{Kind: model.OfferKind(doc.Offer.Kind), To: doc.Offer.To}
	}
	if doc.Claim != nil {
		wi.Claim = &model.Claim{By: doc.Claim.By, At: doc.Claim.At}
	}
	return wi
}

func statsFromDoc(doc statsDoc) model.StatsShard {
	return model.StatsShard{
		WorkflowID: doc.WorkflowID, TaskName: doc.TaskName, Generation: doc.Generation, Shard: doc.Shard,
		Total: doc.Total, Initialized: doc.Initialized, Started: doc.Started,
		Completed: doc.Completed, Failed: doc.Failed, Canceled: doc.Canceled,
	}
}

func spanToDoc(span audit.Span) spanDoc {
	return spanDoc{
		ID:     bson.NewObjectID(),
		SpanID: span.ID, ParentID: span.ParentID, TraceID: span.TraceID,
		Kind: string(span.Resource.Kind), ResourceID: span.Resource.ID, Name: span.Resource.Name,
		Operation: span.Operation, Start: span.Start, End: span.End, State: span.State,
		Depth: span.Depth, Seq: span.Seq, Attributes: span.Attributes,
	}
}

func spanFromDoc(doc spanDoc) audit.Span {
	return audit.Span{
		ID: doc.SpanID, ParentID: doc.ParentID, TraceID: doc.TraceID,
		Resource:  audit.Resource{Kind: audit.ResourceKind(doc.Kind), ID: doc.ResourceID, Name: doc.Name},
		Operation: doc.Operation, Start: doc.Start, End: doc.End, State: doc.State,
		Depth: doc.Depth, Seq: doc.Seq, Attributes: doc.Attributes,
	}
}
