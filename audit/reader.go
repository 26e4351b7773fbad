package audit

import (
	"context"
	"errors"
	"time"

	"goa.design/weave/model"
)

type (
	// Reader serves trace queries and point-in-time state reconstruction
	// over a span log.
	Reader struct {
		log Log
	}

	// TaskSnapshot is the reconstructed state of one task.
	TaskSnapshot struct {
		State      model.TaskState
		Generation int
	}

	// WorkflowSnapshot is the reconstructed state of the root workflow of a
	// trace at a point in time.
	WorkflowSnapshot struct {
		// State is the root workflow's lifecycle state.
		State model.WorkflowState
		// Conditions maps condition names to markings.
		Conditions map[string]int
		// Tasks maps task names to their state and generation.
		Tasks map[string]TaskSnapshot
		// WorkItems maps work item ids to their states.
		WorkItems map[string]model.WorkItemState
	}
)

// NewReader builds a Reader over the given span log.
func NewReader(log Log) (*Reader, error) {
	if log == nil {
		return nil, errors.New("span log is required")
	}
	return &Reader{log: log}, nil
}

// GetRootSpans returns the command root spans of a trace in sequence order.
func (r *Reader) GetRootSpans(ctx context.Context, traceID string) ([]Span, error) {
	spans, err := r.log.ListByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	var roots []Span
	for _, s := range spans {
		if s.ParentID == "" {
			roots = append(roots, s)
		}
	}
	return roots, nil
}

// GetChildSpans returns the direct children of a span in sequence order.
func (r *Reader) GetChildSpans(ctx context.Context, traceID, parentSpanID string) ([]Span, error) {
	spans, err := r.log.ListByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	var children []Span
	for _, s := range spans {
		if s.ParentID == parentSpanID {
			children = append(children, s)
		}
	}
	return children, nil
}

// ListRecentTraces returns up to limit trace ids, most recent first.
func (r *Reader) ListRecentTraces(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	return r.log.ListRecentTraces(ctx, limit)
}

// GetWorkflowStateAtTime replays the trace's spans up to and including the
// given timestamp and returns the reconstructed state of the root workflow:
// its lifecycle state, every condition marking, every task state and
// generation, and every work item state observed so far.
func (r *Reader) GetWorkflowStateAtTime(ctx context.Context, traceID string, at time.Time) (WorkflowSnapshot, error) {
	spans, err := r.log.ListByTrace(ctx, traceID)
	if err != nil {
		return WorkflowSnapshot{}, err
	}

	// Spans arrive in commit order, which is mutation order; replaying them
	// in sequence reproduces the state the store held at each instant.
	snap := WorkflowSnapshot{
		Conditions: make(map[string]int),
		Tasks:      make(map[string]TaskSnapshot),
		WorkItems:  make(map[string]model.WorkItemState),
	}
	for _, s := range spans {
		if s.Start.After(at) {
			continue
		}
		switch s.Resource.Kind {
		case ResourceWorkflow:
			// Only the root workflow contributes to the snapshot state;
			// children are visible through their own task mirrors.
			if s.Resource.ID != traceID {
				continue
			}
			if state, ok := stringAttr(s, AttrState); ok {
				snap.State = model.WorkflowState(state)
			} else if s.State != "" {
				snap.State = model.WorkflowState(s.State)
			}
		case ResourceCondition:
			// Condition and task spans carry the owning workflow id; child
			// workflows may reuse condition names, so only root spans count.
			if s.Resource.ID != traceID || s.Attributes == nil {
				continue
			}
			if v, ok := intAttr(s, AttrMarkingNew); ok {
				snap.Conditions[s.Resource.Name] = v
			}
		case ResourceTask:
			if s.Resource.ID != traceID {
				continue
			}
			ts := snap.Tasks[s.Resource.Name]
			if state, ok := stringAttr(s, AttrState); ok {
				ts.State = model.TaskState(state)
			} else if s.State != "" {
				ts.State = model.TaskState(s.State)
			}
			if g, ok := intAttr(s, AttrGeneration); ok {
				ts.Generation = g
			}
			snap.Tasks[s.Resource.Name] = ts
		case ResourceWorkItem:
			if state, ok := stringAttr(s, AttrState); ok {
				snap.WorkItems[s.Resource.ID] = model.WorkItemState(state)
			} else if s.State != "" {
				snap.WorkItems[s.Resource.ID] = model.WorkItemState(s.State)
			}
		}
	}
	return snap, nil
}

func stringAttr(s Span, key string) (string, bool) {
	if s.Attributes == nil {
		return "", false
	}
	v, ok := s.Attributes[key].(string)
	return v, ok
}

func intAttr(s Span, key string) (int, bool) {
	if s.Attributes == nil {
		return 0, false
	}
	switch v := s.Attributes[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
