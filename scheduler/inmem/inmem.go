// Package inmem provides a timer-based scheduler for development and tests.
// Jobs run on their own goroutine when due; there is no durability.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/weave/scheduler"
)

type sched struct {
	mu       sync.Mutex
	handlers map[string]scheduler.Handler
	timers   map[string]*time.Timer
}

// New returns an empty in-memory scheduler.
func New() scheduler.Scheduler {
	return &sched{
		handlers: make(map[string]scheduler.Handler),
		timers:   make(map[string]*time.Timer),
	}
}

func (s *sched) RegisterHandler(name string, h scheduler.Handler) error {
	if name == "" {
		return errors.New("handler name is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.handlers[name]; dup {
		return fmt.Errorf("handler %q already registered", name)
	}
	s.handlers[name] = h
	return nil
}

func (s *sched) Schedule(ctx context.Context, id string, after time.Duration, job scheduler.Job) error {
	if id == "" {
		return errors.New("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[job.Name]
	if !ok {
		return fmt.Errorf("no handler registered for job %q", job.Name)
	}
	if _, dup := s.timers[id]; dup {
		return fmt.Errorf("job %q already scheduled", id)
	}
	payload := append([]byte(nil), job.Payload...)
	s.timers[id] = time.AfterFunc(after, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		// Detach from the scheduling context: the job outlives the command
		// that registered it.
		if err := h(context.WithoutCancel(ctx), payload); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "deferred job failed"}, log.KV{K: "job_id", V: id}, log.KV{K: "job", V: job.Name})
		}
	})
	return nil
}

func (s *sched) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	return nil
}
