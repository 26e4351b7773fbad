// Package redis provides a Redis-backed scheduler. Pending jobs live in a
// sorted set scored by due time with payloads in per-job hashes; a dispatcher
// goroutine polls for due jobs and claims each with a ZREM so exactly one
// dispatcher instance runs it.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/weave/scheduler"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultKeyPrefix    = "weave:sched"
	claimBatch          = 16
)

type (
	// Options configures the Redis scheduler.
	Options struct {
		// Client is the go-redis client to use. Required.
		Client *redis.Client
		// KeyPrefix namespaces the scheduler's keys. Defaults to "weave:sched".
		KeyPrefix string
		// PollInterval bounds dispatch latency. Defaults to 100ms.
		PollInterval time.Duration
	}

	sched struct {
		rdb      *redis.Client
		prefix   string
		interval time.Duration

		mu       sync.Mutex
		handlers map[string]scheduler.Handler

		stop chan struct{}
		done chan struct{}
	}
)

// New returns a Redis-backed scheduler. Call Start to begin dispatching.
func New(opts Options) (*Scheduler, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Scheduler{s: &sched{
		rdb:      opts.Client,
		prefix:   prefix,
		interval: interval,
		handlers: make(map[string]scheduler.Handler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}}, nil
}

// Scheduler is the Redis-backed scheduler.Scheduler implementation.
type Scheduler struct {
	s *sched
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

// RegisterHandler binds a handler to a job name.
func (sc *Scheduler) RegisterHandler(name string, h scheduler.Handler) error {
	if name == "" {
		return errors.New("handler name is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	sc.s.mu.Lock()
	defer sc.s.mu.Unlock()
	if _, dup := sc.s.handlers[name]; dup {
		return fmt.Errorf("handler %q already registered", name)
	}
	sc.s.handlers[name] = h
	return nil
}

// Schedule stores the job payload and enqueues the job at its due time.
func (sc *Scheduler) Schedule(ctx context.Context, id string, after time.Duration, job scheduler.Job) error {
	if id == "" {
		return errors.New("job id is required")
	}
	s := sc.s
	due := time.Now().Add(after).UnixMilli()
	if err := s.rdb.HSet(ctx, s.jobKey(id),
		"name", job.Name,
		"payload", string(job.Payload),
	).Err(); err != nil {
		return fmt.Errorf("store job %q: %w", id, err)
	}
	if err := s.rdb.ZAdd(ctx, s.queueKey(), redis.Z{
		Score:  float64(due),
		Member: id,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue job %q: %w", id, err)
	}
	return nil
}

// Cancel drops a pending job. Unknown ids are a no-op.
func (sc *Scheduler) Cancel(ctx context.Context, id string) error {
	s := sc.s
	if err := s.rdb.ZRem(ctx, s.queueKey(), id).Err(); err != nil {
		return fmt.Errorf("cancel job %q: %w", id, err)
	}
	return s.rdb.Del(ctx, s.jobKey(id)).Err()
}

// Start launches the dispatcher goroutine. The dispatcher stops when ctx is
// canceled or Close is called.
func (sc *Scheduler) Start(ctx context.Context) {
	go sc.s.run(ctx)
}

// Close stops the dispatcher and waits for in-flight dispatch to finish.
func (sc *Scheduler) Close() {
	close(sc.s.stop)
	<-sc.s.done
}

func (s *sched) queueKey() string        { return s.prefix + ":queue" }
func (s *sched) jobKey(id string) string { return s.prefix + ":job:" + id }

func (s *sched) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *sched) dispatchDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, s.queueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: claimBatch,
	}).Result()
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "poll due jobs"})
		return
	}
	for _, id := range ids {
		// ZREM is the claim: whichever dispatcher removes the member runs
		// the job.
		n, err := s.rdb.ZRem(ctx, s.queueKey(), id).Result()
		if err != nil || n == 0 {
			continue
		}
		fields, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		_ = s.rdb.Del(ctx, s.jobKey(id)).Err()
		s.mu.Lock()
		h, ok := s.handlers[fields["name"]]
		s.mu.Unlock()
		if !ok {
			log.Warn(ctx, log.KV{K: "msg", V: "no handler for due job"}, log.KV{K: "job_id", V: id}, log.KV{K: "job", V: fields["name"]})
			continue
		}
		go func(id string, payload []byte) {
			if err := h(context.WithoutCancel(ctx), payload); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "deferred job failed"}, log.KV{K: "job_id", V: id})
			}
		}(id, []byte(fields["payload"]))
	}
}
