// Package queue defers campaign tasks: campaign runs and single-attempt
// retries. InMemoryQueue serves single-process deployments and tests,
// AMQPQueue shares the work between worker processes.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cskr/pubsub"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const tasksTopic = "tasks"

var ErrClosed = errors.New("queue closed")

type Handler func(ctx context.Context, task model.Task) error

// Scheduler enqueues a task to be delivered after delay.
type Scheduler interface {
	ScheduleAfter(ctx context.Context, delay time.Duration, task model.Task) error
}

// Queue is a Scheduler whose tasks can be consumed.
type Queue interface {
	Scheduler
	// Consume delivers tasks to handler until ctx is cancelled.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// JobPayload wraps a task with retry info
type JobPayload struct {
	Task       model.Task
	RetryCount int
	MaxRetries int
}

// InMemoryQueue delivers tasks through an in-process pubsub topic. Handler
// failures are retried with a linear backoff.
type InMemoryQueue struct {
	ps      *pubsub.PubSub
	log     zerolog.Logger
	backoff time.Duration

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func NewInMemoryQueue(log zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		ps:      pubsub.New(256),
		log:     log.With().Str("component", "memory_queue").Logger(),
		backoff: 500 * time.Millisecond,
		timers:  map[*time.Timer]struct{}{},
	}
}

// WithBackoff sets the base pause between handler retries.
func (q *InMemoryQueue) WithBackoff(d time.Duration) *InMemoryQueue {
	q.backoff = d
	return q
}

func (q *InMemoryQueue) ScheduleAfter(_ context.Context, delay time.Duration, task model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	job := JobPayload{Task: task, MaxRetries: 3}
	if delay <= 0 {
		q.ps.Pub(job, tasksTopic)
		return nil
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, t)
		if !q.closed {
			q.ps.Pub(job, tasksTopic)
		}
	})
	q.timers[t] = struct{}{}
	return nil
}

// Pending reports how many delayed tasks have not been published yet.
func (q *InMemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *InMemoryQueue) Consume(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	ch := q.ps.Sub(tasksTopic)
	q.mu.Unlock()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			go q.ps.Unsub(ch, tasksTopic)
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			job, ok := msg.(JobPayload)
			if !ok {
				q.log.Warn().Msgf("⚠️ unexpected payload type %T", msg)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.processJob(ctx, handler, job)
			}()
		}
	}
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(ctx context.Context, handler Handler, job JobPayload) {
	for job.RetryCount <= job.MaxRetries {
		err := handler(ctx, job.Task)
		if err == nil {
			return
		}

		job.RetryCount++
		q.log.Warn().Err(err).
			Str("kind", string(job.Task.Kind)).
			Int("campaign_id", job.Task.CampaignID).
			Int("attempt", job.RetryCount).
			Msg("task failed")

		if job.RetryCount > job.MaxRetries {
			q.log.Error().Str("kind", string(job.Task.Kind)).Int("campaign_id", job.Task.CampaignID).
				Msgf("task permanently failed after %d attempts", job.MaxRetries)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(job.RetryCount) * q.backoff):
		}
	}
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	q.ps.Shutdown()
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
