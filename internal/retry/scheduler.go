// Package retry schedules re-dispatch of attempts that failed transiently.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
)

// AttemptStore is the part of the attempt repository the scheduler writes.
type AttemptStore interface {
	MarkFailed(ctx context.Context, id int, reason string) (bool, error)
	RecordRetry(ctx context.Context, id int, count int, lastError string) error
}

type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
}

type Outcome int

const (
	// Scheduled means a re-dispatch task was enqueued; the attempt stays pending.
	Scheduled Outcome = iota
	// Exhausted means the attempt was marked failed.
	Exhausted
)

// Scheduler implements retry counting and exponential backoff.
type Scheduler struct {
	tickets  TicketStore
	attempts AttemptStore
	queue    queue.Scheduler
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

func NewScheduler(tickets TicketStore, attempts AttemptStore, q queue.Scheduler, opts Options, log zerolog.Logger) *Scheduler {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Minute
	}
	return &Scheduler{
		tickets:  tickets,
		attempts: attempts,
		queue:    q,
		opts:     opts,
		log:      log.With().Str("component", "retry_scheduler").Logger(),
		now:      time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Delay is backoffBase * 2^count.
func (s *Scheduler) Delay(count int) time.Duration {
	return s.opts.BackoffBase << uint(count)
}

func (s *Scheduler) BackoffBase() time.Duration {
	return s.opts.BackoffBase
}

// HandleTransient counts one more transient failure for attempt. The count
// resumes from the larger of the ticket and the attempt's stored retry count,
// so a lost ticket never resets it. Past
// MaxRetries the attempt is failed and its ticket dropped; otherwise a retry
// task is enqueued after Delay(count).
func (s *Scheduler) HandleTransient(ctx context.Context, attempt *model.DispatchAttempt, cause error) (Outcome, time.Duration, error) {
	t, _, err := s.tickets.Get(ctx, attempt.ID)
	if err != nil {
		return 0, 0, err
	}
	count := max(t.Count, attempt.RetryCount) + 1
	reason := cause.Error()

	if count > s.opts.MaxRetries {
		if _, err := s.attempts.MarkFailed(ctx, attempt.ID, fmt.Sprintf("retries exhausted: %s", reason)); err != nil {
			return 0, 0, err
		}
		if err := s.tickets.Delete(ctx, attempt.ID); err != nil {
			s.log.Warn().Err(err).Int("attempt_id", attempt.ID).Msg("could not drop retry ticket")
		}
		s.log.Info().Int("attempt_id", attempt.ID).Int("retries", count-1).Msg("retries exhausted, attempt failed")
		return Exhausted, 0, nil
	}

	delay := s.Delay(count)
	ticket := Ticket{AttemptID: attempt.ID, Count: count, NextEligible: s.now().Add(delay)}
	if err := s.tickets.Put(ctx, ticket); err != nil {
		return 0, 0, err
	}
	if err := s.attempts.RecordRetry(ctx, attempt.ID, count, reason); err != nil {
		return 0, 0, err
	}
	task := model.Task{Kind: model.TaskAttemptRetry, CampaignID: attempt.CampaignID, AttemptID: attempt.ID}
	if err := s.queue.ScheduleAfter(ctx, delay, task); err != nil {
		return 0, 0, fmt.Errorf("enqueue retry of attempt %d: %w", attempt.ID, err)
	}

	s.log.Info().Int("attempt_id", attempt.ID).Int("retry", count).Dur("delay", delay).Msg("retry scheduled")
	return Scheduled, delay, nil
}

// HandleTerminal fails the attempt without retrying.
func (s *Scheduler) HandleTerminal(ctx context.Context, attempt *model.DispatchAttempt, cause error) error {
	if _, err := s.attempts.MarkFailed(ctx, attempt.ID, cause.Error()); err != nil {
		return err
	}
	return s.Forget(ctx, attempt.ID)
}

// Defer re-enqueues the attempt after delay without counting a failure.
func (s *Scheduler) Defer(ctx context.Context, attempt *model.DispatchAttempt, delay time.Duration) error {
	t, ok, err := s.tickets.Get(ctx, attempt.ID)
	if err != nil {
		return err
	}
	if !ok {
		t = Ticket{AttemptID: attempt.ID}
	}
	t.NextEligible = s.now().Add(delay)
	if err := s.tickets.Put(ctx, t); err != nil {
		return err
	}
	task := model.Task{Kind: model.TaskAttemptRetry, CampaignID: attempt.CampaignID, AttemptID: attempt.ID}
	return s.queue.ScheduleAfter(ctx, delay, task)
}

// HasTicket reports whether a retry is outstanding for attemptID.
func (s *Scheduler) HasTicket(ctx context.Context, attemptID int) (bool, error) {
	_, ok, err := s.tickets.Get(ctx, attemptID)
	return ok, err
}

// Forget drops any ticket for attemptID.
func (s *Scheduler) Forget(ctx context.Context, attemptID int) error {
	return s.tickets.Delete(ctx, attemptID)
}
