package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

type recordingQueue struct {
	mu     sync.Mutex
	delays []time.Duration
	tasks  []model.Task
}

func (q *recordingQueue) ScheduleAfter(_ context.Context, delay time.Duration, task model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delays = append(q.delays, delay)
	q.tasks = append(q.tasks, task)
	return nil
}

func newPendingAttempt(t *testing.T) (repository.Repositories, *model.DispatchAttempt) {
	t.Helper()
	ctx := context.Background()
	repos := repository.NewMemory()
	c := &model.Campaign{Name: "c", BaseTemplate: "hi", IdentityID: "id"}
	require.NoError(t, repos.Campaigns.Create(ctx, c))
	r := &model.Recipient{Address: "+1"}
	require.NoError(t, repos.Recipients.Create(ctx, r))
	a, err := repos.Attempts.CreateOrGet(ctx, c.ID, r.ID, "hi")
	require.NoError(t, err)
	return repos, a
}

func TestDelayDoublesPerRetry(t *testing.T) {
	s := NewScheduler(NewMemoryTicketStore(), nil, &recordingQueue{}, Options{MaxRetries: 5, BackoffBase: time.Minute}, zerolog.Nop())

	prev := time.Duration(0)
	for count := 1; count <= 5; count++ {
		d := s.Delay(count)
		assert.Greater(t, d, prev, "delay must strictly increase")
		prev = d
	}
	assert.Equal(t, 2*time.Minute, s.Delay(1))
	assert.Equal(t, 8*time.Minute, s.Delay(3))
}

func TestHandleTransientBackoffThenExhaust(t *testing.T) {
	ctx := context.Background()
	repos, attempt := newPendingAttempt(t)
	q := &recordingQueue{}
	s := NewScheduler(NewMemoryTicketStore(), repos.Attempts, q, Options{MaxRetries: 3, BackoffBase: time.Minute}, zerolog.Nop())
	cause := errors.New("rate limited")

	for i := 0; i < 3; i++ {
		outcome, _, err := s.HandleTransient(ctx, attempt, cause)
		require.NoError(t, err)
		assert.Equal(t, Scheduled, outcome)

		got, _ := repos.Attempts.GetByID(ctx, attempt.ID)
		assert.Equal(t, model.AttemptPending, got.Status)
		assert.Equal(t, i+1, got.RetryCount)
	}
	assert.Equal(t, []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}, q.delays)
	for _, task := range q.tasks {
		assert.Equal(t, model.TaskAttemptRetry, task.Kind)
		assert.Equal(t, attempt.ID, task.AttemptID)
	}

	outcome, _, err := s.HandleTransient(ctx, attempt, cause)
	require.NoError(t, err)
	assert.Equal(t, Exhausted, outcome)
	assert.Len(t, q.delays, 3, "no retry is scheduled once exhausted")

	got, _ := repos.Attempts.GetByID(ctx, attempt.ID)
	assert.Equal(t, model.AttemptFailed, got.Status)
	assert.LessOrEqual(t, got.RetryCount, 3)
	assert.Contains(t, got.LastError, "rate limited")

	has, _ := s.HasTicket(ctx, attempt.ID)
	assert.False(t, has)
}

func TestHandleTransientResumesCountWhenTicketLost(t *testing.T) {
	ctx := context.Background()
	repos, attempt := newPendingAttempt(t)
	q := &recordingQueue{}
	opts := Options{MaxRetries: 3, BackoffBase: time.Minute}
	s := NewScheduler(NewMemoryTicketStore(), repos.Attempts, q, opts, zerolog.Nop())
	cause := errors.New("rate limited")

	for i := 0; i < 3; i++ {
		_, _, err := s.HandleTransient(ctx, attempt, cause)
		require.NoError(t, err)
	}

	// A restarted worker starts with an empty ticket store.
	restarted := NewScheduler(NewMemoryTicketStore(), repos.Attempts, q, opts, zerolog.Nop())
	stored, err := repos.Attempts.GetByID(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, 3, stored.RetryCount)

	outcome, delay, err := restarted.HandleTransient(ctx, stored, cause)
	require.NoError(t, err)
	assert.Equal(t, Exhausted, outcome)
	assert.Zero(t, delay)

	got, _ := repos.Attempts.GetByID(ctx, attempt.ID)
	assert.Equal(t, model.AttemptFailed, got.Status)
	assert.LessOrEqual(t, got.RetryCount, 3)
}

func TestHandleTransientZeroRetries(t *testing.T) {
	ctx := context.Background()
	repos, attempt := newPendingAttempt(t)
	q := &recordingQueue{}
	s := NewScheduler(NewMemoryTicketStore(), repos.Attempts, q, Options{MaxRetries: 0, BackoffBase: time.Minute}, zerolog.Nop())

	outcome, _, err := s.HandleTransient(ctx, attempt, errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, Exhausted, outcome)
	assert.Empty(t, q.delays)
}

func TestHandleTerminal(t *testing.T) {
	ctx := context.Background()
	repos, attempt := newPendingAttempt(t)
	tickets := NewMemoryTicketStore()
	s := NewScheduler(tickets, repos.Attempts, &recordingQueue{}, Options{MaxRetries: 3, BackoffBase: time.Minute}, zerolog.Nop())

	_, _, err := s.HandleTransient(ctx, attempt, errors.New("timeout"))
	require.NoError(t, err)
	require.NoError(t, s.HandleTerminal(ctx, attempt, errors.New("invalid recipient")))

	got, _ := repos.Attempts.GetByID(ctx, attempt.ID)
	assert.Equal(t, model.AttemptFailed, got.Status)
	assert.Equal(t, "invalid recipient", got.LastError)
	_, ok, _ := tickets.Get(ctx, attempt.ID)
	assert.False(t, ok)
}

func TestDeferDoesNotCount(t *testing.T) {
	ctx := context.Background()
	repos, attempt := newPendingAttempt(t)
	q := &recordingQueue{}
	tickets := NewMemoryTicketStore()
	s := NewScheduler(tickets, repos.Attempts, q, Options{MaxRetries: 3, BackoffBase: time.Minute}, zerolog.Nop())

	_, _, _ = s.HandleTransient(ctx, attempt, errors.New("timeout"))
	require.NoError(t, s.Defer(ctx, attempt, time.Minute))

	tk, ok, _ := tickets.Get(ctx, attempt.ID)
	require.True(t, ok)
	assert.Equal(t, 1, tk.Count)
	assert.Equal(t, []time.Duration{2 * time.Minute, time.Minute}, q.delays)
}

func TestRedisTicketStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisTicketStore(client, time.Hour)

	_, ok, err := s.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	next := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, Ticket{AttemptID: 42, Count: 2, NextEligible: next}))

	got, ok, err := s.Get(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Count)
	assert.True(t, got.NextEligible.Equal(next))
	assert.Equal(t, time.Hour, mr.TTL(ticketKey(42)))

	require.NoError(t, s.Delete(ctx, 42))
	_, ok, _ = s.Get(ctx, 42)
	assert.False(t, ok)
}
