package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/channel"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/personalize"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/retry"
	"github.com/unclebandit/campaign-dispatch/internal/throttle"
)

type recordingQueue struct {
	mu     sync.Mutex
	tasks  []model.Task
	delays []time.Duration
}

func (q *recordingQueue) ScheduleAfter(_ context.Context, delay time.Duration, task model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	q.delays = append(q.delays, delay)
	return nil
}

func (q *recordingQueue) ofKind(kind model.TaskKind) []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.Task
	for _, t := range q.tasks {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// countingSender succeeds unless fail returns an error for the address.
type countingSender struct {
	mu     sync.Mutex
	calls  map[string]int
	bodies []string
	fail   func(to string, call int) error
}

func (s *countingSender) Send(_ context.Context, to, body string) (string, error) {
	s.mu.Lock()
	s.calls[to]++
	n := s.calls[to]
	s.bodies = append(s.bodies, body)
	s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(to, n); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("ext-%s-%d", to, n), nil
}

func (s *countingSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

type harness struct {
	repos   repository.Repositories
	store   *throttle.MemoryStore
	queue   *recordingQueue
	tickets *retry.MemoryTicketStore
	sender  *countingSender
	events  *events.Recorder
	limits  throttle.Limits
	warmup  throttle.WarmupOptions
}

func newHarness() *harness {
	return &harness{
		repos:   repository.NewMemory(),
		store:   throttle.NewMemoryStore(),
		queue:   &recordingQueue{},
		tickets: retry.NewMemoryTicketStore(),
		sender:  &countingSender{calls: map[string]int{}},
		events:  &events.Recorder{},
		limits:  throttle.Limits{MaxPerHour: 1000, MaxPerDay: 10000},
		warmup:  throttle.WarmupOptions{Enabled: false, Ceiling: 10000},
	}
}

func (h *harness) dispatcher(rewriter channel.Rewriter) *Dispatcher {
	warmup := throttle.NewWarmupScheduler(h.store, h.warmup)
	return New(Deps{
		Repos:        h.repos,
		Personalizer: personalize.New(0),
		Throttler:    throttle.NewThrottler(h.store, warmup, h.limits, zerolog.Nop()),
		Retries:      retry.NewScheduler(h.tickets, h.repos.Attempts, h.queue, retry.Options{MaxRetries: 3, BackoffBase: time.Minute}, zerolog.Nop()),
		Sender:       h.sender,
		Rewriter:     rewriter,
		Events:       h.events,
		Queue:        h.queue,
	}, Options{LeaseTTL: time.Minute}, zerolog.Nop())
}

func (h *harness) campaign(t *testing.T, template string, recipients int) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	c := &model.Campaign{Name: "promo", BaseTemplate: template, IdentityID: "sender-1"}
	require.NoError(t, h.repos.Campaigns.Create(ctx, c))

	ids := make([]int, 0, recipients)
	for i := 0; i < recipients; i++ {
		r := &model.Recipient{Address: fmt.Sprintf("+2547%08d", i), Name: fmt.Sprintf("Customer %d", i)}
		require.NoError(t, h.repos.Recipients.Create(ctx, r))
		ids = append(ids, r.ID)
	}
	_, err := h.repos.Recipients.AddToCampaign(ctx, c.ID, ids)
	require.NoError(t, err)

	h.transition(t, c.ID, model.CampaignScheduled)
	h.transition(t, c.ID, model.CampaignRunning)
	return c
}

func (h *harness) transition(t *testing.T, id int, next model.CampaignStatus) {
	t.Helper()
	ok, err := h.repos.Campaigns.Transition(context.Background(), id, next, "")
	require.NoError(t, err)
	require.True(t, ok, "transition to %s", next)
}

func (h *harness) stats(t *testing.T, id int) map[string]int {
	t.Helper()
	s, err := h.repos.Attempts.GetCampaignStats(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) status(t *testing.T, id int) model.CampaignStatus {
	t.Helper()
	c, err := h.repos.Campaigns.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func TestRunStopsAtHourlyCeiling(t *testing.T) {
	h := newHarness()
	h.limits.MaxPerHour = 50
	c := h.campaign(t, "Hi {first_name}", 80)

	res, err := h.dispatcher(nil).Run(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, StopBudget, res.Stop)
	assert.Equal(t, 50, res.Sent)
	assert.Equal(t, 50, h.stats(t, c.ID)["sent"])
	assert.Equal(t, 50, h.stats(t, c.ID)["total"], "the remaining 30 recipients get no attempt")
	assert.Equal(t, model.CampaignRunning, h.status(t, c.ID))
}

func TestRunRespectsWarmupDayOneCap(t *testing.T) {
	h := newHarness()
	h.limits.MaxPerDay = 100000
	h.warmup = throttle.WarmupOptions{
		Enabled:      true,
		DurationDays: 7,
		Schedule:     throttle.Schedule{{Day: 1, Cap: 20}, {Day: 2, Cap: 40}},
		Ceiling:      100000,
	}
	c := h.campaign(t, "Hi {first_name}", 100)

	res, err := h.dispatcher(nil).Run(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, StopBudget, res.Stop)
	assert.Equal(t, 20, h.sender.total())
	assert.Equal(t, 20, h.stats(t, c.ID)["sent"])
}

func TestRunCompletesCampaign(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi {first_name}, thanks for shopping", 5)

	res, err := h.dispatcher(nil).Run(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, StopCompleted, res.Stop)
	assert.Equal(t, 5, res.Sent)
	assert.Equal(t, model.CampaignCompleted, h.status(t, c.ID))
	assert.Len(t, h.events.OfType(events.CampaignCompleted), 1)
	assert.Len(t, h.events.OfType(events.AttemptSent), 5)
	assert.Contains(t, h.sender.bodies, "Hi Customer, thanks for shopping")

	hour, _ := h.store.Get(context.Background(), "sender-1", throttle.Hour)
	assert.Equal(t, int64(5), hour)
}

func TestConcurrentRunsSendAtMostOnce(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi {first_name}", 40)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		d := h.dispatcher(nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Run(context.Background(), c.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for addr, n := range h.sender.calls {
		assert.Equal(t, 1, n, "recipient %s sent more than once", addr)
	}
	assert.Equal(t, 40, h.stats(t, c.ID)["sent"])
	assert.Equal(t, model.CampaignCompleted, h.status(t, c.ID))
}

func TestConcurrentRunsOnSharedDispatcherSendAtMostOnce(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi {first_name}", 20)
	h.sender.fail = func(string, int) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}
	d := h.dispatcher(nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Run(context.Background(), c.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for addr, n := range h.sender.calls {
		assert.Equal(t, 1, n, "recipient %s sent more than once", addr)
	}
	assert.Equal(t, 20, h.sender.total())

	hour, err := h.store.Get(context.Background(), "sender-1", throttle.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(20), hour)
	assert.Equal(t, 20, h.stats(t, c.ID)["sent"])
	assert.Equal(t, model.CampaignCompleted, h.status(t, c.ID))
}

func TestRunInFlightExcludesRunsOfSameDispatcher(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi", 2)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	h.sender.fail = func(string, int) error {
		once.Do(func() {
			close(entered)
			<-unblock
		})
		return nil
	}
	d := h.dispatcher(nil)

	done := make(chan RunResult, 1)
	go func() {
		res, err := d.Run(context.Background(), c.ID)
		assert.NoError(t, err)
		done <- res
	}()
	<-entered

	second, err := d.Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StopClaimConflict, second.Stop)

	ok, err := h.repos.Campaigns.Claim(context.Background(), c.ID, d.Owner(), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease of the in-flight run must not be shared")

	close(unblock)
	first := <-done
	assert.Equal(t, StopCompleted, first.Stop)
	assert.Equal(t, 2, h.sender.total())
}

func TestRunIsNoOpWhenClaimedElsewhere(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi", 3)
	ok, err := h.repos.Campaigns.Claim(context.Background(), c.ID, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.dispatcher(nil).Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StopClaimConflict, res.Stop)
	assert.Zero(t, h.sender.total())
}

func TestRunIgnoresCampaignThatIsNotRunning(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi", 3)
	h.transition(t, c.ID, model.CampaignPaused)

	res, err := h.dispatcher(nil).Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StopNotRunning, res.Stop)
	assert.Zero(t, h.sender.total())
}

func TestPauseTakesEffectAtNextRecipient(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi", 10)
	h.sender.fail = func(string, int) error {
		if h.sender.total() == 3 {
			_, _ = h.repos.Campaigns.Transition(context.Background(), c.ID, model.CampaignPaused, "operator")
		}
		return nil
	}

	res, err := h.dispatcher(nil).Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StopNotRunning, res.Stop)
	assert.Equal(t, 3, h.sender.total())
	assert.Equal(t, model.CampaignPaused, h.status(t, c.ID))
}

func TestRewriteFallsBackToRenderedBody(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hello {first_name}", 2)
	c.RewriteEnabled = true
	c.RewriteTone = "friendly"
	require.NoError(t, h.repos.Campaigns.Update(context.Background(), c))

	calls := 0
	rewriter := channel.RewriterFunc(func(_ context.Context, body, tone string, _ map[string]string) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("model timeout")
		}
		return body + " :) (" + tone + ")", nil
	})

	_, err := h.dispatcher(rewriter).Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Hello Customer", "Hello Customer :) (friendly)"}, h.sender.bodies)
}

func TestTransientFailureSchedulesRetryAndKeepsCampaignRunning(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi", 3)
	flaky := "+254700000001"
	h.sender.fail = func(to string, _ int) error {
		if to == flaky {
			return channel.WrapTransient(errors.New("503"))
		}
		return nil
	}

	d := h.dispatcher(nil)
	res, err := d.Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StopRetriesPending, res.Stop)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Retrying)
	assert.Equal(t, model.CampaignRunning, h.status(t, c.ID))

	retries := h.queue.ofKind(model.TaskAttemptRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, []time.Duration{2 * time.Minute}, h.queue.delays)

	// a second run leaves the queued retry alone
	_, err = d.Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.sender.calls[flaky])

	h.sender.fail = nil
	require.NoError(t, d.RetryAttempt(context.Background(), retries[0].AttemptID))
	assert.Equal(t, 3, h.stats(t, c.ID)["sent"])
	require.Len(t, h.queue.ofKind(model.TaskCampaignRun), 1)

	res, err = d.Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, res.Stop)
	assert.Equal(t, model.CampaignCompleted, h.status(t, c.ID))
}

func TestRetriesExhaustThenCampaignCompletes(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi", 1)
	h.sender.fail = func(string, int) error { return channel.WrapTransient(errors.New("timeout")) }

	d := h.dispatcher(nil)
	_, err := d.Run(context.Background(), c.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		tasks := h.queue.ofKind(model.TaskAttemptRetry)
		require.NoError(t, d.RetryAttempt(context.Background(), tasks[len(tasks)-1].AttemptID))
	}

	assert.Equal(t, []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 0}, h.queue.delays)
	assert.Equal(t, 1, h.stats(t, c.ID)["failed"])
	assert.Equal(t, 4, h.sender.total())

	res, err := d.Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, res.Stop)
}

func TestTerminalFailureIsNotRetried(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi", 2)
	h.sender.fail = func(to string, _ int) error {
		if to == "+254700000000" {
			return channel.WrapTerminal(errors.New("invalid number"))
		}
		return nil
	}

	res, err := h.dispatcher(nil).Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, StopCompleted, res.Stop)
	assert.Empty(t, h.queue.ofKind(model.TaskAttemptRetry))
	assert.Len(t, h.events.OfType(events.AttemptFailed), 1)
}

func TestStalePendingAttemptIsResent(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi {first_name}", 1)
	cands, err := h.repos.Recipients.Candidates(context.Background(), c.ID)
	require.NoError(t, err)
	_, err = h.repos.Attempts.CreateOrGet(context.Background(), c.ID, cands[0].Recipient.ID, "stored body")
	require.NoError(t, err)

	res, err := h.dispatcher(nil).Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, []string{"stored body"}, h.sender.bodies)
}

func TestInvalidTemplateFailsCampaign(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi {first_name", 2)

	res, err := h.dispatcher(nil).Run(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StopTemplateInvalid, res.Stop)
	assert.Equal(t, model.CampaignFailed, h.status(t, c.ID))
	assert.Zero(t, h.sender.total())
	assert.Len(t, h.events.OfType(events.CampaignFailed), 1)
}

func TestRetryDeferredWhilePausedAndFailedOnceCancelled(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi", 1)
	h.sender.fail = func(string, int) error { return channel.WrapTransient(errors.New("503")) }

	d := h.dispatcher(nil)
	_, err := d.Run(context.Background(), c.ID)
	require.NoError(t, err)
	attemptID := h.queue.ofKind(model.TaskAttemptRetry)[0].AttemptID

	h.transition(t, c.ID, model.CampaignPaused)
	require.NoError(t, d.RetryAttempt(context.Background(), attemptID))
	assert.Equal(t, 1, h.sender.total(), "no send while paused")
	assert.Equal(t, time.Minute, h.queue.delays[len(h.queue.delays)-1])

	ticket, ok, err := h.tickets.Get(context.Background(), attemptID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, ticket.Count, "deferral does not count as a retry")

	h.transition(t, c.ID, model.CampaignCancelled)
	require.NoError(t, d.RetryAttempt(context.Background(), attemptID))
	a, err := h.repos.Attempts.GetByID(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptFailed, a.Status)
	assert.Equal(t, "campaign cancelled", a.LastError)
}

func TestRetryOfSettledAttemptIsDropped(t *testing.T) {
	h := newHarness()
	c := h.campaign(t, "Hi", 1)
	d := h.dispatcher(nil)
	_, err := d.Run(context.Background(), c.ID)
	require.NoError(t, err)

	a, _, err := h.repos.Attempts.List(context.Background(), c.ID, "", 0, 10)
	require.NoError(t, err)
	require.NoError(t, d.RetryAttempt(context.Background(), a[0].ID))
	assert.Equal(t, 1, h.sender.total())

	require.NoError(t, d.RetryAttempt(context.Background(), 999))
}

func TestPaceHonoursContext(t *testing.T) {
	h := newHarness()
	d := h.dispatcher(nil)
	d.opts.MinDelay = time.Hour
	d.opts.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.pace(ctx), context.Canceled)

	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error { slept = append(slept, dur); return nil }
	d.opts.MinDelay, d.opts.MaxDelay = time.Second, 3*time.Second
	for i := 0; i < 20; i++ {
		require.NoError(t, d.pace(context.Background()))
	}
	for _, s := range slept {
		assert.GreaterOrEqual(t, s, time.Second)
		assert.LessOrEqual(t, s, 3*time.Second)
	}
}
