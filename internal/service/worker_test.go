package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/dispatch"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

type fakeRunner struct {
	mu       sync.Mutex
	runs     []int
	retries  []int
	inFlight atomic.Int32
	peak     atomic.Int32
	hold     time.Duration
	err      error
}

func (f *fakeRunner) track() func() {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeRunner) Run(_ context.Context, id int) (dispatch.RunResult, error) {
	defer f.track()()
	time.Sleep(f.hold)
	f.mu.Lock()
	f.runs = append(f.runs, id)
	f.mu.Unlock()
	return dispatch.RunResult{CampaignID: id, Stop: dispatch.StopCompleted}, f.err
}

func (f *fakeRunner) RetryAttempt(_ context.Context, id int) error {
	defer f.track()()
	f.mu.Lock()
	f.retries = append(f.retries, id)
	f.mu.Unlock()
	return f.err
}

func (f *fakeRunner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs), len(f.retries)
}

func TestWorkerHandleRoutesTasks(t *testing.T) {
	runner := &fakeRunner{}
	w := service.NewWorker(queue.NewInMemoryQueue(zerolog.Nop()), runner, repository.NewMemory().Campaigns, 2, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, model.Task{Kind: model.TaskCampaignRun, CampaignID: 7}))
	require.NoError(t, w.Handle(ctx, model.Task{Kind: model.TaskAttemptRetry, CampaignID: 7, AttemptID: 11}))
	require.NoError(t, w.Handle(ctx, model.Task{Kind: "unknown"}))

	assert.Equal(t, []int{7}, runner.runs)
	assert.Equal(t, []int{11}, runner.retries)

	runner.err = errors.New("db down")
	assert.Error(t, w.Handle(ctx, model.Task{Kind: model.TaskCampaignRun, CampaignID: 7}))
}

func TestWorkerBoundsConcurrency(t *testing.T) {
	runner := &fakeRunner{hold: 20 * time.Millisecond}
	w := service.NewWorker(queue.NewInMemoryQueue(zerolog.Nop()), runner, repository.NewMemory().Campaigns, 2, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			assert.NoError(t, w.Handle(context.Background(), model.Task{Kind: model.TaskCampaignRun, CampaignID: id}))
		}(i)
	}
	wg.Wait()

	runs, _ := runner.counts()
	assert.Equal(t, 8, runs)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
}

func TestWorkerConsumesQueuedTasks(t *testing.T) {
	q := queue.NewInMemoryQueue(zerolog.Nop())
	defer q.Close()
	runner := &fakeRunner{}
	w := service.NewWorker(q, runner, repository.NewMemory().Campaigns, 2, zerolog.Nop())
	w.TriggerInterval = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// the consumer subscribes asynchronously
	require.Eventually(t, func() bool {
		_ = q.ScheduleAfter(ctx, 0, model.Task{Kind: model.TaskAttemptRetry, AttemptID: 3})
		_, retries := runner.counts()
		return retries > 0
	}, time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestTriggerEnqueuesRunningAndStartsDue(t *testing.T) {
	ctx := context.Background()
	svc, repos, rq := newService(t)

	running, err := svc.CreateCampaign(ctx, service.CreateCampaignInput{Name: "a", BaseTemplate: "Hi", IdentityID: "s"})
	require.NoError(t, err)
	due, err := svc.CreateCampaign(ctx, service.CreateCampaignInput{Name: "b", BaseTemplate: "Hi", IdentityID: "s"})
	require.NoError(t, err)
	ids := seedRecipients(t, repos, "Ana")
	for _, c := range []*model.Campaign{running, due} {
		_, err := svc.AddRecipients(ctx, c.ID, ids)
		require.NoError(t, err)
	}
	_, err = svc.StartCampaign(ctx, running.ID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	_, err = svc.ScheduleCampaign(ctx, due.ID, &past)
	require.NoError(t, err)

	q := &triggerQueue{}
	w := service.NewWorker(q, &fakeRunner{}, repos.Campaigns, 1, zerolog.Nop())
	w.Due = svc

	require.NoError(t, w.Trigger(ctx))
	got, err := repos.Campaigns.GetByID(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignRunning, got.Status)
	assert.ElementsMatch(t, []int{running.ID, due.ID}, q.campaignIDs())
	assert.Len(t, rq.Tasks(), 2, "each start enqueues its own run")
}

// triggerQueue records scheduled tasks and never delivers them.
type triggerQueue struct {
	recordingQueue
}

func (q *triggerQueue) Consume(ctx context.Context, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (q *triggerQueue) Close() error { return nil }

func (q *triggerQueue) campaignIDs() []int {
	var ids []int
	for _, task := range q.Tasks() {
		ids = append(ids, task.CampaignID)
	}
	return ids
}
