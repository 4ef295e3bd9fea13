package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/unclebandit/campaign-dispatch/internal/dispatch"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
)

// Runner executes campaign runs and attempt retries.
type Runner interface {
	Run(ctx context.Context, campaignID int) (dispatch.RunResult, error)
	RetryAttempt(ctx context.Context, attemptID int) error
}

// RiskLoop is the periodic risk assessment started alongside the worker.
type RiskLoop interface {
	Run(ctx context.Context)
}

// RunningLister lists campaigns by status for the periodic trigger.
type RunningLister interface {
	ListIDsByStatus(ctx context.Context, status model.CampaignStatus) ([]int, error)
}

// DueStarter starts scheduled campaigns whose time has come.
type DueStarter interface {
	StartDueCampaigns(ctx context.Context, now time.Time) (int, error)
}

// Worker consumes dispatch tasks from the queue with bounded concurrency and
// periodically re-enqueues every running campaign so runs stopped by the
// rate budget resume.
type Worker struct {
	Queue           queue.Queue
	Runner          Runner
	Campaigns       RunningLister
	Due             DueStarter
	Risk            RiskLoop
	TriggerInterval time.Duration

	sem *semaphore.Weighted
	log zerolog.Logger
	now func() time.Time
}

func NewWorker(q queue.Queue, runner Runner, campaigns RunningLister, concurrency int, log zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		Queue:           q,
		Runner:          runner,
		Campaigns:       campaigns,
		TriggerInterval: time.Minute,
		sem:             semaphore.NewWeighted(int64(concurrency)),
		log:             log.With().Str("component", "worker").Logger(),
		now:             time.Now,
	}
}

// Start runs the trigger and risk loops and consumes tasks until ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if w.Risk != nil {
		go w.Risk.Run(ctx)
	}
	if w.TriggerInterval > 0 {
		go w.triggerLoop(ctx)
	}

	w.log.Info().Msg("🚀 worker started, waiting for tasks")
	return w.Queue.Consume(ctx, w.Handle)
}

// Handle processes one task once a concurrency slot is free.
func (w *Worker) Handle(ctx context.Context, task model.Task) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	log := w.log.With().Str("kind", string(task.Kind)).Int("campaign_id", task.CampaignID).Logger()
	switch task.Kind {
	case model.TaskCampaignRun:
		res, err := w.Runner.Run(ctx, task.CampaignID)
		if err != nil {
			return fmt.Errorf("run campaign %d: %w", task.CampaignID, err)
		}
		log.Info().Str("stop", string(res.Stop)).Int("sent", res.Sent).Int("failed", res.Failed).Int("retrying", res.Retrying).Msg("run finished")
		return nil
	case model.TaskAttemptRetry:
		if err := w.Runner.RetryAttempt(ctx, task.AttemptID); err != nil {
			return fmt.Errorf("retry attempt %d: %w", task.AttemptID, err)
		}
		return nil
	default:
		log.Warn().Msg("⚠️ unknown task kind, dropping")
		return nil
	}
}

func (w *Worker) triggerLoop(ctx context.Context) {
	t := time.NewTicker(w.TriggerInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.Trigger(ctx); err != nil {
				w.log.Error().Err(err).Msg("periodic trigger failed")
			}
		}
	}
}

// Trigger starts due scheduled campaigns and enqueues a run for every
// running campaign.
func (w *Worker) Trigger(ctx context.Context) error {
	if w.Due != nil {
		if n, err := w.Due.StartDueCampaigns(ctx, w.now()); err != nil {
			w.log.Warn().Err(err).Msg("could not start due campaigns")
		} else if n > 0 {
			w.log.Info().Int("started", n).Msg("scheduled campaigns started")
		}
	}

	ids, err := w.Campaigns.ListIDsByStatus(ctx, model.CampaignRunning)
	if err != nil {
		return err
	}
	for _, id := range ids {
		task := model.Task{Kind: model.TaskCampaignRun, CampaignID: id}
		if err := w.Queue.ScheduleAfter(ctx, 0, task); err != nil {
			return fmt.Errorf("enqueue run of campaign %d: %w", id, err)
		}
	}
	return nil
}
