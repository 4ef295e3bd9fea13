package dispatch

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/telemetry"
)

// RetryAttempt re-sends one pending attempt whose retry came due. Attempts
// that already settled are dropped. A campaign that is not running defers
// the retry without counting it, and a finished campaign fails it. When the
// attempt settles a campaign run is enqueued so the campaign can complete.
func (d *Dispatcher) RetryAttempt(ctx context.Context, attemptID int) error {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.retry", trace.WithAttributes(attribute.Int("attempt.id", attemptID)))
	defer span.End()

	err := d.retryAttempt(ctx, attemptID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retry failed")
	}
	return err
}

func (d *Dispatcher) retryAttempt(ctx context.Context, attemptID int) error {
	log := d.log.With().Int("attempt_id", attemptID).Logger()

	a, err := d.Repos.Attempts.GetByID(ctx, attemptID)
	if appErrors.IsNotFound(err) {
		log.Warn().Msg("retry for unknown attempt dropped")
		return d.Retries.Forget(ctx, attemptID)
	}
	if err != nil {
		return err
	}
	if a.Status != model.AttemptPending {
		return d.Retries.Forget(ctx, attemptID)
	}

	c, err := d.Repos.Campaigns.GetByID(ctx, a.CampaignID)
	if err != nil {
		return err
	}

	switch {
	case c.Status.Terminal():
		reason := fmt.Sprintf("campaign %s", c.Status)
		changed, err := d.Repos.Attempts.MarkFailed(ctx, a.ID, reason)
		if err != nil {
			return err
		}
		if changed {
			metrics.IncDispatchOutcome("failed")
			d.publish(ctx, events.Event{Type: events.AttemptFailed, CampaignID: c.ID, AttemptID: a.ID, IdentityID: c.IdentityID, Reason: reason})
		}
		return d.Retries.Forget(ctx, a.ID)
	case c.Status != model.CampaignRunning:
		log.Debug().Str("status", string(c.Status)).Msg("campaign not running, retry deferred")
		return d.Retries.Defer(ctx, a, d.Retries.BackoffBase())
	}

	allowed, err := d.Throttler.CanSend(ctx, c.IdentityID)
	if err != nil {
		return err
	}
	if !allowed {
		metrics.IncThrottleStop(c.IdentityID)
		log.Debug().Str("identity", c.IdentityID).Msg("identity budget exhausted, retry deferred")
		return d.Retries.Defer(ctx, a, d.Retries.BackoffBase())
	}

	r, err := d.Repos.Recipients.GetByID(ctx, a.RecipientID)
	if err != nil {
		return err
	}

	result, err := d.deliver(ctx, c, a, r.Address)
	if err != nil {
		return err
	}
	if result == outcomeRetry {
		return nil
	}
	task := model.Task{Kind: model.TaskCampaignRun, CampaignID: c.ID}
	if err := d.Queue.ScheduleAfter(context.WithoutCancel(ctx), 0, task); err != nil {
		return fmt.Errorf("enqueue run of campaign %d: %w", c.ID, err)
	}
	return nil
}
