package dispatch

import (
	"context"
	"fmt"

	"github.com/unclebandit/campaign-dispatch/internal/channel"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/retry"
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeFailed
)

// deliver sends a pending attempt and records the result. Once the send has
// been tried the outcome is persisted even if ctx is cancelled.
func (d *Dispatcher) deliver(ctx context.Context, c *model.Campaign, a *model.DispatchAttempt, address string) (outcome, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	externalID, sendErr := d.Sender.Send(sctx, address, a.RenderedBody)
	cancel()

	ctx = context.WithoutCancel(ctx)
	log := d.log.With().Int("campaign_id", c.ID).Int("attempt_id", a.ID).Logger()

	switch channel.Classify(sendErr) {
	case channel.ClassNone:
		changed, err := d.Repos.Attempts.MarkSent(ctx, a.ID, externalID, d.now().UTC())
		if err != nil {
			return 0, fmt.Errorf("mark attempt %d sent: %w", a.ID, err)
		}
		if !changed {
			log.Warn().Msg("attempt settled concurrently, keeping the stored status")
		}
		if err := d.Throttler.RecordSent(ctx, c.IdentityID); err != nil {
			return 0, fmt.Errorf("record send for %s: %w", c.IdentityID, err)
		}
		if err := d.Retries.Forget(ctx, a.ID); err != nil {
			log.Warn().Err(err).Msg("could not drop retry ticket")
		}
		metrics.IncDispatchOutcome("sent")
		log.Debug().Str("external_id", externalID).Msg("📤 message sent")
		d.publish(ctx, events.Event{Type: events.AttemptSent, CampaignID: c.ID, AttemptID: a.ID, IdentityID: c.IdentityID})
		return outcomeSent, nil

	case channel.ClassTerminal:
		if err := d.Retries.HandleTerminal(ctx, a, sendErr); err != nil {
			return 0, err
		}
		metrics.IncDispatchOutcome("failed")
		log.Warn().Err(sendErr).Msg("terminal send failure")
		d.publish(ctx, events.Event{Type: events.AttemptFailed, CampaignID: c.ID, AttemptID: a.ID, IdentityID: c.IdentityID, Reason: sendErr.Error()})
		return outcomeFailed, nil

	default:
		result, delay, err := d.Retries.HandleTransient(ctx, a, sendErr)
		if err != nil {
			return 0, err
		}
		if result == retry.Exhausted {
			metrics.IncDispatchOutcome("failed")
			d.publish(ctx, events.Event{Type: events.AttemptFailed, CampaignID: c.ID, AttemptID: a.ID, IdentityID: c.IdentityID, Reason: sendErr.Error()})
			return outcomeFailed, nil
		}
		metrics.IncRetryScheduled()
		metrics.IncDispatchOutcome("retry")
		log.Info().Err(sendErr).Dur("delay", delay).Msg("🔁 transient send failure, retry scheduled")
		return outcomeRetry, nil
	}
}
