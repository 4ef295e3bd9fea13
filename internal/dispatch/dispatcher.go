// Package dispatch drives a running campaign through its recipients, one
// attempt at a time, within the sending identity's rate budget.
package dispatch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/unclebandit/campaign-dispatch/internal/channel"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/personalize"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/retry"
	"github.com/unclebandit/campaign-dispatch/internal/telemetry"
	"github.com/unclebandit/campaign-dispatch/internal/throttle"
)

// StopReason says why a run ended.
type StopReason string

const (
	StopCompleted       StopReason = "completed"
	StopRetriesPending  StopReason = "retries_pending"
	StopBudget          StopReason = "budget_exhausted"
	StopNotRunning      StopReason = "not_running"
	StopClaimConflict   StopReason = "claim_conflict"
	StopTemplateInvalid StopReason = "template_invalid"
)

type RunResult struct {
	CampaignID int        `json:"campaign_id"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	Retrying   int        `json:"retrying"`
	Stop       StopReason `json:"stop"`
}

type Options struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// LeaseTTL is how long a claim survives without renewal.
	LeaseTTL time.Duration
	// SendRate caps sends per second from this process; zero means no cap.
	SendRate    float64
	SendTimeout time.Duration
}

// Deps are the collaborators a Dispatcher composes. Rewriter and Events may be nil.
type Deps struct {
	Repos        repository.Repositories
	Personalizer *personalize.Personalizer
	Throttler    *throttle.Throttler
	Retries      *retry.Scheduler
	Sender       channel.Sender
	Rewriter     channel.Rewriter
	Events       events.Publisher
	Queue        queue.Scheduler
}

type Dispatcher struct {
	Deps
	opts    Options
	owner   string
	limiter *rate.Limiter
	log     zerolog.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

func New(deps Deps, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Minute
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}
	owner := uuid.NewString()
	return &Dispatcher{
		Deps:    deps,
		opts:    opts,
		owner:   owner,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With().Str("component", "dispatcher").Str("owner", owner).Logger(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Owner identifies this dispatcher in logs. Each run claims with its own
// lease token prefixed by Owner, so concurrent runs in one process exclude
// each other.
func (d *Dispatcher) Owner() string { return d.owner }

// Run sends to every recipient of a running campaign that has no settled
// attempt yet. It returns early, without error, when the claim is held
// elsewhere, the campaign leaves running, or the identity's budget is spent.
func (d *Dispatcher) Run(ctx context.Context, campaignID int) (RunResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.run", trace.WithAttributes(attribute.Int("campaign.id", campaignID)))
	defer span.End()
	started := d.now()
	defer func() { metrics.ObserveRunDuration(d.now().Sub(started)) }()

	res, err := d.run(ctx, campaignID)
	span.SetAttributes(attribute.String("dispatch.stop", string(res.Stop)), attribute.Int("dispatch.sent", res.Sent))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
	}
	return res, err
}

func (d *Dispatcher) run(ctx context.Context, campaignID int) (RunResult, error) {
	res := RunResult{CampaignID: campaignID}
	token := d.owner + "/" + uuid.NewString()
	log := d.log.With().Int("campaign_id", campaignID).Str("lease", token).Logger()

	campaign, err := d.Repos.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return res, err
	}
	if campaign.Status != model.CampaignRunning {
		res.Stop = StopNotRunning
		return res, nil
	}

	ok, err := d.Repos.Campaigns.Claim(ctx, campaignID, token, d.opts.LeaseTTL)
	if err != nil {
		return res, fmt.Errorf("claim campaign %d: %w", campaignID, err)
	}
	if !ok {
		metrics.IncClaimConflict()
		log.Info().Msg("campaign claimed by another dispatcher, skipping")
		res.Stop = StopClaimConflict
		return res, nil
	}
	defer func() {
		if err := d.Repos.Campaigns.ReleaseClaim(context.WithoutCancel(ctx), campaignID, token); err != nil {
			log.Warn().Err(err).Msg("could not release claim")
		}
	}()

	if v := d.Personalizer.Validate(campaign.BaseTemplate, campaign.RequiredVars); !v.OK {
		reason := "template invalid: " + strings.Join(v.Errors, "; ")
		if _, err := d.Repos.Campaigns.Transition(ctx, campaignID, model.CampaignFailed, reason); err != nil {
			return res, err
		}
		log.Error().Strs("errors", v.Errors).Msg("❌ template failed validation, campaign failed")
		d.publish(ctx, events.Event{Type: events.CampaignFailed, CampaignID: campaignID, IdentityID: campaign.IdentityID, Reason: reason})
		res.Stop = StopTemplateInvalid
		return res, nil
	}

	candidates, err := d.Repos.Recipients.Candidates(ctx, campaignID)
	if err != nil {
		return res, fmt.Errorf("load candidates: %w", err)
	}

	log.Info().Int("candidates", len(candidates)).Str("identity", campaign.IdentityID).Msg("🚀 dispatch run started")

	for _, cand := range candidates {
		if cand.Attempt != nil && cand.Attempt.Status != model.AttemptPending {
			continue
		}
		if cand.Attempt != nil {
			queued, err := d.Retries.HasTicket(ctx, cand.Attempt.ID)
			if err != nil {
				return res, err
			}
			if queued {
				res.Retrying++
				continue
			}
		}

		current, err := d.Repos.Campaigns.GetByID(ctx, campaignID)
		if err != nil {
			return res, err
		}
		if current.Status != model.CampaignRunning {
			log.Info().Str("status", string(current.Status)).Msg("campaign left running, stopping")
			res.Stop = StopNotRunning
			return res, nil
		}
		if ok, err := d.Repos.Campaigns.Claim(ctx, campaignID, token, d.opts.LeaseTTL); err != nil {
			return res, err
		} else if !ok {
			metrics.IncClaimConflict()
			log.Warn().Msg("claim lost mid-run, stopping")
			res.Stop = StopClaimConflict
			return res, nil
		}

		allowed, err := d.Throttler.CanSend(ctx, current.IdentityID)
		if err != nil {
			return res, err
		}
		if !allowed {
			metrics.IncThrottleStop(current.IdentityID)
			log.Info().Int("sent", res.Sent).Msg("⏸️ identity budget exhausted, run stopped")
			res.Stop = StopBudget
			return res, nil
		}

		attempt := cand.Attempt
		if attempt == nil {
			body := d.compose(ctx, current, cand.Recipient)
			attempt, err = d.Repos.Attempts.CreateOrGet(ctx, campaignID, cand.Recipient.ID, body)
			if err != nil {
				return res, fmt.Errorf("create attempt: %w", err)
			}
			if attempt.Status != model.AttemptPending {
				continue
			}
		}

		outcome, err := d.deliver(ctx, current, attempt, cand.Recipient.Address)
		if err != nil {
			return res, err
		}
		switch outcome {
		case outcomeSent:
			res.Sent++
		case outcomeFailed:
			res.Failed++
		case outcomeRetry:
			res.Retrying++
		}

		if err := d.pace(ctx); err != nil {
			return res, err
		}
	}

	return d.finish(ctx, campaign, res)
}

// finish completes the campaign once no attempt is left pending.
func (d *Dispatcher) finish(ctx context.Context, c *model.Campaign, res RunResult) (RunResult, error) {
	pending, err := d.Repos.Attempts.CountPending(ctx, c.ID)
	if err != nil {
		return res, err
	}
	if pending > 0 {
		res.Stop = StopRetriesPending
		d.log.Info().Int("campaign_id", c.ID).Int("pending", pending).Msg("recipients exhausted, waiting on retries")
		return res, nil
	}

	changed, err := d.Repos.Campaigns.Transition(ctx, c.ID, model.CampaignCompleted, "")
	if err != nil {
		return res, err
	}
	if changed {
		stats, _ := d.Repos.Attempts.GetCampaignStats(ctx, c.ID)
		d.log.Info().Int("campaign_id", c.ID).Interface("stats", stats).Msg("✅ campaign completed")
		d.publish(ctx, events.Event{Type: events.CampaignCompleted, CampaignID: c.ID, IdentityID: c.IdentityID, Data: map[string]any{"stats": stats}})
	}
	res.Stop = StopCompleted
	return res, nil
}

// compose renders the body for one recipient and, when enabled, passes it
// through the rewriter. A failed or empty rewrite keeps the rendered body.
func (d *Dispatcher) compose(ctx context.Context, c *model.Campaign, r model.Recipient) string {
	body := d.Personalizer.Render(c.BaseTemplate, r, nil)
	if !c.RewriteEnabled || d.Rewriter == nil {
		return body
	}

	rctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	rewritten, err := d.Rewriter.Rewrite(rctx, body, c.RewriteTone, personalize.Variables(r, nil))
	if err != nil || strings.TrimSpace(rewritten) == "" {
		metrics.IncRewriteFallback()
		d.log.Warn().Err(err).Int("campaign_id", c.ID).Int("recipient_id", r.ID).Msg("rewrite unavailable, sending rendered body")
		return body
	}
	return rewritten
}

// pace waits a random delay in [MinDelay, MaxDelay].
func (d *Dispatcher) pace(ctx context.Context) error {
	delay := d.opts.MinDelay
	if spread := d.opts.MaxDelay - d.opts.MinDelay; spread > 0 {
		delay += time.Duration(rand.Int64N(int64(spread) + 1))
	}
	if delay <= 0 {
		return nil
	}
	return d.sleep(ctx, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) publish(ctx context.Context, e events.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = d.now().UTC()
	}
	if err := d.Events.Publish(ctx, e); err != nil {
		d.log.Warn().Err(err).Str("event", e.Type).Int("campaign_id", e.CampaignID).Msg("could not publish event")
	}
}
