package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/unclebandit/campaign-dispatch/internal/channel"
	"github.com/unclebandit/campaign-dispatch/internal/events"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/telemetry"
)

// maxSimilarityBodies bounds how many recent bodies are compared.
const maxSimilarityBodies = 100

type Options struct {
	Interval   time.Duration
	Window     time.Duration
	Thresholds Thresholds
	Weights    Weights
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.Window <= 0 {
		o.Window = 24 * time.Hour
	}
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = DefaultThresholds
	}
	if o.Weights == (Weights{}) {
		o.Weights = DefaultWeights
	}
	return o
}

// Monitor periodically assesses running campaigns and pauses the ones whose
// score reaches the critical threshold. It never resumes a campaign.
type Monitor struct {
	repos      repository.Repositories
	similarity channel.Similarity
	events     events.Publisher
	opts       Options
	log        zerolog.Logger
	now        func() time.Time
}

// NewMonitor builds a Monitor. similarity may be nil, in which case the
// unique-ratio fallback is always used.
func NewMonitor(repos repository.Repositories, similarity channel.Similarity, pub events.Publisher, opts Options, log zerolog.Logger) *Monitor {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Monitor{
		repos:      repos,
		similarity: similarity,
		events:     pub,
		opts:       opts.withDefaults(),
		log:        log.With().Str("component", "risk_monitor").Logger(),
		now:        time.Now,
	}
}

func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Run assesses every running campaign each interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()

	m.log.Info().Dur("interval", m.opts.Interval).Msg("🛡️ risk monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("risk monitor stopped")
			return
		case <-t.C:
			if err := m.AssessAll(ctx); err != nil {
				m.log.Error().Err(err).Msg("risk sweep failed")
			}
		}
	}
}

// AssessAll assesses each running campaign once. A failure on one campaign
// is logged and does not stop the sweep.
func (m *Monitor) AssessAll(ctx context.Context) error {
	ids, err := m.repos.Campaigns.ListIDsByStatus(ctx, model.CampaignRunning)
	if err != nil {
		return fmt.Errorf("list running campaigns: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := m.Assess(ctx, id); err != nil {
			m.log.Error().Err(err).Int("campaign_id", id).Msg("risk assessment failed")
		}
	}
	return nil
}

// Assess scores one campaign over the trailing window, appends the
// assessment and pauses the campaign when the level is critical.
func (m *Monitor) Assess(ctx context.Context, campaignID int) (*model.RiskAssessment, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "risk.assess")
	defer span.End()
	span.SetAttributes(attribute.Int("campaign.id", campaignID))

	campaign, err := m.repos.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load campaign")
		return nil, err
	}

	in, err := m.gather(ctx, campaign)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gather inputs")
		return nil, err
	}

	score, factors := Score(in, m.opts.Weights)
	assessment := &model.RiskAssessment{
		CampaignID: campaign.ID,
		IdentityID: campaign.IdentityID,
		Score:      score,
		Level:      m.opts.Thresholds.Level(score),
		Factors:    factors,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.repos.Risk.Append(ctx, assessment); err != nil {
		return nil, fmt.Errorf("append assessment: %w", err)
	}
	metrics.SetRiskScore(campaign.ID, score)
	span.SetAttributes(attribute.Int("risk.score", score), attribute.String("risk.level", string(assessment.Level)))

	m.log.Debug().
		Int("campaign_id", campaign.ID).
		Str("identity", campaign.IdentityID).
		Int("score", score).
		Str("level", string(assessment.Level)).
		Msg("risk assessed")

	if assessment.Level == model.RiskCritical {
		if err := m.pause(ctx, campaign, assessment); err != nil {
			return assessment, err
		}
	}
	return assessment, nil
}

func (m *Monitor) gather(ctx context.Context, c *model.Campaign) (Inputs, error) {
	now := m.now()
	sent, err := m.repos.Attempts.SentSince(ctx, c.ID, now.Add(-m.opts.Window))
	if err != nil {
		return Inputs{}, fmt.Errorf("load recent attempts: %w", err)
	}
	signals, err := m.repos.Risk.Signals(ctx, c.ID, now.Add(-m.opts.Window))
	if err != nil {
		return Inputs{}, fmt.Errorf("load channel signals: %w", err)
	}

	// Volume and timing look at the identity, which campaigns may share.
	lastHour, err := m.repos.Attempts.SentTimesByIdentity(ctx, c.IdentityID, now.Add(-time.Hour))
	if err != nil {
		return Inputs{}, fmt.Errorf("load identity sends: %w", err)
	}

	bodies := make([]string, 0, min(len(sent), maxSimilarityBodies))
	for i := len(sent) - 1; i >= 0 && len(bodies) < maxSimilarityBodies; i-- {
		bodies = append(bodies, sent[i].RenderedBody)
	}

	return Inputs{
		LastHour:   len(lastHour),
		Sent:       len(sent),
		Similarity: m.contentSimilarity(ctx, bodies),
		Replies:    signals.Replies,
		Blocks:     signals.Blocks,
		AvgGap:     AverageGap(lastHour),
	}, nil
}

// contentSimilarity prefers the similarity collaborator and falls back to
// the unique-ratio estimate. It returns -1 when there is nothing to compare.
func (m *Monitor) contentSimilarity(ctx context.Context, bodies []string) float64 {
	if len(bodies) < 2 {
		return -1
	}
	if m.similarity != nil {
		s, err := m.similarity.Similarity(ctx, bodies)
		if err == nil && s >= 0 && s <= 1 {
			return s
		}
		m.log.Warn().Err(err).Float64("similarity", s).Msg("similarity collaborator unavailable, using unique ratio")
	}
	s, _ := UniqueRatioSimilarity(bodies)
	return s
}

func (m *Monitor) pause(ctx context.Context, c *model.Campaign, a *model.RiskAssessment) error {
	reason := fmt.Sprintf("risk score %d (%s)", a.Score, a.Level)
	changed, err := m.repos.Campaigns.Transition(ctx, c.ID, model.CampaignPaused, reason)
	if err != nil {
		return fmt.Errorf("pause campaign %d: %w", c.ID, err)
	}
	if !changed {
		m.log.Info().Int("campaign_id", c.ID).Str("status", string(c.Status)).Msg("critical risk on a campaign that is not running")
		return nil
	}

	metrics.IncRiskPause()
	m.log.Warn().Int("campaign_id", c.ID).Int("score", a.Score).Msg("⛔ campaign paused on critical risk")
	if err := m.events.Publish(ctx, events.Event{
		Type:       events.CampaignPaused,
		CampaignID: c.ID,
		IdentityID: c.IdentityID,
		Reason:     reason,
		Data:       map[string]any{"assessment_id": a.ID, "score": a.Score, "factors": a.Factors},
		OccurredAt: m.now().UTC(),
	}); err != nil {
		m.log.Warn().Err(err).Int("campaign_id", c.ID).Msg("could not publish pause event")
	}
	return nil
}
