// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/personalize"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/throttle"
)

// ErrNoRecipients is returned when starting a campaign nobody is targeted by.
var ErrNoRecipients = fmt.Errorf("%w: campaign has no recipients", appErrors.ErrPrecondition)

type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	AttemptRepo   repository.AttemptRepositoryInterface
	RiskRepo      repository.RiskRepositoryInterface
	Queue         queue.Scheduler
	Personalizer  *personalize.Personalizer
	Warmup        *throttle.WarmupScheduler
	Log           zerolog.Logger
}

func NewCampaignService(repos repository.Repositories, q queue.Scheduler, p *personalize.Personalizer, warmup *throttle.WarmupScheduler, log zerolog.Logger) *CampaignService {
	return &CampaignService{
		CampaignRepo:  repos.Campaigns,
		RecipientRepo: repos.Recipients,
		AttemptRepo:   repos.Attempts,
		RiskRepo:      repos.Risk,
		Queue:         q,
		Personalizer:  p,
		Warmup:        warmup,
		Log:           log.With().Str("component", "campaign_service").Logger(),
	}
}

type CreateCampaignInput struct {
	Name           string   `json:"name"`
	Channel        string   `json:"channel"`
	BaseTemplate   string   `json:"base_template"`
	RequiredVars   []string `json:"required_vars"`
	IdentityID     string   `json:"identity_id"`
	RewriteEnabled bool     `json:"rewrite_enabled"`
	RewriteTone    string   `json:"rewrite_tone"`
	ScheduledAt    *string  `json:"scheduled_at"`
}

type CampaignDetails struct {
	model.Campaign
	Recipients int                   `json:"recipients"`
	Stats      map[string]int        `json:"stats"`
	LatestRisk *model.RiskAssessment `json:"latest_risk,omitempty"`
}

func (s *CampaignService) personalizer() *personalize.Personalizer {
	if s.Personalizer == nil {
		s.Personalizer = personalize.New(0)
	}
	return s.Personalizer
}

func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, appErrors.InvalidInput("campaign name is required")
	}
	if strings.TrimSpace(in.IdentityID) == "" {
		return nil, appErrors.InvalidInput("identity_id is required")
	}
	if v := s.personalizer().Validate(in.BaseTemplate, in.RequiredVars); !v.OK {
		return nil, appErrors.NewTemplateError(v.Errors)
	}

	c := &model.Campaign{
		Name:           in.Name,
		Channel:        in.Channel,
		BaseTemplate:   in.BaseTemplate,
		RequiredVars:   in.RequiredVars,
		IdentityID:     in.IdentityID,
		RewriteEnabled: in.RewriteEnabled,
		RewriteTone:    in.RewriteTone,
		Status:         model.CampaignDraft,
	}
	if c.Channel == "" {
		c.Channel = "sms"
	}

	if in.ScheduledAt != nil {
		// parse scheduledAt string into time.Time
		t, err := time.Parse(time.RFC3339, *in.ScheduledAt)
		if err != nil {
			return nil, appErrors.InvalidInput("scheduled_at: %v", err)
		}
		c.ScheduledAt = &t
	}

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.Log.Info().Int("campaign_id", c.ID).Str("identity", c.IdentityID).Msg("campaign created")
	return c, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, channel, status string) ([]model.Campaign, map[string]int, error) {
	page, pageSize, offset := paginate(page, pageSize)

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, channel, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := s.AttemptRepo.GetCampaignStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	recipients, err := s.RecipientRepo.CountForCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	latest, err := s.RiskRepo.Latest(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	return &CampaignDetails{Campaign: *campaign, Recipients: recipients, Stats: stats, LatestRisk: latest}, nil
}

// AddRecipients targets existing recipients at a campaign that has not finished.
func (s *CampaignService) AddRecipients(ctx context.Context, campaignID int, recipientIDs []int) (int, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if campaign.Status.Terminal() {
		return 0, fmt.Errorf("%w: cannot add recipients to a %s campaign", appErrors.ErrPrecondition, campaign.Status)
	}
	if len(recipientIDs) == 0 {
		return 0, appErrors.InvalidInput("recipient_ids cannot be empty")
	}
	return s.RecipientRepo.AddToCampaign(ctx, campaignID, recipientIDs)
}

// ScheduleCampaign moves a draft to scheduled. A nil at keeps the stored
// schedule, or schedules for now when there is none.
func (s *CampaignService) ScheduleCampaign(ctx context.Context, campaignID int, at *time.Time) (*model.Campaign, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if at != nil {
		if campaign.Status != model.CampaignDraft {
			return nil, appErrors.TransitionError(string(campaign.Status), string(model.CampaignScheduled))
		}
		campaign.ScheduledAt = at
		if err := s.CampaignRepo.Update(ctx, campaign); err != nil {
			return nil, err
		}
	}
	if err := s.transition(ctx, campaign, model.CampaignScheduled, ""); err != nil {
		return nil, err
	}
	return s.CampaignRepo.GetByID(ctx, campaignID)
}

// StartCampaign validates the template and recipient set, moves the campaign
// to running and enqueues its first run. Drafts are scheduled on the way.
func (s *CampaignService) StartCampaign(ctx context.Context, campaignID int) (*model.Campaign, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.CampaignDraft && campaign.Status != model.CampaignScheduled {
		return nil, appErrors.TransitionError(string(campaign.Status), string(model.CampaignRunning))
	}
	if err := s.checkReady(ctx, campaign); err != nil {
		return nil, err
	}

	if campaign.Status == model.CampaignDraft {
		if err := s.transition(ctx, campaign, model.CampaignScheduled, ""); err != nil {
			return nil, err
		}
		campaign.Status = model.CampaignScheduled
	}
	if err := s.transition(ctx, campaign, model.CampaignRunning, ""); err != nil {
		return nil, err
	}
	if err := s.enqueueRun(ctx, campaignID); err != nil {
		return nil, err
	}
	s.Log.Info().Int("campaign_id", campaignID).Msg("🚀 campaign started")
	return s.CampaignRepo.GetByID(ctx, campaignID)
}

func (s *CampaignService) PauseCampaign(ctx context.Context, campaignID int, reason string) (*model.Campaign, error) {
	return s.operatorTransition(ctx, campaignID, model.CampaignPaused, operatorReason(reason))
}

// ResumeCampaign re-validates a paused campaign and enqueues a run.
func (s *CampaignService) ResumeCampaign(ctx context.Context, campaignID int) (*model.Campaign, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.CampaignPaused {
		return nil, appErrors.TransitionError(string(campaign.Status), string(model.CampaignRunning))
	}
	if err := s.checkReady(ctx, campaign); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, campaign, model.CampaignRunning, ""); err != nil {
		return nil, err
	}
	if err := s.enqueueRun(ctx, campaignID); err != nil {
		return nil, err
	}
	s.Log.Info().Int("campaign_id", campaignID).Msg("▶️ campaign resumed by operator")
	return s.CampaignRepo.GetByID(ctx, campaignID)
}

func (s *CampaignService) CancelCampaign(ctx context.Context, campaignID int, reason string) (*model.Campaign, error) {
	return s.operatorTransition(ctx, campaignID, model.CampaignCancelled, operatorReason(reason))
}

// StartDueCampaigns starts every scheduled campaign whose time has come and
// returns how many started. Campaigns that fail their checks are logged.
func (s *CampaignService) StartDueCampaigns(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.CampaignRepo.ListDueScheduled(ctx, now)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, id := range ids {
		if _, err := s.StartCampaign(ctx, id); err != nil {
			s.Log.Warn().Err(err).Int("campaign_id", id).Msg("⚠️ due campaign could not start")
			continue
		}
		started++
	}
	return started, nil
}

// RenderPreview renders the campaign template, or overrideTemplate, for one recipient.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, recipientID int, overrideTemplate *string) (string, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return "", err
	}
	recipient, err := s.RecipientRepo.GetByID(ctx, recipientID)
	if err != nil {
		return "", err
	}

	template := campaign.BaseTemplate
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		template = *overrideTemplate
	}
	if strings.TrimSpace(template) == "" {
		return "", appErrors.InvalidInput("template cannot be empty")
	}
	if v := s.personalizer().Validate(template, nil); !v.OK {
		return "", appErrors.NewTemplateError(v.Errors)
	}

	return s.personalizer().Render(template, *recipient, nil), nil
}

func (s *CampaignService) ValidateTemplate(template string, requiredVars []string) personalize.Validation {
	return s.personalizer().Validate(template, requiredVars)
}

func (s *CampaignService) ListAttempts(ctx context.Context, campaignID int, status string, page, pageSize int) ([]*model.DispatchAttempt, map[string]int, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, nil, err
	}
	page, pageSize, offset := paginate(page, pageSize)
	attempts, total, err := s.AttemptRepo.List(ctx, campaignID, status, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return attempts, pagination(page, pageSize, total), nil
}

func (s *CampaignService) RiskHistory(ctx context.Context, campaignID, limit int) ([]*model.RiskAssessment, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.RiskRepo.List(ctx, campaignID, limit)
}

// RecordSignal stores a reply or block reported by the channel for a recipient.
func (s *CampaignService) RecordSignal(ctx context.Context, campaignID, recipientID int, kind string) error {
	if kind != model.SignalReply && kind != model.SignalBlock {
		return appErrors.InvalidInput("unknown signal kind %q", kind)
	}
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return err
	}
	return s.RiskRepo.RecordSignal(ctx, campaignID, recipientID, kind)
}

func (s *CampaignService) WarmupStatus(ctx context.Context, identity string) (model.SendingIdentity, error) {
	if s.Warmup == nil {
		return model.SendingIdentity{ID: identity, WarmedUp: true}, nil
	}
	return s.Warmup.Status(ctx, identity)
}

func (s *CampaignService) checkReady(ctx context.Context, c *model.Campaign) error {
	if v := s.personalizer().Validate(c.BaseTemplate, c.RequiredVars); !v.OK {
		return appErrors.NewTemplateError(v.Errors)
	}
	n, err := s.RecipientRepo.CountForCampaign(ctx, c.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRecipients
	}
	return nil
}

func (s *CampaignService) operatorTransition(ctx context.Context, campaignID int, next model.CampaignStatus, reason string) (*model.Campaign, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, campaign, next, reason); err != nil {
		return nil, err
	}
	s.Log.Info().Int("campaign_id", campaignID).Str("status", string(next)).Str("reason", reason).Msg("campaign status changed by operator")
	return s.CampaignRepo.GetByID(ctx, campaignID)
}

func (s *CampaignService) transition(ctx context.Context, c *model.Campaign, next model.CampaignStatus, reason string) error {
	changed, err := s.CampaignRepo.Transition(ctx, c.ID, next, reason)
	if err != nil {
		return err
	}
	if !changed {
		return appErrors.TransitionError(string(c.Status), string(next))
	}
	return nil
}

func (s *CampaignService) enqueueRun(ctx context.Context, campaignID int) error {
	if s.Queue == nil {
		return nil
	}
	task := model.Task{Kind: model.TaskCampaignRun, CampaignID: campaignID}
	if err := s.Queue.ScheduleAfter(ctx, 0, task); err != nil {
		return fmt.Errorf("enqueue run of campaign %d: %w", campaignID, err)
	}
	return nil
}

func operatorReason(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return "operator"
	}
	return "operator: " + reason
}

func paginate(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}
