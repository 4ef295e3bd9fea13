package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	Update(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error)
	ListIDsByStatus(ctx context.Context, status model.CampaignStatus) ([]int, error)
	// ListDueScheduled returns scheduled campaigns whose start time has passed.
	ListDueScheduled(ctx context.Context, now time.Time) ([]int, error)

	// Transition moves a campaign to next only when its current status is a
	// legal source for next. It reports whether the row changed.
	Transition(ctx context.Context, id int, next model.CampaignStatus, reason string) (bool, error)

	// Claim takes or renews the dispatcher lease on a running campaign. It
	// succeeds when the lease is free, expired or already held by owner.
	Claim(ctx context.Context, id int, owner string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, id int, owner string) error
}

type RecipientRepositoryInterface interface {
	Create(ctx context.Context, r *model.Recipient) error
	GetByID(ctx context.Context, id int) (*model.Recipient, error)
	ListAll(ctx context.Context) ([]model.Recipient, error)
	// AddToCampaign targets recipients at a campaign and returns how many
	// were newly added.
	AddToCampaign(ctx context.Context, campaignID int, recipientIDs []int) (int, error)
	CountForCampaign(ctx context.Context, campaignID int) (int, error)
	// Candidates lists the campaign's recipients ordered by id, each with its
	// attempt if one exists.
	Candidates(ctx context.Context, campaignID int) ([]model.DispatchCandidate, error)
}

type AttemptRepositoryInterface interface {
	// CreateOrGet inserts a pending attempt for the pair or returns the
	// existing one.
	CreateOrGet(ctx context.Context, campaignID, recipientID int, body string) (*model.DispatchAttempt, error)
	GetByID(ctx context.Context, id int) (*model.DispatchAttempt, error)
	// MarkSent and MarkFailed only move attempts out of pending.
	MarkSent(ctx context.Context, id int, externalID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int, reason string) (bool, error)
	RecordRetry(ctx context.Context, id int, count int, lastError string) error
	CountPending(ctx context.Context, campaignID int) (int, error)
	GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error)
	List(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.DispatchAttempt, int, error)
	// SentSince returns sent-or-later attempts with sent_at >= since, oldest first.
	SentSince(ctx context.Context, campaignID int, since time.Time) ([]*model.DispatchAttempt, error)
	// SentTimesByIdentity returns the send times of every campaign on the
	// identity with sent_at >= since, oldest first.
	SentTimesByIdentity(ctx context.Context, identity string, since time.Time) ([]time.Time, error)
}

type RiskRepositoryInterface interface {
	Append(ctx context.Context, a *model.RiskAssessment) error
	Latest(ctx context.Context, campaignID int) (*model.RiskAssessment, error)
	List(ctx context.Context, campaignID, limit int) ([]*model.RiskAssessment, error)
	RecordSignal(ctx context.Context, campaignID, recipientID int, kind string) error
	Signals(ctx context.Context, campaignID int, since time.Time) (model.ChannelSignals, error)
}

// Repositories bundles one implementation of every store.
type Repositories struct {
	Campaigns  CampaignRepositoryInterface
	Recipients RecipientRepositoryInterface
	Attempts   AttemptRepositoryInterface
	Risk       RiskRepositoryInterface
}

// NewPostgres wires every repository to one connection pool.
func NewPostgres(db *sql.DB) Repositories {
	return Repositories{
		Campaigns:  NewCampaignRepository(db),
		Recipients: NewRecipientRepository(db),
		Attempts:   NewAttemptRepository(db),
		Risk:       NewRiskRepository(db),
	}
}
