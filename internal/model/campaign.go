// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// campaignTransitions lists every status a campaign may move to from a given status.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignCancelled},
	CampaignScheduled: {CampaignRunning, CampaignCancelled},
	CampaignRunning:   {CampaignPaused, CampaignCompleted, CampaignFailed, CampaignCancelled},
	CampaignPaused:    {CampaignRunning, CampaignCancelled},
}

// CanTransition reports whether moving from s to next is a legal campaign transition.
func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s CampaignStatus) Terminal() bool {
	return len(campaignTransitions[s]) == 0
}

// SourcesFor returns the statuses from which next can be reached.
func SourcesFor(next CampaignStatus) []CampaignStatus {
	var from []CampaignStatus
	for _, s := range []CampaignStatus{CampaignDraft, CampaignScheduled, CampaignRunning, CampaignPaused} {
		if s.CanTransition(next) {
			from = append(from, s)
		}
	}
	return from
}

type Campaign struct {
	ID             int            `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	Channel        string         `db:"channel" json:"channel"`
	Status         CampaignStatus `db:"status" json:"status"`
	BaseTemplate   string         `db:"base_template" json:"base_template"`
	RequiredVars   []string       `db:"required_vars" json:"required_vars,omitempty"`
	IdentityID     string         `db:"identity_id" json:"identity_id"`
	RewriteEnabled bool           `db:"rewrite_enabled" json:"rewrite_enabled"`
	RewriteTone    string         `db:"rewrite_tone" json:"rewrite_tone,omitempty"`
	StatusReason   string         `db:"status_reason" json:"status_reason,omitempty"`
	ScheduledAt    *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt      *time.Time     `db:"started_at" json:"started_at,omitempty"`
	EndedAt        *time.Time     `db:"ended_at" json:"ended_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}
