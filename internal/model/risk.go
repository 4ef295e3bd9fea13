// internal/model/risk.go
package model

import "time"

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type RiskFactor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
	Detail string `json:"detail,omitempty"`
}

type RiskAssessment struct {
	ID         int          `db:"id" json:"id"`
	CampaignID int          `db:"campaign_id" json:"campaign_id"`
	IdentityID string       `db:"identity_id" json:"identity_id"`
	Score      int          `db:"score" json:"score"`
	Level      RiskLevel    `db:"level" json:"level"`
	Factors    []RiskFactor `db:"factors" json:"factors"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}

// ChannelSignals are inbound reactions to a campaign reported by the channel.
type ChannelSignals struct {
	Replies int `json:"replies"`
	Blocks  int `json:"blocks"`
}

const (
	SignalReply = "reply"
	SignalBlock = "block"
)
