// internal/model/dispatch_attempt.go
package model

import "time"

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSent      AttemptStatus = "sent"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptFailed    AttemptStatus = "failed"
)

// Dispatched reports whether the attempt reached sent or later.
func (s AttemptStatus) Dispatched() bool {
	return s == AttemptSent || s == AttemptDelivered
}

type DispatchAttempt struct {
	ID           int           `db:"id" json:"id"`
	CampaignID   int           `db:"campaign_id" json:"campaign_id"`
	RecipientID  int           `db:"recipient_id" json:"recipient_id"`
	RenderedBody string        `db:"rendered_body" json:"rendered_body"`
	Status       AttemptStatus `db:"status" json:"status"` // pending, sent, delivered, failed
	ExternalID   *string       `db:"external_id" json:"external_id,omitempty"`
	RetryCount   int           `db:"retry_count" json:"retry_count"`
	LastError    string        `db:"last_error" json:"last_error,omitempty"`
	SentAt       *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// DispatchCandidate pairs a target recipient with its existing attempt, if any.
type DispatchCandidate struct {
	Recipient Recipient
	Attempt   *DispatchAttempt
}
