// Package events publishes campaign lifecycle events for downstream consumers.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	CampaignCompleted = "campaign.completed"
	CampaignFailed    = "campaign.failed"
	CampaignPaused    = "campaign.paused"
	AttemptSent       = "attempt.sent"
	AttemptFailed     = "attempt.failed"
)

type Event struct {
	Type       string         `json:"type"`
	CampaignID int            `json:"campaign_id"`
	AttemptID  int            `json:"attempt_id,omitempty"`
	IdentityID string         `json:"identity_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher delivers events. Callers treat failures as best-effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
