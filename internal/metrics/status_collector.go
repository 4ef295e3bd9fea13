package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// StatusLister is satisfied by the campaign repository.
type StatusLister interface {
	ListIDsByStatus(ctx context.Context, status model.CampaignStatus) ([]int, error)
}

var trackedStatuses = []model.CampaignStatus{
	model.CampaignDraft, model.CampaignScheduled, model.CampaignRunning, model.CampaignPaused,
	model.CampaignCompleted, model.CampaignFailed, model.CampaignCancelled,
}

// StartStatusCollector refreshes the campaigns-by-status gauge every interval
// until ctx is cancelled.
func StartStatusCollector(ctx context.Context, campaigns StatusLister, interval time.Duration, log zerolog.Logger) {
	if campaigns == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		updateStatusGauges(ctx, campaigns, log)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				updateStatusGauges(ctx, campaigns, log)
			}
		}
	}()
}

func updateStatusGauges(ctx context.Context, campaigns StatusLister, log zerolog.Logger) {
	for _, s := range trackedStatuses {
		ids, err := campaigns.ListIDsByStatus(ctx, s)
		if err != nil {
			log.Warn().Err(err).Str("status", string(s)).Msg("metrics: campaign status query failed")
			continue
		}
		SetCampaignStatusCount(string(s), len(ids))
	}
}
