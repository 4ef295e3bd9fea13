// internal/model/identity.go
package model

import "time"

// SendingIdentity is the channel account or number messages are sent from.
type SendingIdentity struct {
	ID              string     `json:"id"`
	WarmupStartedAt *time.Time `json:"warmup_started_at,omitempty"`
	ElapsedDays     int        `json:"elapsed_days"`
	TodayCap        int64      `json:"today_cap"`
	WarmedUp        bool       `json:"warmed_up"`
}
