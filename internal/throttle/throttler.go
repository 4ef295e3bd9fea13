package throttle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

type Limits struct {
	MaxPerHour int64
	MaxPerDay  int64
}

// Throttler gates sends for an identity on its rolling hour and day counts.
// CanSend and RecordSent are not atomic together; a burst of concurrent
// callers may overshoot a ceiling by at most the number of callers.
type Throttler struct {
	store  Store
	warmup *WarmupScheduler
	limits Limits
	log    zerolog.Logger
}

func NewThrottler(store Store, warmup *WarmupScheduler, limits Limits, log zerolog.Logger) *Throttler {
	return &Throttler{
		store:  store,
		warmup: warmup,
		limits: limits,
		log:    log.With().Str("component", "throttler").Logger(),
	}
}

// CanSend reports whether identity still has budget in both windows.
func (t *Throttler) CanSend(ctx context.Context, identity string) (bool, error) {
	hour, err := t.store.Get(ctx, identity, Hour)
	if err != nil {
		return false, err
	}
	if hour >= t.limits.MaxPerHour {
		t.log.Debug().Str("identity", identity).Int64("hour", hour).Msg("hourly ceiling reached")
		return false, nil
	}

	dayCap := t.limits.MaxPerDay
	if t.warmup != nil {
		today, err := t.warmup.TodayCap(ctx, identity)
		if err != nil {
			return false, err
		}
		dayCap = min(dayCap, today)
	}

	day, err := t.store.Get(ctx, identity, Day)
	if err != nil {
		return false, err
	}
	if day >= dayCap {
		t.log.Debug().Str("identity", identity).Int64("day", day).Int64("cap", dayCap).Msg("daily ceiling reached")
		return false, nil
	}
	return true, nil
}

// RecordSent counts one send in both windows and starts warm-up on first use.
func (t *Throttler) RecordSent(ctx context.Context, identity string) error {
	if t.warmup != nil {
		if _, err := t.warmup.Touch(ctx, identity); err != nil {
			return err
		}
	}
	if _, err := t.store.Increment(ctx, identity, Hour); err != nil {
		return fmt.Errorf("record sent: %w", err)
	}
	if _, err := t.store.Increment(ctx, identity, Day); err != nil {
		return fmt.Errorf("record sent: %w", err)
	}
	return nil
}
