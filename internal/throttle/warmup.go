package throttle

import (
	"context"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type WarmupOptions struct {
	Enabled      bool
	DurationDays int
	Schedule     Schedule
	// Ceiling is the unrestricted daily maximum once warm-up is over.
	Ceiling int64
}

// WarmupScheduler ramps a new identity's daily cap up over its first days
// of use. The start mark is created on the first recorded send.
type WarmupScheduler struct {
	store Store
	opts  WarmupOptions
	now   func() time.Time
}

func NewWarmupScheduler(store Store, opts WarmupOptions) *WarmupScheduler {
	return &WarmupScheduler{store: store, opts: opts, now: time.Now}
}

func (w *WarmupScheduler) WithClock(now func() time.Time) *WarmupScheduler {
	w.now = now
	return w
}

// Touch records now as the warm-up start unless one is already stored.
func (w *WarmupScheduler) Touch(ctx context.Context, identity string) (time.Time, error) {
	return w.store.MarkFirstUse(ctx, identity, w.now().UTC())
}

// ElapsedDays is 1 on the first day of use. An identity never used is on day 1.
func (w *WarmupScheduler) ElapsedDays(ctx context.Context, identity string) (int, error) {
	start, ok, err := w.store.FirstUse(ctx, identity)
	if err != nil || !ok {
		return 1, err
	}
	return elapsedDays(start, w.now()), nil
}

func (w *WarmupScheduler) IsWarmedUp(ctx context.Context, identity string) (bool, error) {
	if !w.opts.Enabled {
		return true, nil
	}
	days, err := w.ElapsedDays(ctx, identity)
	if err != nil {
		return false, err
	}
	return days > w.opts.DurationDays, nil
}

// TodayCap is the daily cap in effect for identity today.
func (w *WarmupScheduler) TodayCap(ctx context.Context, identity string) (int64, error) {
	days, err := w.ElapsedDays(ctx, identity)
	if err != nil {
		return 0, err
	}
	return w.capForDay(days), nil
}

// Status reports the warm-up position of identity.
func (w *WarmupScheduler) Status(ctx context.Context, identity string) (model.SendingIdentity, error) {
	out := model.SendingIdentity{ID: identity, ElapsedDays: 1}
	start, ok, err := w.store.FirstUse(ctx, identity)
	if err != nil {
		return out, err
	}
	if ok {
		s := start.UTC()
		out.WarmupStartedAt = &s
		out.ElapsedDays = elapsedDays(start, w.now())
	}
	out.TodayCap = w.capForDay(out.ElapsedDays)
	out.WarmedUp = !w.opts.Enabled || out.ElapsedDays > w.opts.DurationDays
	return out, nil
}

func (w *WarmupScheduler) capForDay(days int) int64 {
	if !w.opts.Enabled || days > w.opts.DurationDays {
		return w.opts.Ceiling
	}
	limit, ok := w.opts.Schedule.CapFor(days)
	if !ok || limit > w.opts.Ceiling {
		return w.opts.Ceiling
	}
	return limit
}

func elapsedDays(start, now time.Time) int {
	d := now.Sub(start)
	if d < 0 {
		return 1
	}
	return int(d/(24*time.Hour)) + 1
}
