package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultSchedule = Schedule{{1, 20}, {2, 40}, {3, 80}, {4, 150}, {5, 250}, {6, 400}, {7, 600}}

func TestWarmupTodayCap(t *testing.T) {
	ctx := context.Background()
	c := newClock(epoch)
	store := NewMemoryStore().WithClock(c.Now)
	w := NewWarmupScheduler(store, WarmupOptions{Enabled: true, DurationDays: 7, Schedule: defaultSchedule, Ceiling: 1000}).WithClock(c.Now)

	capToday, err := w.TodayCap(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, int64(20), capToday, "an identity never used is on day one")

	_, err = w.Touch(ctx, "new")
	require.NoError(t, err)

	var prev int64
	for day := 1; day <= 10; day++ {
		days, err := w.ElapsedDays(ctx, "new")
		require.NoError(t, err)
		assert.Equal(t, day, days)

		got, err := w.TodayCap(ctx, "new")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got, prev, "cap must not decrease")
		prev = got

		warmed, _ := w.IsWarmedUp(ctx, "new")
		if day > 7 {
			assert.Equal(t, int64(1000), got)
			assert.True(t, warmed)
		} else {
			assert.False(t, warmed)
		}
		c.Advance(24 * time.Hour)
	}
}

func TestWarmupCapNeverExceedsCeiling(t *testing.T) {
	w := NewWarmupScheduler(NewMemoryStore(), WarmupOptions{Enabled: true, DurationDays: 7, Schedule: defaultSchedule, Ceiling: 50})

	got, err := w.TodayCap(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got)

	w.opts.Schedule = Schedule{{1, 500}}
	got, _ = w.TodayCap(context.Background(), "x")
	assert.Equal(t, int64(50), got)
}

func TestWarmupDisabled(t *testing.T) {
	w := NewWarmupScheduler(NewMemoryStore(), WarmupOptions{Enabled: false, DurationDays: 7, Schedule: defaultSchedule, Ceiling: 1000})

	got, err := w.TodayCap(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got)

	st, err := w.Status(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, st.WarmedUp)
	assert.Nil(t, st.WarmupStartedAt)
}

func TestWarmupStatus(t *testing.T) {
	ctx := context.Background()
	c := newClock(epoch)
	w := NewWarmupScheduler(NewMemoryStore(), WarmupOptions{Enabled: true, DurationDays: 7, Schedule: defaultSchedule, Ceiling: 1000}).WithClock(c.Now)

	_, _ = w.Touch(ctx, "id")
	c.Advance(50 * time.Hour)

	st, err := w.Status(ctx, "id")
	require.NoError(t, err)
	require.NotNil(t, st.WarmupStartedAt)
	assert.Equal(t, epoch, *st.WarmupStartedAt)
	assert.Equal(t, 3, st.ElapsedDays)
	assert.Equal(t, int64(80), st.TodayCap)
	assert.False(t, st.WarmedUp)
}

func TestThrottlerHourCeiling(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	th := NewThrottler(store, nil, Limits{MaxPerHour: 5, MaxPerDay: 100}, zerolog.Nop())

	sent := 0
	for i := 0; i < 20; i++ {
		ok, err := th.CanSend(ctx, "id")
		require.NoError(t, err)
		if !ok {
			break
		}
		require.NoError(t, th.RecordSent(ctx, "id"))
		sent++
	}
	assert.Equal(t, 5, sent)

	ok, _ := th.CanSend(ctx, "other")
	assert.True(t, ok, "ceilings are per identity")
}

func TestThrottlerWarmupDayCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := NewWarmupScheduler(store, WarmupOptions{Enabled: true, DurationDays: 7, Schedule: defaultSchedule, Ceiling: 1000})
	th := NewThrottler(store, w, Limits{MaxPerHour: 1000, MaxPerDay: 1000}, zerolog.Nop())

	sent := 0
	for i := 0; i < 100; i++ {
		ok, err := th.CanSend(ctx, "fresh")
		require.NoError(t, err)
		if !ok {
			break
		}
		require.NoError(t, th.RecordSent(ctx, "fresh"))
		sent++
	}
	assert.Equal(t, 20, sent)

	_, started, _ := store.FirstUse(ctx, "fresh")
	assert.True(t, started, "first send starts the warm-up clock")
}
