// Package throttle keeps a sending identity inside its hourly and daily volume
// ceilings, including the reduced ceilings of the warm-up period.
package throttle

import (
	"context"
	"fmt"
	"time"
)

type Granularity string

const (
	Hour Granularity = "hour"
	Day  Granularity = "day"
)

func (g Granularity) Period() time.Duration {
	if g == Day {
		return 24 * time.Hour
	}
	return time.Hour
}

// Window returns the start of the fixed window containing t (UTC) and the
// time left until it closes.
func (g Granularity) Window(t time.Time) (time.Time, time.Duration) {
	start := t.UTC().Truncate(g.Period())
	return start, start.Add(g.Period()).Sub(t)
}

// Store holds per-identity rate windows and warm-up start marks. All
// operations must be safe for concurrent callers across processes.
type Store interface {
	// Increment atomically adds one to the current window and returns the
	// new count. A fresh window expires when the period ends.
	Increment(ctx context.Context, identity string, g Granularity) (int64, error)
	Get(ctx context.Context, identity string, g Granularity) (int64, error)
	// MarkFirstUse records at as the warm-up start unless one exists and
	// returns the stored value.
	MarkFirstUse(ctx context.Context, identity string, at time.Time) (time.Time, error)
	FirstUse(ctx context.Context, identity string) (time.Time, bool, error)
}

func windowKey(identity string, g Granularity, start time.Time) string {
	return fmt.Sprintf("ratewindow:%s:%s:%d", identity, g, start.Unix())
}

func firstUseKey(identity string) string {
	return fmt.Sprintf("warmup:%s:started_at", identity)
}
