package throttle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// WarmupStep caps daily volume from Day onwards until the next step.
type WarmupStep struct {
	Day int   `json:"day"`
	Cap int64 `json:"cap"`
}

// Schedule is an ordered day -> cap table, written as "1:20,2:40,3:80".
type Schedule []WarmupStep

func ParseSchedule(s string) (Schedule, error) {
	var out Schedule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		day, capacity, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("warmup step %q: expected day:cap", part)
		}
		d, err := strconv.Atoi(strings.TrimSpace(day))
		if err != nil {
			return nil, fmt.Errorf("warmup step %q: day: %w", part, err)
		}
		c, err := strconv.ParseInt(strings.TrimSpace(capacity), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("warmup step %q: cap: %w", part, err)
		}
		out = append(out, WarmupStep{Day: d, Cap: c})
	}
	return out, nil
}

func (s *Schedule) UnmarshalText(text []byte) error {
	parsed, err := ParseSchedule(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Schedule) String() string {
	parts := make([]string, len(s))
	for i, step := range s {
		parts[i] = fmt.Sprintf("%d:%d", step.Day, step.Cap)
	}
	return strings.Join(parts, ",")
}

// Validate requires positive days in strictly increasing order and caps
// that never decrease.
func (s Schedule) Validate() error {
	for i, step := range s {
		if step.Day < 1 || step.Cap < 0 {
			return fmt.Errorf("warmup step %d:%d: day must be >= 1 and cap >= 0", step.Day, step.Cap)
		}
		if i == 0 {
			continue
		}
		prev := s[i-1]
		if step.Day <= prev.Day {
			return errors.New("warmup schedule days must be strictly increasing")
		}
		if step.Cap < prev.Cap {
			return fmt.Errorf("warmup schedule caps must not decrease (day %d: %d < %d)", step.Day, step.Cap, prev.Cap)
		}
	}
	return nil
}

// CapFor returns the cap of the last step whose Day is <= day. Days before
// the first step use the first cap. ok is false for an empty schedule.
func (s Schedule) CapFor(day int) (limit int64, ok bool) {
	if len(s) == 0 {
		return 0, false
	}
	limit = s[0].Cap
	for _, step := range s {
		if step.Day > day {
			break
		}
		limit = step.Cap
	}
	return limit, true
}
