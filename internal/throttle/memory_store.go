package throttle

import (
	"context"
	"sync"
	"time"
)

type memWindow struct {
	count   int64
	expires time.Time
}

// MemoryStore is a process-local Store for single-worker deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[string]memWindow
	firstUse map[string]time.Time
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:  map[string]memWindow{},
		firstUse: map[string]time.Time{},
		now:      time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Increment(_ context.Context, identity string, g Granularity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	start, ttl := g.Window(now)
	key := windowKey(identity, g, start)

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expires) {
		s.sweep(now)
		w = memWindow{expires: now.Add(ttl)}
	}
	w.count++
	s.windows[key] = w
	return w.count, nil
}

func (s *MemoryStore) Get(_ context.Context, identity string, g Granularity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	start, _ := g.Window(now)
	w, ok := s.windows[windowKey(identity, g, start)]
	if !ok || !now.Before(w.expires) {
		return 0, nil
	}
	return w.count, nil
}

func (s *MemoryStore) MarkFirstUse(_ context.Context, identity string, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.firstUse[identity]; ok {
		return existing, nil
	}
	s.firstUse[identity] = at
	return at, nil
}

func (s *MemoryStore) FirstUse(_ context.Context, identity string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.firstUse[identity]
	return at, ok, nil
}

// sweep drops expired windows. Caller holds mu.
func (s *MemoryStore) sweep(now time.Time) {
	for k, w := range s.windows {
		if !now.Before(w.expires) {
			delete(s.windows, k)
		}
	}
}
