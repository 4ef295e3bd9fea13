package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ticket tracks the retry state of one pending attempt.
type Ticket struct {
	AttemptID    int       `json:"attempt_id"`
	Count        int       `json:"count"`
	NextEligible time.Time `json:"next_eligible"`
}

// TicketStore persists tickets between worker invocations.
type TicketStore interface {
	Get(ctx context.Context, attemptID int) (Ticket, bool, error)
	Put(ctx context.Context, t Ticket) error
	Delete(ctx context.Context, attemptID int) error
}

type MemoryTicketStore struct {
	mu      sync.Mutex
	tickets map[int]Ticket
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{tickets: map[int]Ticket{}}
}

func (s *MemoryTicketStore) Get(_ context.Context, attemptID int) (Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[attemptID]
	return t, ok, nil
}

func (s *MemoryTicketStore) Put(_ context.Context, t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.AttemptID] = t
	return nil
}

func (s *MemoryTicketStore) Delete(_ context.Context, attemptID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, attemptID)
	return nil
}

// RedisTicketStore keeps each ticket in a hash under retry:ticket:{attemptID}.
// Tickets expire after ttl so abandoned ones do not accumulate.
type RedisTicketStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisTicketStore(client redis.UniversalClient, ttl time.Duration) *RedisTicketStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisTicketStore{client: client, ttl: ttl}
}

func ticketKey(attemptID int) string {
	return fmt.Sprintf("retry:ticket:%d", attemptID)
}

func (s *RedisTicketStore) Get(ctx context.Context, attemptID int) (Ticket, bool, error) {
	vals, err := s.client.HGetAll(ctx, ticketKey(attemptID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return Ticket{}, false, nil
	}
	if err != nil {
		return Ticket{}, false, fmt.Errorf("read retry ticket %d: %w", attemptID, err)
	}

	t := Ticket{AttemptID: attemptID}
	if t.Count, err = strconv.Atoi(vals["count"]); err != nil {
		return Ticket{}, false, fmt.Errorf("parse retry ticket %d count: %w", attemptID, err)
	}
	ms, err := strconv.ParseInt(vals["next_eligible"], 10, 64)
	if err != nil {
		return Ticket{}, false, fmt.Errorf("parse retry ticket %d next_eligible: %w", attemptID, err)
	}
	t.NextEligible = time.UnixMilli(ms).UTC()
	return t, true, nil
}

func (s *RedisTicketStore) Put(ctx context.Context, t Ticket) error {
	key := ticketKey(t.AttemptID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "count", t.Count, "next_eligible", t.NextEligible.UnixMilli())
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write retry ticket %d: %w", t.AttemptID, err)
	}
	return nil
}

func (s *RedisTicketStore) Delete(ctx context.Context, attemptID int) error {
	if err := s.client.Del(ctx, ticketKey(attemptID)).Err(); err != nil {
		return fmt.Errorf("delete retry ticket %d: %w", attemptID, err)
	}
	return nil
}
