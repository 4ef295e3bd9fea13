package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MockOption customises MockSender.
type MockOption func(*MockSender)

// WithSuccessRate sets the fraction of sends that succeed. The remainder
// fails transiently.
func WithSuccessRate(rate float64) MockOption {
	return func(m *MockSender) { m.successRate = rate }
}

func WithLatency(d time.Duration) MockOption {
	return func(m *MockSender) {
		if d < 0 {
			d = 0
		}
		m.latency = d
	}
}

// WithTerminalAddresses makes sends to the given addresses fail terminally.
func WithTerminalAddresses(addrs ...string) MockOption {
	return func(m *MockSender) {
		for _, a := range addrs {
			m.terminal[a] = true
		}
	}
}

// MockSender simulates a channel provider. It is the default sender of the
// worker until a real provider client is configured.
type MockSender struct {
	log         zerolog.Logger
	successRate float64
	latency     time.Duration
	terminal    map[string]bool

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewMockSender(log zerolog.Logger, opts ...MockOption) *MockSender {
	m := &MockSender{
		log:         log.With().Str("component", "mock_sender").Logger(),
		successRate: 0.9,
		terminal:    map[string]bool{},
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockSender) Send(ctx context.Context, to, body string) (string, error) {
	if to == "" {
		return "", WrapTerminal(errors.New("mock: recipient address is required"))
	}
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", WrapTransient(ctx.Err())
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", WrapTransient(err)
	}

	if m.terminal[to] {
		return "", WrapTerminal(fmt.Errorf("mock: invalid recipient %s", to))
	}

	m.mu.Lock()
	r := m.rnd.Float64()
	m.mu.Unlock()
	if r >= m.successRate {
		return "", WrapTransient(errors.New("mock: rate limited"))
	}

	id := uuid.NewString()
	m.log.Debug().Str("to", to).Str("external_id", id).Int("len", len(body)).Msg("mock send accepted")
	return id, nil
}

// NopRewriter returns the body unchanged.
type NopRewriter struct{}

func (NopRewriter) Rewrite(_ context.Context, body, _ string, _ map[string]string) (string, error) {
	return body, nil
}
