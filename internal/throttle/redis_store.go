package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiry sets the TTL only when the key is created so that every
// caller shares one window.
var incrWithExpiry = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisStore shares rate windows between every worker process.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

func (s *RedisStore) Increment(ctx context.Context, identity string, g Granularity) (int64, error) {
	start, ttl := g.Window(s.now())
	n, err := incrWithExpiry.Run(ctx, s.client, []string{windowKey(identity, g, start)}, ttl.Milliseconds()+1).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment %s window for %s: %w", g, identity, err)
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, identity string, g Granularity) (int64, error) {
	start, _ := g.Window(s.now())
	n, err := s.client.Get(ctx, windowKey(identity, g, start)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s window for %s: %w", g, identity, err)
	}
	return n, nil
}

func (s *RedisStore) MarkFirstUse(ctx context.Context, identity string, at time.Time) (time.Time, error) {
	key := firstUseKey(identity)
	if _, err := s.client.SetNX(ctx, key, at.UTC().Format(time.RFC3339Nano), 0).Result(); err != nil {
		return time.Time{}, fmt.Errorf("mark first use for %s: %w", identity, err)
	}
	stored, ok, err := s.FirstUse(ctx, identity)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return at, nil
	}
	return stored, nil
}

func (s *RedisStore) FirstUse(ctx context.Context, identity string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, firstUseKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read first use for %s: %w", identity, err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse first use for %s: %w", identity, err)
	}
	return at, true, nil
}
