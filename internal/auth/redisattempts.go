package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisAttemptPrefix = "portal:bf"

// failScript increments the sliding failure counter and sets the lock key
// when the threshold is reached. It returns 1 only for the locking call.
var failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
local n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
if n >= tonumber(ARGV[1]) then
  redis.call('SET', KEYS[2], n, 'PX', ARGV[3])
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// RedisAttemptStore shares attempt counters across portal instances.
// Key expiry implements both the failure window and the lockout duration.
type RedisAttemptStore struct {
	client redis.UniversalClient
	prefix string
}

var _ AttemptStore = (*RedisAttemptStore)(nil)

// NewRedisAttemptStore wraps client. An empty prefix selects the default.
func NewRedisAttemptStore(client redis.UniversalClient, prefix string) *RedisAttemptStore {
	if prefix == "" {
		prefix = defaultRedisAttemptPrefix
	}
	return &RedisAttemptStore{client: client, prefix: prefix}
}

// The hash tag keeps both keys of an identifier in one cluster slot.
func (s *RedisAttemptStore) keys(identifier string) (fail, lock string) {
	base := fmt.Sprintf("%s:{%s}", s.prefix, identifier)
	return base + ":fail", base + ":lock"
}

// Locked implements AttemptStore.
func (s *RedisAttemptStore) Locked(ctx context.Context, identifier string, _ time.Time) (bool, error) {
	_, lock := s.keys(identifier)
	n, err := s.client.Exists(ctx, lock).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n == 1, nil
}

// Fail implements AttemptStore.
func (s *RedisAttemptStore) Fail(ctx context.Context, identifier string, _ time.Time, policy LockoutPolicy) (bool, error) {
	fail, lock := s.keys(identifier)
	window := policy.FailureWindow
	if window <= 0 {
		window = policy.LockoutDuration
	}
	res, err := failScript.Run(ctx, s.client, []string{fail, lock},
		policy.Threshold, window.Milliseconds(), policy.LockoutDuration.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis fail script: %w", err)
	}
	return res == 1, nil
}

// Clear implements AttemptStore.
func (s *RedisAttemptStore) Clear(ctx context.Context, identifier string) error {
	fail, lock := s.keys(identifier)
	if err := s.client.Del(ctx, fail, lock).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
