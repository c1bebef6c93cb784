// Package lease grants exclusive, expiring ownership of a saga instance so
// that only one replica drives it at a time.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces lease keys in a shared Redis.
const keyPrefix = "saga:lease:"

// --- MemoryLease ---

// MemoryLease holds leases in process memory. Suitable for a single
// replica and for tests.
type MemoryLease struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	owners map[string]holder
}

type holder struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryLease creates an in-memory lease table.
func NewMemoryLease(clock clockwork.Clock) *MemoryLease {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLease{clock: clock, owners: make(map[string]holder)}
}

// Acquire takes the lease if it is free, expired, or already held by owner.
// Re-acquiring extends the TTL.
func (l *MemoryLease) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if h, ok := l.owners[key]; ok && h.owner != owner && now.Before(h.expiresAt) {
		return false, nil
	}
	l.owners[key] = holder{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release frees the lease if owner still holds it.
func (l *MemoryLease) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.owners[key]; ok && h.owner == owner {
		delete(l.owners, key)
	}
	return nil
}

// HealthCheck always succeeds.
func (l *MemoryLease) HealthCheck(context.Context) error { return nil }

// --- RedisLease ---

// acquireScript sets the lease when absent, or refreshes it when the
// caller already owns it.
var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
if current == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseScript deletes the lease only if the caller owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease keeps leases in Redis so they are shared by every replica.
type RedisLease struct {
	client redis.Scripter
}

// NewRedisLease creates a Redis-backed lease table.
func NewRedisLease(client redis.Scripter) *RedisLease {
	return &RedisLease{client: client}
}

// Acquire takes or refreshes the lease for ttl.
func (l *RedisLease) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, l.client, []string{keyPrefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis acquire lease %q: %w", key, err)
	}
	return n == 1, nil
}

// Release deletes the lease if owner still holds it.
func (l *RedisLease) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{keyPrefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("redis release lease %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis when the client supports it.
func (l *RedisLease) HealthCheck(ctx context.Context) error {
	if p, ok := l.client.(interface {
		Ping(ctx context.Context) *redis.StatusCmd
	}); ok {
		return p.Ping(ctx).Err()
	}
	return nil
}
