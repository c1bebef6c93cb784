package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/ordersaga/model"
)

// StartResult is what a start request returned, replayed for a repeated
// Idempotency-Key.
type StartResult struct {
	WorkflowID string `json:"workflowId"`
	OrderID    string `json:"orderId,omitempty"`
}

// IdempotencyStore remembers start results per key ("idem:{operation}:{key}")
// together with a hash of the request body.
type IdempotencyStore interface {
	// Check returns the remembered result for key. A key remembered with a
	// different inputHash is found but yields a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (result *StartResult, found bool, err error)

	// Store remembers result for ttl. The first result stored under a live
	// key wins; later stores are ignored.
	Store(ctx context.Context, key string, inputHash string, result StartResult, ttl time.Duration) error
}

// FormatIdempotencyKey namespaces a client key by operation.
func FormatIdempotencyKey(operation, key string) string {
	return "idem:" + operation + ":" + key
}

type idempotencyEntry struct {
	InputHash string      `json:"input_hash"`
	Result    StartResult `json:"result"`
}

// replay compares a remembered entry against the incoming request.
func (e idempotencyEntry) replay(key, inputHash string) (*StartResult, bool, error) {
	if e.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}
	result := e.Result
	return &result, true, nil
}

// MemoryIdempotencyStore keeps entries in process. Expired entries are
// dropped when next looked up.
type MemoryIdempotencyStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	idempotencyEntry
	expiresAt time.Time
}

// MemoryOption configures a MemoryIdempotencyStore.
type MemoryOption func(*MemoryIdempotencyStore)

// WithMemoryClock replaces the wall clock used for expiry.
func WithMemoryClock(clock clockwork.Clock) MemoryOption {
	return func(s *MemoryIdempotencyStore) { s.clock = clock }
}

func NewMemoryIdempotencyStore(opts ...MemoryOption) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		clock:   clockwork.NewRealClock(),
		entries: map[string]memEntry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the unexpired entry for key. Lock held.
func (s *MemoryIdempotencyStore) live(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if ok && s.clock.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, ok
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, inputHash string) (*StartResult, bool, error) {
	s.mu.Lock()
	e, ok := s.live(key)
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return e.replay(key, inputHash)
}

func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, inputHash string, result StartResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.live(key); taken {
		return nil
	}
	s.entries[key] = memEntry{
		idempotencyEntry: idempotencyEntry{InputHash: inputHash, Result: result},
		expiresAt:        s.clock.Now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error { return nil }

// Len counts stored entries, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisIdempotencyStore shares entries across replicas. Entries are JSON
// values written with SET NX PX, so expiry is left to Redis.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, inputHash string) (*StartResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("idempotency: get %q: %w", key, err)
	}

	var e idempotencyEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode %q: %w", key, err)
	}
	return e.replay(key, inputHash)
}

func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, inputHash string, result StartResult, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("idempotency: encode %q: %w", key, err)
	}
	err = s.client.SetArgs(ctx, key, data, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency: set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
