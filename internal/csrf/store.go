package csrf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records issued nonces until they are consumed or expire.
// Take must be atomic: two concurrent Takes of one nonce never both succeed.
type NonceStore interface {
	Put(ctx context.Context, nonce string, data []byte, ttl time.Duration) error
	Take(ctx context.Context, nonce string) (data []byte, ok bool, err error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// --- In-memory store ---

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryNonceStore keeps nonces in process memory. Suitable for a single
// instance and for tests.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryNonceStore creates an empty in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Put records nonce until now+ttl.
func (m *MemoryNonceStore) Put(_ context.Context, nonce string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[nonce] = memoryEntry{data: data, expiresAt: m.now().Add(ttl)}
	return nil
}

// Take removes nonce and returns its data. Expired entries count as absent.
func (m *MemoryNonceStore) Take(_ context.Context, nonce string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[nonce]
	if !ok {
		return nil, false, nil
	}
	delete(m.entries, nonce)
	if !m.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return e.data, true, nil
}

// DeleteExpired removes every entry past its expiry.
func (m *MemoryNonceStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len reports the number of outstanding nonces.
func (m *MemoryNonceStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// --- Redis store ---

// nonceKeyPrefix is the Redis key prefix for outstanding nonces.
const nonceKeyPrefix = "csrf:nonce:"

// RedisNonceStore keeps nonces in Redis so any instance can redeem a token
// issued by another. Redis TTLs reap orphans, so DeleteExpired is a no-op.
type RedisNonceStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisNonceStore creates a Redis-backed nonce store. prefix namespaces
// keys (e.g. "state" vs "csrf").
func NewRedisNonceStore(rdb redis.UniversalClient, prefix string) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb, prefix: nonceKeyPrefix + prefix + ":"}
}

// Put stores the nonce with a Redis TTL. SETNX guards against the
// (astronomically unlikely) collision of two random nonces.
func (r *RedisNonceStore) Put(ctx context.Context, nonce string, data []byte, ttl time.Duration) error {
	ok, err := r.rdb.SetNX(ctx, r.prefix+nonce, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("storing nonce in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("nonce collision")
	}
	return nil
}

// Take atomically reads and deletes the nonce with GETDEL.
func (r *RedisNonceStore) Take(ctx context.Context, nonce string) ([]byte, bool, error) {
	data, err := r.rdb.GetDel(ctx, r.prefix+nonce).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("consuming nonce from Redis: %w", err)
	}
	return data, true, nil
}

// DeleteExpired is a no-op: Redis expires keys on its own.
func (r *RedisNonceStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
