// Package ratelimit bounds how often one key (normally a client IP) may hit
// an expensive endpoint. MemoryLimiter is a per-key token bucket for a
// single instance; RedisLimiter is a fixed-window counter shared by every
// instance.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// Config is a request budget: Requests per Window.
type Config struct {
	Requests int
	Window   time.Duration

	// Burst is the token-bucket depth for MemoryLimiter. Zero means Requests.
	Burst int
}

func (c Config) validate() error {
	if c.Requests <= 0 || c.Window <= 0 {
		return fmt.Errorf("%w: rate limit requests and window must be positive", apperror.ErrConfig)
	}
	return nil
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// LimitedError reports a rejected request. It matches
// apperror.ErrRateLimited with errors.Is.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, apperror.ErrRateLimited) true.
func (e *LimitedError) Is(target error) bool { return target == apperror.ErrRateLimited }

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// --- In-memory token bucket ---

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one x/time/rate limiter per key.
type MemoryLimiter struct {
	cfg   Config
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config) (*MemoryLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Requests
	}
	return &MemoryLimiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds()),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}, nil
}

// Allow consumes one token for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	m.mu.Unlock()

	if b.lim.AllowN(now, 1) {
		return Decision{Allowed: true}, nil
	}

	// Peek at when the next token arrives without consuming it.
	r := b.lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return Decision{Allowed: false, RetryAfter: delay}, nil
}

// Prune drops buckets idle for longer than one window. The sweeper calls it.
func (m *MemoryLimiter) Prune(_ context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.Window)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, k)
			n++
		}
	}
	return n, nil
}

// --- Redis fixed window ---

const redisKeyPrefix = "ratelimit:"

// RedisLimiter counts requests per key per fixed window in Redis.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a shared limiter. scope namespaces the keys so
// separate budgets (e.g. "login" and "callback") do not collide.
func NewRedisLimiter(rdb redis.UniversalClient, scope string, cfg Config) (*RedisLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &RedisLimiter{rdb: rdb, cfg: cfg, prefix: redisKeyPrefix + scope + ":", now: time.Now}, nil
}

// Allow increments the current window's counter for key.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	windowMs := r.cfg.Window.Milliseconds()
	idx := now.UnixMilli() / windowMs
	k := r.prefix + key + ":" + strconv.FormatInt(idx, 10)

	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.cfg.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("incrementing rate counter: %w", err)
	}

	if incr.Val() <= int64(r.cfg.Requests) {
		return Decision{Allowed: true}, nil
	}
	windowEnd := time.UnixMilli((idx + 1) * windowMs)
	retry := time.Duration(math.Max(float64(windowEnd.Sub(now)), float64(time.Millisecond)))
	return Decision{Allowed: false, RetryAfter: retry}, nil
}
