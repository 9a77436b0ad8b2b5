package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// Redis key layout:
//
//	session:rec:<hash>   JSON record, TTL = lifetime + grace
//	session:user:<id>    ZSET of hashes scored by issued-at (µs)
//	session:expiry       ZSET of hashes scored by expires-at (ms)
const (
	recordKeyPrefix = "session:rec:"
	userKeyPrefix   = "session:user:"
	expiryKey       = "session:expiry"
)

// DefaultRedisGrace keeps an expired record readable for this long so
// validation can report "expired" rather than "not found" until the sweep
// removes it.
const DefaultRedisGrace = time.Hour

var deleteRecordLua = redis.NewScript(`
local existed = redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
return existed
`)

// redisRepository stores sessions in Redis so every instance behind the
// load balancer sees the same set.
type redisRepository struct {
	rdb   redis.UniversalClient
	grace time.Duration
}

// NewRedisRepository creates a Redis-backed repository. grace <= 0 selects
// DefaultRedisGrace.
func NewRedisRepository(rdb redis.UniversalClient, grace time.Duration) Repository {
	if grace <= 0 {
		grace = DefaultRedisGrace
	}
	return &redisRepository{rdb: rdb, grace: grace}
}

func (r *redisRepository) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session record: %w", err)
	}

	ttl := rec.ExpiresAt.Sub(rec.IssuedAt) + r.grace
	userKey := userKeyPrefix + rec.UserID

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, recordKeyPrefix+rec.TokenHash, data, ttl)
	pipe.ZAdd(ctx, userKey, redis.Z{Score: float64(rec.IssuedAt.UnixMicro()), Member: rec.TokenHash})
	pipe.Expire(ctx, userKey, ttl)
	pipe.ZAdd(ctx, expiryKey, redis.Z{Score: float64(rec.ExpiresAt.UnixMilli()), Member: rec.TokenHash})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing session in Redis: %w", err)
	}
	return nil
}

func (r *redisRepository) Get(ctx context.Context, tokenHash string) (*Record, error) {
	data, err := r.rdb.Get(ctx, recordKeyPrefix+tokenHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperror.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session from Redis: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &rec, nil
}

func (r *redisRepository) Delete(ctx context.Context, rec *Record) (bool, error) {
	keys := []string{recordKeyPrefix + rec.TokenHash, userKeyPrefix + rec.UserID, expiryKey}
	n, err := deleteRecordLua.Run(ctx, r.rdb, keys, rec.TokenHash).Int()
	if err != nil {
		return false, fmt.Errorf("deleting session from Redis: %w", err)
	}
	return n == 1, nil
}

func (r *redisRepository) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	userKey := userKeyPrefix + userID
	hashes, err := r.rdb.ZRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing user sessions: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = recordKeyPrefix + h
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading user sessions: %w", err)
	}

	out := make([]*Record, 0, len(vals))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Record already gone through its Redis TTL.
			stale = append(stale, hashes[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("unmarshaling session: %w", err)
		}
		out = append(out, &rec)
	}
	if len(stale) > 0 {
		// The read is already answered; a failed tidy is retried next time.
		if err := r.rdb.ZRem(ctx, userKey, stale...).Err(); err != nil {
			slog.Warn("failed to drop stale session index entries",
				slog.Int("count", len(stale)),
				slog.Any("error", err),
			)
		}
	}

	sortOldestFirst(out)
	return out, nil
}

func (r *redisRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	hashes, err := r.rdb.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning expired sessions: %w", err)
	}

	n := 0
	for _, h := range hashes {
		rec, err := r.Get(ctx, h)
		if errors.Is(err, apperror.ErrSessionNotFound) {
			if err := r.rdb.ZRem(ctx, expiryKey, h).Err(); err != nil {
				return n, fmt.Errorf("dropping orphaned expiry entry: %w", err)
			}
			continue
		}
		if err != nil {
			return n, err
		}
		if !rec.expired(now) {
			continue
		}
		existed, err := r.Delete(ctx, rec)
		if err != nil {
			return n, err
		}
		if existed {
			n++
		}
	}
	return n, nil
}
