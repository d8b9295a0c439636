package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "nest:ratelimit:"

// RedisStore keeps one sorted set per key scored by request time, so every
// instance behind a load balancer shares the same window.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	redisKey := redisKeyPrefix + key
	now := s.now()
	cutoff := now.Add(-window).UnixMicro()

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff, 10))
		card = p.ZCard(ctx, redisKey)
		oldest = p.ZRangeWithScores(ctx, redisKey, 0, 0)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit window %s: %w", key, err)
	}

	count := int(card.Val())
	resetAt := now.Add(window)
	if z := oldest.Val(); len(z) > 0 {
		resetAt = time.UnixMicro(int64(z[0].Score)).Add(window)
	}
	if count >= limit {
		return &Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: uuid.NewString()})
		p.PExpire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit record %s: %w", key, err)
	}
	if count == 0 {
		resetAt = now.Add(window)
	}
	return &Result{Allowed: true, Limit: limit, Remaining: limit - count - 1, ResetAt: resetAt}, nil
}
