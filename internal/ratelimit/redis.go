package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisStore は Redis に保存する Store です。複数インスタンスでカウンターを共有できます。
// 期限切れのカウンターは TTL で消えるため Sweep は何もしません。
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Counter, error) {
	k := redisKeyPrefix + key
	pipe := s.rdb.Pipeline()
	get := pipe.Get(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counter{}, err
	}

	n, err := get.Int()
	if errors.Is(err, redis.Nil) {
		return Counter{}, nil
	}
	if err != nil {
		return Counter{}, err
	}
	return Counter{Count: n, ResetAt: resetAt(ttl.Val())}, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	k := redisKeyPrefix + key
	tx := s.rdb.TxPipeline()
	incr := tx.Incr(ctx, k)
	// 最初の失敗時だけ期限を設定する（固定ウィンドウ）
	tx.ExpireNX(ctx, k, window)
	ttl := tx.PTTL(ctx, k)
	if _, err := tx.Exec(ctx); err != nil {
		return Counter{}, err
	}
	return Counter{Count: int(incr.Val()), ResetAt: resetAt(ttl.Val())}, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, redisKeyPrefix+key).Err()
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func resetAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Now()
	}
	return time.Now().Add(ttl)
}
