package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"alumni_chat/pkg/logger"
)

type RateLimitRepository interface {
	// Hit увеличивает счетчик окна и возвращает его новое значение.
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

type rateLimitRepository struct {
	redis *redis.Client
	log   logger.Logger
}

func NewRateLimitRepository(redis *redis.Client, log logger.Logger) RateLimitRepository {
	return &rateLimitRepository{redis: redis, log: log}
}

func (r *rateLimitRepository) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil {
		r.log.Error("Failed to increment rate limit", "key", key, "error", err)
		return 0, err
	}

	// Срок ставится только новому окну, последующие запросы его не продлевают.
	// Ключ без срока (упавший Expire) тоже получает окно.
	if incr.Val() == 1 || ttl.Val() < 0 {
		if err := r.redis.Expire(ctx, key, window).Err(); err != nil {
			r.log.Error("Failed to set rate limit window", "key", key, "error", err)
			return 0, err
		}
	}
	return incr.Val(), nil
}
