package service

import (
	"context"
	"time"

	"alumni_chat/internal/repository"
	"alumni_chat/pkg/logger"
)

type RateLimitService interface {
	// Allow засчитывает запрос в окне и сообщает, укладывается ли он в лимит.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	log           logger.Logger
}

func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, log logger.Logger) RateLimitService {
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		log:           log,
	}
}

func (s *rateLimitService) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := s.rateLimitRepo.Hit(ctx, key, window)
	if err != nil {
		return false, err
	}
	if count > int64(limit) {
		s.log.Debug("Rate limit exceeded", "key", key, "count", count, "limit", limit)
		return false, nil
	}
	return true, nil
}
