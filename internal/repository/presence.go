package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"alumni_chat/pkg/logger"
)

const (
	presenceConnsPrefix    = "presence:conns:"
	presenceLastSeenPrefix = "presence:last_seen:"
	lastSeenTTL            = 30 * 24 * time.Hour
)

// Сдвигает last_seen только вперед.
var touchScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (not current) or tonumber(current) < tonumber(ARGV[1]) then
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
	return 1
end
return 0
`)

type PresenceRepository interface {
	// AddConnection регистрирует (или продлевает) живое соединение с арендой lease.
	AddConnection(ctx context.Context, userID uuid.UUID, connID string, lease time.Duration) error
	RemoveConnection(ctx context.Context, userID uuid.UUID, connID string) error
	// ActiveConnections считает соединения с непросроченной арендой на всех инстансах.
	ActiveConnections(ctx context.Context, userID uuid.UUID) (int64, error)
	Touch(ctx context.Context, userID uuid.UUID, at time.Time) error
	LastSeen(ctx context.Context, userID uuid.UUID) (*time.Time, error)
}

type presenceRepository struct {
	redis *redis.Client
	log   logger.Logger
}

func NewPresenceRepository(redis *redis.Client, log logger.Logger) PresenceRepository {
	return &presenceRepository{redis: redis, log: log}
}

func connsKey(userID uuid.UUID) string {
	return presenceConnsPrefix + userID.String()
}

func lastSeenKey(userID uuid.UUID) string {
	return presenceLastSeenPrefix + userID.String()
}

func (r *presenceRepository) AddConnection(ctx context.Context, userID uuid.UUID, connID string, lease time.Duration) error {
	key := connsKey(userID)
	expiresAt := time.Now().Add(lease).UnixMilli()

	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt), Member: connID})
		pipe.Expire(ctx, key, lease)
		return nil
	})
	if err != nil {
		r.log.Error("Failed to register connection", "user_id", userID, "error", err)
		return fmt.Errorf("register connection: %w", err)
	}
	return nil
}

func (r *presenceRepository) RemoveConnection(ctx context.Context, userID uuid.UUID, connID string) error {
	if err := r.redis.ZRem(ctx, connsKey(userID), connID).Err(); err != nil {
		r.log.Error("Failed to remove connection", "user_id", userID, "error", err)
		return fmt.Errorf("remove connection: %w", err)
	}
	return nil
}

func (r *presenceRepository) ActiveConnections(ctx context.Context, userID uuid.UUID) (int64, error) {
	key := connsKey(userID)
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var card *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", now)
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count connections: %w", err)
	}
	return card.Val(), nil
}

func (r *presenceRepository) Touch(ctx context.Context, userID uuid.UUID, at time.Time) error {
	err := touchScript.Run(ctx, r.redis,
		[]string{lastSeenKey(userID)},
		at.UnixMilli(), int64(lastSeenTTL/time.Second),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.log.Error("Failed to touch presence", "user_id", userID, "error", err)
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

func (r *presenceRepository) LastSeen(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	ms, err := r.redis.Get(ctx, lastSeenKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last seen: %w", err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
