package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"alumni_chat/internal/broadcast"
	"alumni_chat/internal/domain"
	"alumni_chat/internal/repository"
	"alumni_chat/pkg/logger"
)

// PresenceService: пользователь онлайн, пока у него есть хотя бы одно живое соединение
// с непросроченной арендой на любом инстансе. last_seen только для отображения.
type PresenceService interface {
	Attach(ctx context.Context, conversationID int64, userID uuid.UUID, connID string) error
	Heartbeat(ctx context.Context, userID uuid.UUID, connID string) error
	Detach(ctx context.Context, conversationID int64, userID uuid.UUID, connID string) error
	Touch(ctx context.Context, userID uuid.UUID) error
	PublishStatus(ctx context.Context, conversationID int64, userID uuid.UUID, online bool) error
	Snapshot(ctx context.Context, userID uuid.UUID) (domain.Presence, error)
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

type presenceService struct {
	store     repository.PresenceRepository
	broadcast broadcast.Channel
	lease     time.Duration
	now       func() time.Time
	log       logger.Logger
}

func NewPresenceService(store repository.PresenceRepository, ch broadcast.Channel, lease time.Duration, log logger.Logger) PresenceService {
	return &presenceService{
		store:     store,
		broadcast: ch,
		lease:     lease,
		now:       time.Now,
		log:       log,
	}
}

func (s *presenceService) Attach(ctx context.Context, conversationID int64, userID uuid.UUID, connID string) error {
	if err := s.store.AddConnection(ctx, userID, connID, s.lease); err != nil {
		return err
	}
	if err := s.Touch(ctx, userID); err != nil {
		return err
	}
	return s.PublishStatus(ctx, conversationID, userID, true)
}

func (s *presenceService) Heartbeat(ctx context.Context, userID uuid.UUID, connID string) error {
	if err := s.store.AddConnection(ctx, userID, connID, s.lease); err != nil {
		return err
	}
	return s.Touch(ctx, userID)
}

// Detach публикует статус, пересчитанный после снятия соединения: offline, если оно было последним.
func (s *presenceService) Detach(ctx context.Context, conversationID int64, userID uuid.UUID, connID string) error {
	if err := s.store.RemoveConnection(ctx, userID, connID); err != nil {
		return err
	}
	if err := s.Touch(ctx, userID); err != nil {
		return err
	}
	online, err := s.IsOnline(ctx, userID)
	if err != nil {
		online = false
	}
	return s.PublishStatus(ctx, conversationID, userID, online)
}

func (s *presenceService) Touch(ctx context.Context, userID uuid.UUID) error {
	return s.store.Touch(ctx, userID, s.now())
}

func (s *presenceService) PublishStatus(ctx context.Context, conversationID int64, userID uuid.UUID, online bool) error {
	lastSeen, err := s.store.LastSeen(ctx, userID)
	if err != nil {
		s.log.Warn("Failed to load last seen", "user_id", userID, "error", err)
	}
	publish(ctx, s.broadcast, s.log, domain.StatusEvent(conversationID, domain.Presence{
		UserID:   userID,
		Online:   online,
		LastSeen: lastSeen,
	}))
	return nil
}

func (s *presenceService) Snapshot(ctx context.Context, userID uuid.UUID) (domain.Presence, error) {
	online, err := s.IsOnline(ctx, userID)
	if err != nil {
		return domain.Presence{}, err
	}
	lastSeen, err := s.store.LastSeen(ctx, userID)
	if err != nil {
		return domain.Presence{}, err
	}
	return domain.Presence{UserID: userID, Online: online, LastSeen: lastSeen}, nil
}

func (s *presenceService) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := s.store.ActiveConnections(ctx, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
