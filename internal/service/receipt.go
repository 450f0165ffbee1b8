package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"alumni_chat/internal/broadcast"
	"alumni_chat/internal/domain"
	"alumni_chat/internal/metrics"
	"alumni_chat/internal/repository"
	"alumni_chat/pkg/logger"
)

const maxReceiptBatch = 500

type ReceiptService interface {
	// MarkDelivered записывает доставку и публикует message_delivered только по новым id.
	MarkDelivered(ctx context.Context, conversationID int64, userID uuid.UUID, messageIDs []int64) ([]int64, error)
	// MarkRead сначала отмечает доставку, затем прочтение.
	MarkRead(ctx context.Context, conversationID int64, userID uuid.UUID, messageIDs []int64) ([]int64, error)
	// MarkAllSeen отмечает все чужие сообщения диалога доставленными и прочитанными.
	// Членство вызывающий проверяет сам.
	MarkAllSeen(ctx context.Context, conversationID int64, userID uuid.UUID) error
	Status(ctx context.Context, conversationID int64, userID uuid.UUID, messageIDs []int64) ([]domain.MessageStatus, error)
}

type receiptService struct {
	receipts   repository.ReceiptRepository
	access     AccessGuard
	broadcast  broadcast.Channel
	log        logger.Logger
	maxElapsed time.Duration
}

func NewReceiptService(receipts repository.ReceiptRepository, access AccessGuard, ch broadcast.Channel, log logger.Logger) ReceiptService {
	return &receiptService{
		receipts:   receipts,
		access:     access,
		broadcast:  ch,
		log:        log,
		maxElapsed: 3 * time.Second,
	}
}

func (s *receiptService) MarkDelivered(ctx context.Context, conversationID int64, userID uuid.UUID, messageIDs []int64) ([]int64, error) {
	ids := dedupeIDs(messageIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.access.AssertParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.record(ctx, domain.ReceiptDelivered, conversationID, userID, limitIDs(ids))
}

func (s *receiptService) MarkRead(ctx context.Context, conversationID int64, userID uuid.UUID, messageIDs []int64) ([]int64, error) {
	ids := dedupeIDs(messageIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.access.AssertParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	ids = limitIDs(ids)
	if _, err := s.record(ctx, domain.ReceiptDelivered, conversationID, userID, ids); err != nil {
		return nil, err
	}
	return s.record(ctx, domain.ReceiptRead, conversationID, userID, ids)
}

func (s *receiptService) MarkAllSeen(ctx context.Context, conversationID int64, userID uuid.UUID) error {
	if _, err := s.record(ctx, domain.ReceiptDelivered, conversationID, userID, nil); err != nil {
		return err
	}
	_, err := s.record(ctx, domain.ReceiptRead, conversationID, userID, nil)
	return err
}

func (s *receiptService) Status(ctx context.Context, conversationID int64, userID uuid.UUID, messageIDs []int64) ([]domain.MessageStatus, error) {
	ids := dedupeIDs(messageIDs)
	if _, err := s.access.AssertParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.MessageStatus{}, nil
	}
	return s.receipts.Status(ctx, conversationID, limitIDs(ids))
}

// record вставляет квитанции с повтором: операция идемпотентна.
func (s *receiptService) record(ctx context.Context, kind domain.ReceiptKind, conversationID int64, userID uuid.UUID, ids []int64) ([]int64, error) {
	var inserted []int64
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = s.maxElapsed

	err := backoff.Retry(func() error {
		var err error
		inserted, err = s.receipts.Insert(ctx, kind, conversationID, userID, ids)
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		s.log.Error("Failed to record receipts", "kind", kind, "conversation_id", conversationID, "user_id", userID, "error", err)
		return nil, err
	}
	if len(inserted) == 0 {
		return nil, nil
	}

	metrics.ReceiptsRecorded.WithLabelValues(string(kind)).Add(float64(len(inserted)))

	var event domain.Event
	switch kind {
	case domain.ReceiptDelivered:
		event = domain.DeliveredEvent(conversationID, userID, inserted)
	case domain.ReceiptRead:
		event = domain.ReadEvent(conversationID, userID, inserted)
	}
	publish(ctx, s.broadcast, s.log, event)
	return inserted, nil
}

func limitIDs(ids []int64) []int64 {
	if len(ids) > maxReceiptBatch {
		return ids[:maxReceiptBatch]
	}
	return ids
}
