package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"alumni_chat/internal/broadcast"
	"alumni_chat/internal/domain"
	"alumni_chat/internal/repository"
	"alumni_chat/internal/storage"
	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

const viewHistoryLimit = 200

type ConversationService interface {
	// OpenDirect находит диалог пары или создает его. Связь проверяется только при создании.
	OpenDirect(ctx context.Context, userID, otherID uuid.UUID) (*domain.Conversation, bool, error)
	List(ctx context.Context, userID uuid.UUID, filter domain.ListFilter) ([]*domain.ConversationSummary, error)
	// View отдает историю и отмечает все входящие сообщения доставленными и прочитанными.
	View(ctx context.Context, conversationID int64, userID uuid.UUID) (*domain.ConversationView, error)
	Leave(ctx context.Context, conversationID int64, userID uuid.UUID) error
}

type conversationService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	access        AccessGuard
	directory     Directory
	receipts      ReceiptService
	presence      PresenceService
	files         storage.FileStore
	broadcast     broadcast.Channel
	log           logger.Logger
}

func NewConversationService(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	access AccessGuard,
	directory Directory,
	receipts ReceiptService,
	presence PresenceService,
	files storage.FileStore,
	ch broadcast.Channel,
	log logger.Logger,
) ConversationService {
	return &conversationService{
		conversations: conversations,
		messages:      messages,
		access:        access,
		directory:     directory,
		receipts:      receipts,
		presence:      presence,
		files:         files,
		broadcast:     ch,
		log:           log,
	}
}

func (s *conversationService) OpenDirect(ctx context.Context, userID, otherID uuid.UUID) (*domain.Conversation, bool, error) {
	if userID == otherID {
		return nil, false, apperrors.ErrSelfConversation
	}
	if _, err := s.access.AssertVerified(ctx, userID); err != nil {
		return nil, false, err
	}
	if _, err := s.directory.GetUser(ctx, otherID); err != nil {
		return nil, false, fmt.Errorf("load peer: %w", err)
	}

	conv, err := s.conversations.FindDirect(ctx, userID, otherID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, false, err
	}

	if err := s.access.AssertCanInitiate(ctx, userID, otherID); err != nil {
		return nil, false, err
	}
	conv, created, err := s.conversations.FindOrCreateDirect(ctx, userID, otherID)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.log.Info("Conversation created", "conversation_id", conv.ID, "user_id", userID, "peer_id", otherID)
	}
	return conv, created, nil
}

func (s *conversationService) List(ctx context.Context, userID uuid.UUID, filter domain.ListFilter) ([]*domain.ConversationSummary, error) {
	summaries, err := s.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.ConversationSummary, 0, len(summaries))
	for _, sum := range summaries {
		peer, err := s.directory.GetUser(ctx, sum.PeerID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("load peer: %w", err)
		}
		if filter.PeerType != "" && (peer == nil || peer.Profile == nil || peer.Profile.UserType != filter.PeerType) {
			continue
		}
		sum.Peer = peer
		if sum.Last != nil {
			payload := buildPayloads(ctx, s.directory, s.log, []*domain.Message{sum.Last})[0]
			sum.LastMessage = &payload
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *conversationService) View(ctx context.Context, conversationID int64, userID uuid.UUID) (*domain.ConversationView, error) {
	conv, err := s.access.AssertParticipant(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.messages.ListRecent(ctx, conversationID, viewHistoryLimit)
	if err != nil {
		return nil, err
	}

	view := &domain.ConversationView{
		Conversation: conv,
		Messages:     buildPayloads(ctx, s.directory, s.log, msgs),
	}

	if peerID, ok := conv.Peer(userID); ok {
		view.PeerPresence = domain.Presence{UserID: peerID}
		if peer, err := s.directory.GetUser(ctx, peerID); err == nil {
			view.Peer = peer
		} else {
			s.log.Warn("Failed to load peer", "user_id", peerID, "error", err)
		}
		if p, err := s.presence.Snapshot(ctx, peerID); err == nil {
			view.PeerPresence = p
		} else {
			s.log.Warn("Failed to load peer presence", "user_id", peerID, "error", err)
		}
	}

	if err := s.receipts.MarkAllSeen(ctx, conversationID, userID); err != nil {
		s.log.Warn("Failed to mark conversation seen", "conversation_id", conversationID, "error", err)
	}
	return view, nil
}

func (s *conversationService) Leave(ctx context.Context, conversationID int64, userID uuid.UUID) error {
	if _, err := s.access.AssertParticipant(ctx, userID, conversationID); err != nil {
		return err
	}

	hard, keys, err := s.conversations.SoftDelete(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !hard {
		return nil
	}

	s.log.Info("Conversation deleted by all participants", "conversation_id", conversationID)
	removeFiles(ctx, s.files, s.log, keys)
	publish(ctx, s.broadcast, s.log, domain.ConversationDeletedEvent(conversationID))
	return nil
}
