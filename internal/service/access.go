package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"alumni_chat/internal/domain"
	"alumni_chat/internal/repository"
	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

type AccessGuard interface {
	// AssertParticipant не различает "нет диалога" и "не участник": оба случая - ErrAccessDenied.
	AssertParticipant(ctx context.Context, userID uuid.UUID, conversationID int64) (*domain.Conversation, error)
	// AssertCanMessage дополнительно требует подтвержденный профиль без пометки о мошенничестве.
	AssertCanMessage(ctx context.Context, conversationID int64, userID uuid.UUID) (*domain.Conversation, error)
	AssertVerified(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	// AssertCanInitiate проверяет принятую связь; применяется только при создании диалога.
	AssertCanInitiate(ctx context.Context, a, b uuid.UUID) error
}

type accessGuard struct {
	conversations repository.ConversationRepository
	directory     Directory
	log           logger.Logger
}

func NewAccessGuard(conversations repository.ConversationRepository, directory Directory, log logger.Logger) AccessGuard {
	return &accessGuard{
		conversations: conversations,
		directory:     directory,
		log:           log,
	}
}

func (g *accessGuard) AssertParticipant(ctx context.Context, userID uuid.UUID, conversationID int64) (*domain.Conversation, error) {
	conv, err := g.conversations.GetByID(ctx, conversationID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrAccessDenied
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		g.log.Debug("Access denied to conversation", "conversation_id", conversationID, "user_id", userID)
		return nil, apperrors.ErrAccessDenied
	}
	return conv, nil
}

func (g *accessGuard) AssertCanMessage(ctx context.Context, conversationID int64, userID uuid.UUID) (*domain.Conversation, error) {
	conv, err := g.AssertParticipant(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := g.AssertVerified(ctx, userID); err != nil {
		return nil, err
	}
	return conv, nil
}

func (g *accessGuard) AssertVerified(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	user, err := g.directory.GetUser(ctx, userID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrNotVerified
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.IsVerified() {
		return nil, apperrors.ErrNotVerified
	}
	return user, nil
}

func (g *accessGuard) AssertCanInitiate(ctx context.Context, a, b uuid.UUID) error {
	if a == b {
		return apperrors.ErrSelfConversation
	}
	ok, err := g.directory.HasAcceptedConnection(ctx, a, b)
	if err != nil {
		return fmt.Errorf("check connection: %w", err)
	}
	if !ok {
		return apperrors.ErrNoConnection
	}
	return nil
}
