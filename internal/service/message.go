package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"alumni_chat/internal/broadcast"
	"alumni_chat/internal/domain"
	"alumni_chat/internal/notify"
	"alumni_chat/internal/repository"
	"alumni_chat/internal/storage"
	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

const (
	pollLimit       = 500
	emailPreviewLen = 200
	notifyTimeout   = 30 * time.Second
)

type MessageService interface {
	Send(ctx context.Context, conversationID int64, senderID uuid.UUID, text string, files []domain.FileUpload) (*domain.MessagePayload, error)
	// FetchSince отдает сообщения с id > afterID и отмечает их прочитанными.
	FetchSince(ctx context.Context, conversationID int64, userID uuid.UUID, afterID int64) ([]domain.MessagePayload, error)
	Delete(ctx context.Context, conversationID, messageID int64, userID uuid.UUID) error
	// DeleteBulk удаляет только собственные сообщения; ErrForbidden, если не удалено ни одного.
	DeleteBulk(ctx context.Context, userID uuid.UUID, messageIDs []int64) ([]int64, error)
	OpenAttachment(ctx context.Context, attachmentID int64, userID uuid.UUID) (*domain.Attachment, io.ReadCloser, error)
}

type MessageDeps struct {
	Messages     repository.MessageRepository
	Access       AccessGuard
	Directory    Directory
	Receipts     ReceiptService
	Presence     PresenceService
	Files        storage.FileStore
	Broadcast    broadcast.Channel
	Notifier     notify.Notifier
	MaxFileBytes int64
}

type messageService struct {
	MessageDeps
	log logger.Logger
}

func NewMessageService(deps MessageDeps, log logger.Logger) MessageService {
	if deps.Notifier == nil {
		deps.Notifier = notify.NopNotifier{}
	}
	return &messageService{MessageDeps: deps, log: log}
}

func (s *messageService) Send(ctx context.Context, conversationID int64, senderID uuid.UUID, text string, files []domain.FileUpload) (*domain.MessagePayload, error) {
	conv, err := s.Access.AssertCanMessage(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if err := s.validate(text, files); err != nil {
		return nil, err
	}

	attachments, keys, err := s.upload(ctx, conversationID, files)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Attachments:    attachments,
	}
	if err := s.Messages.Create(ctx, msg); err != nil {
		s.log.Error("Failed to persist message", "conversation_id", conversationID, "error", err)
		removeFiles(ctx, s.Files, s.log, keys)
		return nil, err
	}

	payload := buildPayloads(ctx, s.Directory, s.log, []*domain.Message{msg})[0]
	publish(ctx, s.Broadcast, s.log, domain.NewMessageEvent(payload))

	go s.notifyRecipients(context.WithoutCancel(ctx), conv, payload)

	return &payload, nil
}

func (s *messageService) validate(text string, files []domain.FileUpload) error {
	if text == "" && len(files) == 0 {
		return apperrors.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > domain.MaxMessageLength {
		return apperrors.ErrMessageTooLong
	}
	if len(files) == 0 {
		return nil
	}
	if s.Files == nil {
		return fmt.Errorf("%w: attachments are disabled", apperrors.ErrBadRequest)
	}
	if len(files) > domain.MaxFilesPerMessage {
		return fmt.Errorf("%w: at most %d files per message", apperrors.ErrBadRequest, domain.MaxFilesPerMessage)
	}
	for _, f := range files {
		if len(f.Data) == 0 {
			return fmt.Errorf("%w: file %q is empty", apperrors.ErrBadRequest, f.Name)
		}
		if s.MaxFileBytes > 0 && int64(len(f.Data)) > s.MaxFileBytes {
			return fmt.Errorf("%w: file %q exceeds %d bytes", apperrors.ErrBadRequest, f.Name, s.MaxFileBytes)
		}
	}
	return nil
}

// upload кладет файлы в хранилище до транзакции. При ошибке уже загруженные объекты удаляются.
func (s *messageService) upload(ctx context.Context, conversationID int64, files []domain.FileUpload) ([]domain.Attachment, []string, error) {
	if len(files) == 0 {
		return nil, nil, nil
	}

	attachments := make([]domain.Attachment, 0, len(files))
	keys := make([]string, 0, len(files))
	for _, f := range files {
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		key := storage.AttachmentKey(conversationID, f.Name)
		size := int64(len(f.Data))
		if err := s.Files.Put(ctx, key, bytes.NewReader(f.Data), size, contentType); err != nil {
			s.log.Error("Failed to upload attachment", "conversation_id", conversationID, "error", err)
			removeFiles(ctx, s.Files, s.log, keys)
			return nil, nil, fmt.Errorf("upload attachment: %w", err)
		}
		keys = append(keys, key)
		attachments = append(attachments, domain.Attachment{
			StorageKey:  key,
			FileName:    storage.SanitizeFileName(f.Name),
			ContentType: contentType,
			Size:        size,
		})
	}
	return attachments, keys, nil
}

// notifyRecipients ставит письма получателям, которые их включили и сейчас не в сети.
func (s *messageService) notifyRecipients(ctx context.Context, conv *domain.Conversation, payload domain.MessagePayload) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	for _, recipientID := range conv.ParticipantIDs() {
		if recipientID == payload.SenderID {
			continue
		}
		online, err := s.Presence.IsOnline(ctx, recipientID)
		if err != nil || online {
			continue
		}
		recipient, err := s.Directory.GetUser(ctx, recipientID)
		if err != nil || !recipient.WantsMessageEmails() {
			continue
		}

		err = s.Notifier.SendEmail(ctx, notify.Email{
			To:       recipient.Email,
			UserID:   recipientID,
			Template: notify.TemplateNewMessage,
			Context: map[string]any{
				"sender_name":     payload.SenderUsername,
				"conversation_id": payload.ConversationID,
				"message_id":      payload.ID,
				"preview":         preview(payload.Text),
				"files":           len(payload.Files),
			},
		})
		if err != nil {
			s.log.Warn("Failed to enqueue new message email", "user_id", recipientID, "error", err)
		}
	}
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= emailPreviewLen {
		return text
	}
	return string([]rune(text)[:emailPreviewLen]) + "..."
}

func (s *messageService) FetchSince(ctx context.Context, conversationID int64, userID uuid.UUID, afterID int64) ([]domain.MessagePayload, error) {
	if _, err := s.Access.AssertParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if afterID < 0 {
		afterID = 0
	}

	msgs, err := s.Messages.ListAfter(ctx, conversationID, afterID, pollLimit)
	if err != nil {
		return nil, err
	}

	// Полная страница: клиент дочитает остальное следующим запросом, отмечаем только отданное.
	if len(msgs) == pollLimit {
		ids := make([]int64, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		_, err = s.Receipts.MarkRead(ctx, conversationID, userID, ids)
	} else {
		err = s.Receipts.MarkAllSeen(ctx, conversationID, userID)
	}
	if err != nil {
		s.log.Warn("Failed to record receipts on poll", "conversation_id", conversationID, "error", err)
	}

	return buildPayloads(ctx, s.Directory, s.log, msgs), nil
}

func (s *messageService) Delete(ctx context.Context, conversationID, messageID int64, userID uuid.UUID) error {
	if _, err := s.Access.AssertParticipant(ctx, userID, conversationID); err != nil {
		return err
	}

	msg, err := s.Messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != conversationID {
		return fmt.Errorf("message %d: %w", messageID, apperrors.ErrNotFound)
	}
	if msg.SenderID != userID {
		return apperrors.ErrForbidden
	}

	deleted, err := s.deleteOwned(ctx, userID, []int64{messageID})
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		return fmt.Errorf("message %d: %w", messageID, apperrors.ErrNotFound)
	}
	return nil
}

func (s *messageService) DeleteBulk(ctx context.Context, userID uuid.UUID, messageIDs []int64) ([]int64, error) {
	ids := dedupeIDs(messageIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: message_ids is empty", apperrors.ErrBadRequest)
	}

	deleted, err := s.deleteOwned(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, apperrors.ErrForbidden
	}
	return deleted, nil
}

func (s *messageService) deleteOwned(ctx context.Context, userID uuid.UUID, ids []int64) ([]int64, error) {
	deleted, keys, err := s.Messages.DeleteOwned(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	removeFiles(ctx, s.Files, s.log, keys)

	out := make([]int64, 0, len(deleted))
	for _, d := range deleted {
		publish(ctx, s.Broadcast, s.log, domain.MessageDeletedEvent(d.ConversationID, d.ID, userID))
		out = append(out, d.ID)
	}
	return out, nil
}

func (s *messageService) OpenAttachment(ctx context.Context, attachmentID int64, userID uuid.UUID) (*domain.Attachment, io.ReadCloser, error) {
	att, conversationID, err := s.Messages.GetAttachment(ctx, attachmentID)
	if errors.Is(err, apperrors.ErrNotFound) {
		// Отсутствующий файл неотличим от чужого.
		return nil, nil, apperrors.ErrAccessDenied
	}
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.Access.AssertParticipant(ctx, userID, conversationID); err != nil {
		return nil, nil, err
	}
	if s.Files == nil {
		return nil, nil, fmt.Errorf("attachment %d: %w", attachmentID, apperrors.ErrNotFound)
	}

	body, _, err := s.Files.Get(ctx, att.StorageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, nil, fmt.Errorf("attachment %d: %w", attachmentID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open attachment: %w", err)
	}
	return att, body, nil
}
