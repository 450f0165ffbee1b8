package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"alumni_chat/internal/domain"
	"alumni_chat/pkg/logger"
)

// DeletedMessage - удаленное сообщение и диалог, в который нужно отправить событие.
type DeletedMessage struct {
	ID             int64
	ConversationID int64
}

type MessageRepository interface {
	// Create в одной транзакции поднимает updated_at диалога, сохраняет файлы, сообщение
	// и снимает отметки об удалении диалога.
	Create(ctx context.Context, message *domain.Message) error
	ListAfter(ctx context.Context, conversationID, afterID int64, limit int) ([]*domain.Message, error)
	// ListRecent возвращает последние limit сообщений в порядке возрастания id.
	ListRecent(ctx context.Context, conversationID int64, limit int) ([]*domain.Message, error)
	GetByID(ctx context.Context, id int64) (*domain.Message, error)
	GetAttachment(ctx context.Context, id int64) (*domain.Attachment, int64, error)
	// DeleteOwned удаляет только сообщения отправителя senderID.
	DeleteOwned(ctx context.Context, senderID uuid.UUID, ids []int64) ([]DeletedMessage, []string, error)
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

func (r *messageRepository) Create(ctx context.Context, message *domain.Message) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Строгое возрастание updated_at даже при совпадении часов; заодно блокирует строку диалога.
	err = tx.QueryRow(ctx, `
		UPDATE conversations
		SET updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')
		WHERE id = $1
		RETURNING updated_at
	`, message.ConversationID).Scan(&message.CreatedAt)
	if err != nil {
		return notFound(err, "conversation")
	}

	for i := range message.Attachments {
		a := &message.Attachments[i]
		err := tx.QueryRow(ctx, `
			INSERT INTO attachments (storage_key, file_name, content_type, size, uploaded_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, a.StorageKey, a.FileName, a.ContentType, a.Size, message.CreatedAt).Scan(&a.ID)
		if err != nil {
			r.log.Error("Failed to save attachment", "key", a.StorageKey, "error", err)
			return fmt.Errorf("save attachment: %w", err)
		}
		a.UploadedAt = message.CreatedAt
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, text, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, message.ConversationID, message.SenderID, message.Text, message.CreatedAt).Scan(&message.ID)
	if err != nil {
		r.log.Error("Failed to create message", "conversation_id", message.ConversationID, "error", err)
		return fmt.Errorf("create message: %w", err)
	}

	for i, a := range message.Attachments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO message_attachments (message_id, attachment_id, position)
			VALUES ($1, $2, $3)
		`, message.ID, a.ID, i); err != nil {
			return fmt.Errorf("link attachment: %w", err)
		}
	}

	// Воскрешение диалога
	if _, err := tx.Exec(ctx, `DELETE FROM conversation_deletions WHERE conversation_id = $1`, message.ConversationID); err != nil {
		return fmt.Errorf("resurrect conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *messageRepository) ListAfter(ctx context.Context, conversationID, afterID int64, limit int) ([]*domain.Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, conversation_id, sender_id, text, created_at
		FROM messages
		WHERE conversation_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, conversationID, afterID, limit)
	if err != nil {
		r.log.Error("Failed to list messages", "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadAttachments(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) ListRecent(ctx context.Context, conversationID int64, limit int) ([]*domain.Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, conversation_id, sender_id, text, created_at FROM (
			SELECT id, conversation_id, sender_id, text, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC
	`, conversationID, limit)
	if err != nil {
		r.log.Error("Failed to list recent messages", "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadAttachments(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	m := &domain.Message{}
	err := r.db.QueryRow(ctx, `
		SELECT id, conversation_id, sender_id, text, created_at
		FROM messages
		WHERE id = $1
	`, id).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err, "message")
	}
	if err := r.loadAttachments(ctx, []*domain.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// GetAttachment возвращает файл и диалог, к которому он прикреплен.
func (r *messageRepository) GetAttachment(ctx context.Context, id int64) (*domain.Attachment, int64, error) {
	a := &domain.Attachment{}
	var conversationID int64
	err := r.db.QueryRow(ctx, `
		SELECT a.id, a.storage_key, a.file_name, a.content_type, a.size, a.uploaded_at, m.conversation_id
		FROM attachments a
		JOIN message_attachments ma ON ma.attachment_id = a.id
		JOIN messages m ON m.id = ma.message_id
		WHERE a.id = $1
		ORDER BY m.id
		LIMIT 1
	`, id).Scan(&a.ID, &a.StorageKey, &a.FileName, &a.ContentType, &a.Size, &a.UploadedAt, &conversationID)
	if err != nil {
		return nil, 0, notFound(err, "attachment")
	}
	return a, conversationID, nil
}

func (r *messageRepository) loadAttachments(ctx context.Context, messages []*domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	byID := make(map[int64]*domain.Message, len(messages))
	ids := make([]int64, 0, len(messages))
	for _, m := range messages {
		m.Attachments = []domain.Attachment{}
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT ma.message_id, a.id, a.storage_key, a.file_name, a.content_type, a.size, a.uploaded_at
		FROM message_attachments ma
		JOIN attachments a ON a.id = ma.attachment_id
		WHERE ma.message_id = ANY($1)
		ORDER BY ma.message_id, ma.position
	`, ids)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID int64
		var a domain.Attachment
		if err := rows.Scan(&messageID, &a.ID, &a.StorageKey, &a.FileName, &a.ContentType, &a.Size, &a.UploadedAt); err != nil {
			return fmt.Errorf("scan attachment: %w", err)
		}
		if m, ok := byID[messageID]; ok {
			m.Attachments = append(m.Attachments, a)
		}
	}
	return rows.Err()
}

func (r *messageRepository) DeleteOwned(ctx context.Context, senderID uuid.UUID, ids []int64) ([]DeletedMessage, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	attachmentIDs, err := collectAttachmentIDs(ctx, tx, `
		SELECT ma.attachment_id FROM message_attachments ma
		JOIN messages m ON m.id = ma.message_id
		WHERE m.id = ANY($1) AND m.sender_id = $2
	`, ids, senderID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := tx.Query(ctx, `
		DELETE FROM messages
		WHERE id = ANY($1) AND sender_id = $2
		RETURNING id, conversation_id
	`, ids, senderID)
	if err != nil {
		r.log.Error("Failed to delete messages", "sender_id", senderID, "error", err)
		return nil, nil, fmt.Errorf("delete messages: %w", err)
	}
	var deleted []DeletedMessage
	for rows.Next() {
		var d DeletedMessage
		if err := rows.Scan(&d.ID, &d.ConversationID); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan deleted message: %w", err)
		}
		deleted = append(deleted, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	keys, err := purgeOrphanAttachments(ctx, tx, attachmentIDs)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	sort.Slice(deleted, func(i, j int) bool { return deleted[i].ID < deleted[j].ID })
	return deleted, keys, nil
}
