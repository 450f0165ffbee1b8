package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"alumni_chat/internal/domain"
	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

type ConversationRepository interface {
	// FindOrCreateDirect возвращает диалог пары и признак того, что он только что создан.
	FindOrCreateDirect(ctx context.Context, a, b uuid.UUID) (*domain.Conversation, bool, error)
	// FindDirect ищет существующий диалог пары, не создавая его.
	FindDirect(ctx context.Context, a, b uuid.UUID) (*domain.Conversation, error)
	GetByID(ctx context.Context, id int64) (*domain.Conversation, error)
	IsParticipant(ctx context.Context, id int64, userID uuid.UUID) (bool, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.ConversationSummary, error)
	// SoftDelete скрывает диалог для пользователя. Когда скрыли все участники, диалог удаляется
	// вместе с сообщениями; возвращаются ключи файлов, которые нужно убрать из хранилища.
	SoftDelete(ctx context.Context, id int64, userID uuid.UUID) (bool, []string, error)
}

type conversationRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewConversationRepository(db *pgxpool.Pool, log logger.Logger) ConversationRepository {
	return &conversationRepository{db: db, log: log}
}

func (r *conversationRepository) FindOrCreateDirect(ctx context.Context, a, b uuid.UUID) (*domain.Conversation, bool, error) {
	if a == b {
		return nil, false, apperrors.ErrSelfConversation
	}
	key := domain.DirectKey(a, b)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var id int64
	created := true
	// Конкурентная вставка того же ключа ждет чужую транзакцию и уходит в DO NOTHING.
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (unique_key)
		VALUES ($1)
		ON CONFLICT (unique_key) DO NOTHING
		RETURNING id
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		err = tx.QueryRow(ctx, `SELECT id FROM conversations WHERE unique_key = $1`, key).Scan(&id)
	}
	if err != nil {
		r.log.Error("Failed to find or create conversation", "key", key, "error", err)
		return nil, false, fmt.Errorf("find or create conversation: %w", err)
	}

	if created {
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id)
			VALUES ($1, $2), ($1, $3)
		`, id, a, b)
		if err != nil {
			r.log.Error("Failed to add participants", "conversation_id", id, "error", err)
			return nil, false, fmt.Errorf("add participants: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	conv, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

func (r *conversationRepository) FindDirect(ctx context.Context, a, b uuid.UUID) (*domain.Conversation, error) {
	var id int64
	err := r.db.QueryRow(ctx, `SELECT id FROM conversations WHERE unique_key = $1`, domain.DirectKey(a, b)).Scan(&id)
	if err != nil {
		return nil, notFound(err, "conversation")
	}
	return r.GetByID(ctx, id)
}

func (r *conversationRepository) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	return getConversation(ctx, r.db, id)
}

func getConversation(ctx context.Context, q querier, id int64) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	err := q.QueryRow(ctx, `
		SELECT id, unique_key, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`, id).Scan(&conv.ID, &conv.UniqueKey, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "conversation")
	}

	rows, err := q.Query(ctx, `
		SELECT user_id, joined_at
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at, user_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	for rows.Next() {
		p := domain.Participant{ConversationID: id}
		if err := rows.Scan(&p.UserID, &p.JoinedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		conv.Participants = append(conv.Participants, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx, `SELECT user_id FROM conversation_deletions WHERE conversation_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("load deletions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan deletion: %w", err)
		}
		conv.DeletedBy = append(conv.DeletedBy, userID)
	}
	return conv, rows.Err()
}

func (r *conversationRepository) IsParticipant(ctx context.Context, id int64, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`, id, userID).Scan(&ok)
	if err != nil {
		r.log.Error("Failed to check participant", "conversation_id", id, "error", err)
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.ConversationSummary, error) {
	query := `
		SELECT c.id, c.created_at, c.updated_at, me.joined_at, peer.user_id, peer.joined_at,
			lm.id, lm.sender_id, lm.text, lm.created_at,
			(
				SELECT count(*) FROM messages m
				WHERE m.conversation_id = c.id AND m.sender_id <> $1
				AND NOT EXISTS (SELECT 1 FROM read_receipts rr WHERE rr.message_id = m.id AND rr.user_id = $1)
			) AS unread
		FROM conversations c
		JOIN conversation_participants me ON me.conversation_id = c.id AND me.user_id = $1
		JOIN conversation_participants peer ON peer.conversation_id = c.id AND peer.user_id <> $1
		LEFT JOIN LATERAL (
			SELECT id, sender_id, text, created_at FROM messages
			WHERE conversation_id = c.id
			ORDER BY id DESC
			LIMIT 1
		) lm ON TRUE
		WHERE NOT EXISTS (
			SELECT 1 FROM conversation_deletions d
			WHERE d.conversation_id = c.id AND d.user_id = $1
		)
		ORDER BY c.updated_at DESC, c.id DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.log.Error("Failed to list conversations", "user_id", userID, "error", err)
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*domain.ConversationSummary
	for rows.Next() {
		var (
			conv               domain.Conversation
			myJoined, peerJoin time.Time
			peerID             uuid.UUID
			lastID             *int64
			lastSender         *uuid.UUID
			lastText           *string
			lastCreated        *time.Time
			unread             int
		)
		if err := rows.Scan(
			&conv.ID, &conv.CreatedAt, &conv.UpdatedAt, &myJoined, &peerID, &peerJoin,
			&lastID, &lastSender, &lastText, &lastCreated, &unread,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.Participants = []domain.Participant{
			{ConversationID: conv.ID, UserID: userID, JoinedAt: myJoined},
			{ConversationID: conv.ID, UserID: peerID, JoinedAt: peerJoin},
		}

		summary := &domain.ConversationSummary{Conversation: &conv, PeerID: peerID, Unread: unread}
		if lastID != nil {
			summary.Last = &domain.Message{
				ID:             *lastID,
				ConversationID: conv.ID,
				SenderID:       *lastSender,
				Text:           *lastText,
				CreatedAt:      *lastCreated,
			}
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

func (r *conversationRepository) SoftDelete(ctx context.Context, id int64, userID uuid.UUID) (bool, []string, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Блокировка строки сериализует удаление с отправкой сообщений (воскрешением).
	var locked int64
	if err := tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, id).Scan(&locked); err != nil {
		return false, nil, notFound(err, "conversation")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversation_deletions (conversation_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, id, userID); err != nil {
		return false, nil, fmt.Errorf("mark deleted: %w", err)
	}

	var remaining int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM conversation_participants p
		WHERE p.conversation_id = $1
		AND NOT EXISTS (
			SELECT 1 FROM conversation_deletions d
			WHERE d.conversation_id = p.conversation_id AND d.user_id = p.user_id
		)
	`, id).Scan(&remaining)
	if err != nil {
		return false, nil, fmt.Errorf("count remaining participants: %w", err)
	}

	if remaining > 0 {
		return false, nil, tx.Commit(ctx)
	}

	attachmentIDs, err := collectAttachmentIDs(ctx, tx, `
		SELECT ma.attachment_id FROM message_attachments ma
		JOIN messages m ON m.id = ma.message_id
		WHERE m.conversation_id = $1
	`, id)
	if err != nil {
		return false, nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return false, nil, fmt.Errorf("delete conversation: %w", err)
	}

	keys, err := purgeOrphanAttachments(ctx, tx, attachmentIDs)
	if err != nil {
		return false, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("commit: %w", err)
	}

	r.log.Info("Conversation hard-deleted", "conversation_id", id, "files", len(keys))
	return true, keys, nil
}
