package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

type Repositories struct {
	Conversation ConversationRepository
	Message      MessageRepository
	Receipt      ReceiptRepository
	Presence     PresenceRepository
	Directory    DirectoryRepository
	Report       ReportRepository
	RateLimit    RateLimitRepository
}

func NewRepositories(db *pgxpool.Pool, redis *redis.Client, log logger.Logger) *Repositories {
	return &Repositories{
		Conversation: NewConversationRepository(db, log),
		Message:      NewMessageRepository(db, log),
		Receipt:      NewReceiptRepository(db, log),
		Presence:     NewPresenceRepository(redis, log),
		Directory:    NewDirectoryRepository(db, log),
		Report:       NewReportRepository(db, log),
		RateLimit:    NewRateLimitRepository(redis, log),
	}
}

// querier - общее подмножество pgxpool.Pool и pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, apperrors.ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

// collectAttachmentIDs выбирает файлы удаляемых сообщений. Вызывать до удаления сообщений,
// пока связи еще не снесены каскадом.
func collectAttachmentIDs(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("collect attachments: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect attachments: %w", err)
	}
	return ids, nil
}

// purgeOrphanAttachments удаляет файлы, на которые больше не ссылается ни одно сообщение,
// и возвращает их ключи в хранилище.
func purgeOrphanAttachments(ctx context.Context, tx pgx.Tx, ids []int64) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, `
		DELETE FROM attachments a
		WHERE a.id = ANY($1)
		AND NOT EXISTS (SELECT 1 FROM message_attachments ma WHERE ma.attachment_id = a.id)
		RETURNING a.storage_key
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("purge attachments: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("purge attachments: %w", err)
	}
	return keys, nil
}
