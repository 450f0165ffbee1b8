package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"alumni_chat/internal/domain"
	"alumni_chat/pkg/logger"
)

type ReceiptRepository interface {
	// Insert записывает квитанции получателя userID для сообщений диалога, кроме его собственных.
	// ids == nil означает все сообщения диалога. Возвращает только вновь записанные id.
	Insert(ctx context.Context, kind domain.ReceiptKind, conversationID int64, userID uuid.UUID, ids []int64) ([]int64, error)
	Status(ctx context.Context, conversationID int64, ids []int64) ([]domain.MessageStatus, error)
}

type receiptRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewReceiptRepository(db *pgxpool.Pool, log logger.Logger) ReceiptRepository {
	return &receiptRepository{db: db, log: log}
}

func receiptTable(kind domain.ReceiptKind) (string, error) {
	switch kind {
	case domain.ReceiptDelivered:
		return "delivery_receipts", nil
	case domain.ReceiptRead:
		return "read_receipts", nil
	default:
		return "", fmt.Errorf("unknown receipt kind %q", kind)
	}
}

func (r *receiptRepository) Insert(ctx context.Context, kind domain.ReceiptKind, conversationID int64, userID uuid.UUID, ids []int64) ([]int64, error) {
	table, err := receiptTable(kind)
	if err != nil {
		return nil, err
	}

	// Дубликаты пропускаются ограничением (message_id, user_id).
	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, user_id)
		SELECT m.id, $2 FROM messages m
		WHERE m.conversation_id = $1
		AND m.sender_id <> $2
		AND ($3::bigint[] IS NULL OR m.id = ANY($3))
		ORDER BY m.id
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING message_id
	`, table)

	rows, err := r.db.Query(ctx, query, conversationID, userID, ids)
	if err != nil {
		r.log.Error("Failed to insert receipts", "kind", kind, "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("insert %s receipts: %w", kind, err)
	}
	inserted, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("insert %s receipts: %w", kind, err)
	}
	sort.Slice(inserted, func(i, j int) bool { return inserted[i] < inserted[j] })
	return inserted, nil
}

func (r *receiptRepository) Status(ctx context.Context, conversationID int64, ids []int64) ([]domain.MessageStatus, error) {
	rows, err := r.db.Query(ctx, `
		SELECT m.id,
			(SELECT count(*) FROM conversation_participants p WHERE p.conversation_id = m.conversation_id),
			(SELECT count(*) FROM delivery_receipts d WHERE d.message_id = m.id AND d.user_id <> m.sender_id),
			(SELECT count(*) FROM read_receipts rr WHERE rr.message_id = m.id AND rr.user_id <> m.sender_id)
		FROM messages m
		WHERE m.conversation_id = $1 AND m.id = ANY($2)
		ORDER BY m.id
	`, conversationID, ids)
	if err != nil {
		r.log.Error("Failed to load receipt status", "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("receipt status: %w", err)
	}
	defer rows.Close()

	var out []domain.MessageStatus
	for rows.Next() {
		var id int64
		var participants, delivered, read int
		if err := rows.Scan(&id, &participants, &delivered, &read); err != nil {
			return nil, fmt.Errorf("scan receipt status: %w", err)
		}
		out = append(out, domain.NewMessageStatus(id, participants, delivered, read))
	}
	return out, rows.Err()
}
