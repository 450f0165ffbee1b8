package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"alumni_chat/internal/broadcast"
	"alumni_chat/internal/config"
	"alumni_chat/internal/domain"
	"alumni_chat/internal/metrics"
	"alumni_chat/internal/notify"
	"alumni_chat/internal/repository"
	"alumni_chat/internal/storage"
	"alumni_chat/pkg/logger"
)

type Services struct {
	Access       AccessGuard
	Conversation ConversationService
	Message      MessageService
	Receipt      ReceiptService
	Presence     PresenceService
	Report       ReportService
	RateLimit    RateLimitService
}

// Infra - внешние зависимости, создаваемые в main и передаваемые явно.
type Infra struct {
	Directory Directory
	Broadcast broadcast.Channel
	Files     storage.FileStore
	Notifier  notify.Notifier
}

func NewServices(repos *repository.Repositories, infra Infra, cfg *config.Config, log logger.Logger) *Services {
	access := NewAccessGuard(repos.Conversation, infra.Directory, log)
	presence := NewPresenceService(repos.Presence, infra.Broadcast, cfg.Presence.Lease, log)
	receipts := NewReceiptService(repos.Receipt, access, infra.Broadcast, log)

	return &Services{
		Access:       access,
		Conversation: NewConversationService(repos.Conversation, repos.Message, access, infra.Directory, receipts, presence, infra.Files, infra.Broadcast, log),
		Message: NewMessageService(MessageDeps{
			Messages:     repos.Message,
			Access:       access,
			Directory:    infra.Directory,
			Receipts:     receipts,
			Presence:     presence,
			Files:        infra.Files,
			Broadcast:    infra.Broadcast,
			Notifier:     infra.Notifier,
			MaxFileBytes: cfg.Storage.MaxFileBytes,
		}, log),
		Receipt:   receipts,
		Presence:  presence,
		Report:    NewReportService(repos.Report, repos.Message, access, infra.Directory, log),
		RateLimit: NewRateLimitService(repos.RateLimit, log),
	}
}

const publishTimeout = 5 * time.Second

// publish отправляет событие в топик диалога. Ошибка публикации не откатывает уже
// сохраненные данные: клиент получит их через polling.
func publish(ctx context.Context, ch broadcast.Channel, log logger.Logger, event domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := ch.Publish(ctx, broadcast.Topic(event.ConversationID), event); err != nil {
		metrics.PublishErrors.Inc()
		log.Warn("Failed to publish event", "type", event.Type, "conversation_id", event.ConversationID, "error", err)
	}
}

// removeFiles удаляет объекты хранилища; ошибки только логируются.
func removeFiles(ctx context.Context, files storage.FileStore, log logger.Logger, keys []string) {
	if files == nil || len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	for _, key := range keys {
		if err := files.Delete(ctx, key); err != nil {
			log.Warn("Failed to remove attachment object", "key", key, "error", err)
		}
	}
}

// buildPayloads переводит сообщения в каноническое представление, подставляя имена отправителей.
func buildPayloads(ctx context.Context, directory Directory, log logger.Logger, messages []*domain.Message) []domain.MessagePayload {
	names := make(map[uuid.UUID]string)
	out := make([]domain.MessagePayload, 0, len(messages))
	for _, m := range messages {
		name, ok := names[m.SenderID]
		if !ok {
			user, err := directory.GetUser(ctx, m.SenderID)
			if err != nil {
				log.Warn("Failed to resolve sender name", "user_id", m.SenderID, "error", err)
			} else {
				name = user.Name()
			}
			names[m.SenderID] = name
		}
		out = append(out, domain.NewMessagePayload(m, name))
	}
	return out
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
