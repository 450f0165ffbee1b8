// Package notify ставит задания на отправку писем в очередь сервиса уведомлений.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"alumni_chat/pkg/logger"
)

const TemplateNewMessage = "new_message"

// Email - задание: шаблон и контекст для подстановки.
type Email struct {
	To       string         `json:"to"`
	UserID   uuid.UUID      `json:"user_id"`
	Template string         `json:"template"`
	Context  map[string]any `json:"context"`
}

type Notifier interface {
	SendEmail(ctx context.Context, email Email) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type KafkaNotifier struct {
	writer     messageWriter
	log        logger.Logger
	maxElapsed time.Duration
}

func NewKafkaNotifier(brokers []string, topic string, log logger.Logger) *KafkaNotifier {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
	}
	return &KafkaNotifier{writer: w, log: log, maxElapsed: 10 * time.Second}
}

func (n *KafkaNotifier) SendEmail(ctx context.Context, email Email) error {
	b, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("encode email job: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(email.UserID.String()),
		Value: b,
		Time:  time.Now(),
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = n.maxElapsed
	return backoff.RetryNotify(func() error {
		return n.writer.WriteMessages(ctx, msg)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		n.log.Warn("Email job write failed, retrying", "template", email.Template, "wait", wait, "error", err)
	})
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// NopNotifier используется, когда брокеры не настроены.
type NopNotifier struct{}

func (NopNotifier) SendEmail(context.Context, Email) error { return nil }
func (NopNotifier) Close() error                           { return nil }
