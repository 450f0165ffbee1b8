// Package broadcast реализует межпроцессный канал событий по диалогам.
// Порядок событий одного топика для каждого подписчика совпадает с порядком публикации.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"alumni_chat/internal/domain"
	"alumni_chat/pkg/logger"
)

var (
	ErrClosed       = errors.New("broadcast channel closed")
	ErrSlowConsumer = errors.New("subscriber dropped: event buffer full")
)

// Channel - pub/sub по топикам. Один экземпляр на процесс, передается зависимостью.
type Channel interface {
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Unsubscribe(sub *Subscription)
	Publish(ctx context.Context, topic string, event domain.Event) error
	Close() error
}

// Topic возвращает имя топика диалога.
func Topic(conversationID int64) string {
	return fmt.Sprintf("chat.conversation.%d", conversationID)
}

// transport доставляет сериализованные события между процессами.
type transport interface {
	subscribe(ctx context.Context, topic string) error
	unsubscribe(ctx context.Context, topic string) error
	publish(ctx context.Context, topic string, data []byte) error
	close() error
}

type channel struct {
	t      transport
	hub    *hub
	log    logger.Logger
	mu     sync.Mutex
	closed bool
}

func newChannel(t transport, bufferSize int, log logger.Logger) *channel {
	return &channel{
		t:   t,
		hub: newHub(bufferSize),
		log: log,
	}
}

func (c *channel) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	sub, first := c.hub.add(topic)
	if first {
		if err := c.t.subscribe(ctx, topic); err != nil {
			c.hub.remove(sub, err)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return sub, nil
}

func (c *channel) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hub.remove(sub, nil) && !c.closed {
		c.unsubscribeUpstream(sub.topic)
	}
}

func (c *channel) Publish(ctx context.Context, topic string, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := c.t.publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.hub.closeAll(ErrClosed)
	return c.t.close()
}

// dispatch вызывается транспортом последовательно для каждого топика.
func (c *channel) dispatch(topic string, data []byte) {
	var event domain.Event
	if err := json.Unmarshal(data, &event); err != nil {
		c.log.Warn("Dropping malformed broadcast event", "topic", topic, "error", err)
		return
	}
	if emptied := c.hub.deliver(topic, event); emptied {
		go c.release(topic)
	}
}

// release снимает подписку транспорта, если локальных подписчиков не осталось.
func (c *channel) release(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.hub.has(topic) {
		return
	}
	c.unsubscribeUpstream(topic)
}

func (c *channel) unsubscribeUpstream(topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.t.unsubscribe(ctx, topic); err != nil {
		c.log.Warn("Failed to unsubscribe topic", "topic", topic, "error", err)
	}
}
