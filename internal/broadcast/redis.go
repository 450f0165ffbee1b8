package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"alumni_chat/pkg/logger"
)

const subscribeAckTimeout = 5 * time.Second

// NewRedisChannel - канал поверх Redis Pub/Sub. Одно pubsub соединение на процесс,
// сообщения читаются одной горутиной, поэтому порядок внутри топика сохраняется.
func NewRedisChannel(rdb *redis.Client, bufferSize int, log logger.Logger) Channel {
	t := &redisTransport{rdb: rdb, log: log, acks: make(map[string][]chan struct{})}
	c := newChannel(t, bufferSize, log)
	t.deliver = c.dispatch
	return c
}

type redisTransport struct {
	rdb     *redis.Client
	log     logger.Logger
	deliver func(topic string, data []byte)

	mu sync.Mutex
	ps *redis.PubSub

	// acks - ожидающие подтверждения SUBSCRIBE от сервера.
	ackMu sync.Mutex
	acks  map[string][]chan struct{}
}

// subscribe возвращается только после того, как Redis подтвердил подписку:
// все, что опубликовано позже, дойдет до подписчика.
func (t *redisTransport) subscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	if t.ps == nil {
		t.ps = t.rdb.Subscribe(ctx)
		go t.run(t.ps)
	}
	ps := t.ps
	t.mu.Unlock()

	ack := t.expectAck(topic)
	if err := ps.Subscribe(ctx, topic); err != nil {
		t.dropAck(topic, ack)
		return fmt.Errorf("redis subscribe: %w", err)
	}

	timer := time.NewTimer(subscribeAckTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		t.dropAck(topic, ack)
		return fmt.Errorf("redis subscribe %s: %w", topic, ctx.Err())
	case <-timer.C:
		t.dropAck(topic, ack)
		return fmt.Errorf("redis subscribe %s: no confirmation within %s", topic, subscribeAckTimeout)
	}
}

func (t *redisTransport) expectAck(topic string) chan struct{} {
	ack := make(chan struct{})
	t.ackMu.Lock()
	t.acks[topic] = append(t.acks[topic], ack)
	t.ackMu.Unlock()
	return ack
}

func (t *redisTransport) dropAck(topic string, ack chan struct{}) {
	t.ackMu.Lock()
	defer t.ackMu.Unlock()
	waiting := t.acks[topic]
	for i, c := range waiting {
		if c == ack {
			t.acks[topic] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(t.acks[topic]) == 0 {
		delete(t.acks, topic)
	}
}

func (t *redisTransport) confirm(topic string) {
	t.ackMu.Lock()
	waiting := t.acks[topic]
	delete(t.acks, topic)
	t.ackMu.Unlock()
	for _, ack := range waiting {
		close(ack)
	}
}

func (t *redisTransport) run(ps *redis.PubSub) {
	for msg := range ps.ChannelWithSubscriptions(redis.WithChannelSize(1024)) {
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				t.confirm(m.Channel)
			}
		case *redis.Message:
			t.deliver(m.Channel, []byte(m.Payload))
		}
	}
	t.log.Debug("Redis pubsub reader stopped")
}

func (t *redisTransport) unsubscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ps == nil {
		return nil
	}
	return t.ps.Unsubscribe(ctx, topic)
}

func (t *redisTransport) publish(ctx context.Context, topic string, data []byte) error {
	return t.rdb.Publish(ctx, topic, data).Err()
}

func (t *redisTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ps == nil {
		return nil
	}
	err := t.ps.Close()
	t.ps = nil
	return err
}
