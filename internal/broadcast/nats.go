package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"alumni_chat/pkg/logger"
)

// NewNATSChannel - канал поверх NATS. На каждый топик одна подписка; NATS вызывает
// обработчик подписки последовательно, что сохраняет порядок.
func NewNATSChannel(nc *nats.Conn, bufferSize int, log logger.Logger) Channel {
	t := &natsTransport{nc: nc, subs: make(map[string]*nats.Subscription)}
	c := newChannel(t, bufferSize, log)
	t.deliver = c.dispatch
	return c
}

type natsTransport struct {
	nc      *nats.Conn
	deliver func(topic string, data []byte)

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func (t *natsTransport) subscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[topic]; ok {
		return nil
	}
	sub, err := t.nc.Subscribe(topic, func(m *nats.Msg) {
		t.deliver(m.Subject, m.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}
	t.subs[topic] = sub
	return nil
}

func (t *natsTransport) unsubscribe(_ context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[topic]
	if !ok {
		return nil
	}
	delete(t.subs, topic)
	return sub.Unsubscribe()
}

func (t *natsTransport) publish(_ context.Context, topic string, data []byte) error {
	return t.nc.Publish(topic, data)
}

func (t *natsTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for topic, sub := range t.subs {
		_ = sub.Unsubscribe()
		delete(t.subs, topic)
	}
	return nil
}
