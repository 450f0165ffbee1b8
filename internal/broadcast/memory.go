package broadcast

import (
	"context"
	"sync"

	"alumni_chat/pkg/logger"
)

// MemoryBus связывает каналы внутри одного процесса. Несколько каналов на одной шине
// ведут себя как разные инстансы сервера.
type MemoryBus struct {
	mu    sync.Mutex
	nodes map[*memoryTransport]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{nodes: make(map[*memoryTransport]struct{})}
}

func NewMemoryChannel(bus *MemoryBus, bufferSize int, log logger.Logger) Channel {
	t := &memoryTransport{bus: bus, topics: make(map[string]struct{})}
	c := newChannel(t, bufferSize, log)
	t.deliver = c.dispatch

	bus.mu.Lock()
	bus.nodes[t] = struct{}{}
	bus.mu.Unlock()
	return c
}

type memoryTransport struct {
	bus     *MemoryBus
	deliver func(topic string, data []byte)

	mu     sync.Mutex
	topics map[string]struct{}
}

func (t *memoryTransport) subscribe(_ context.Context, topic string) error {
	t.mu.Lock()
	t.topics[topic] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *memoryTransport) unsubscribe(_ context.Context, topic string) error {
	t.mu.Lock()
	delete(t.topics, topic)
	t.mu.Unlock()
	return nil
}

// publish держит блокировку шины на время доставки: это задает общий порядок публикаций.
func (t *memoryTransport) publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()

	if _, ok := t.bus.nodes[t]; !ok {
		return ErrClosed
	}
	for node := range t.bus.nodes {
		node.mu.Lock()
		_, ok := node.topics[topic]
		node.mu.Unlock()
		if ok {
			node.deliver(topic, data)
		}
	}
	return nil
}

func (t *memoryTransport) close() error {
	t.bus.mu.Lock()
	delete(t.bus.nodes, t)
	t.bus.mu.Unlock()
	return nil
}
