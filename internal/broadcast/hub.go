package broadcast

import (
	"sync"

	"alumni_chat/internal/domain"
)

// Subscription - локальный подписчик топика. Канал Events закрывается при отписке.
type Subscription struct {
	topic  string
	events chan domain.Event

	mu  sync.Mutex
	err error
}

func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) Events() <-chan domain.Event {
	return s.events
}

// Err - причина завершения подписки; nil при обычной отписке.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}

// hub раздает события локальным подписчикам процесса.
type hub struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	buffer int
}

func newHub(buffer int) *hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &hub{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

func (h *hub) add(topic string) (*Subscription, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{topic: topic, events: make(chan domain.Event, h.buffer)}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, !ok
}

// remove возвращает true, если топик остался без подписчиков.
func (h *hub) remove(sub *Subscription, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[sub.topic]
	if !ok {
		return false
	}
	if _, ok := subs[sub]; !ok {
		return false
	}
	delete(subs, sub)
	sub.finish(err)
	if len(subs) == 0 {
		delete(h.topics, sub.topic)
		return true
	}
	return false
}

func (h *hub) has(topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic]) > 0
}

// deliver не блокируется: переполненный подписчик отключается, чтобы не терять порядок.
func (h *hub) deliver(topic string, event domain.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		return false
	}
	for sub := range subs {
		select {
		case sub.events <- event:
		default:
			delete(subs, sub)
			sub.finish(ErrSlowConsumer)
		}
	}
	if len(subs) == 0 {
		delete(h.topics, topic)
		return true
	}
	return false
}

func (h *hub) closeAll(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for topic, subs := range h.topics {
		for sub := range subs {
			sub.finish(err)
		}
		delete(h.topics, topic)
	}
}
