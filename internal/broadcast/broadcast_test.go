package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alumni_chat/internal/domain"
	"alumni_chat/pkg/logger"
)

func newTestChannel(t *testing.T, bus *MemoryBus, buffer int) Channel {
	t.Helper()
	ch := NewMemoryChannel(bus, buffer, logger.NewNop())
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func receive(t *testing.T, sub *Subscription) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Event{}
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "chat.conversation.42", Topic(42))
}

func TestPublish_ReachesSubscribersOnOtherNodes(t *testing.T) {
	bus := NewMemoryBus()
	nodeA := newTestChannel(t, bus, 16)
	nodeB := newTestChannel(t, bus, 16)
	ctx := context.Background()

	subA, err := nodeA.Subscribe(ctx, Topic(1))
	require.NoError(t, err)
	subB, err := nodeB.Subscribe(ctx, Topic(1))
	require.NoError(t, err)
	other, err := nodeB.Subscribe(ctx, Topic(2))
	require.NoError(t, err)

	require.NoError(t, nodeA.Publish(ctx, Topic(1), domain.ConversationDeletedEvent(1)))

	assert.Equal(t, domain.EventConversationDeleted, receive(t, subA).Type)
	assert.Equal(t, domain.EventConversationDeleted, receive(t, subB).Type)
	assert.Len(t, other.Events(), 0)
}

func TestPublish_PreservesOrderPerTopic(t *testing.T) {
	bus := NewMemoryBus()
	publisher := newTestChannel(t, bus, 1024)
	listener := newTestChannel(t, bus, 1024)
	ctx := context.Background()

	sub, err := listener.Subscribe(ctx, Topic(9))
	require.NoError(t, err)

	const n = 200
	for i := 1; i <= n; i++ {
		require.NoError(t, publisher.Publish(ctx, Topic(9), domain.MessageDeletedEvent(9, int64(i), uuid.Nil)))
	}

	for i := 1; i <= n; i++ {
		ev := receive(t, sub)
		require.Equal(t, []int64{int64(i)}, ev.MessageIDs)
	}
}

func TestPublish_ConcurrentPublishersKeepSameOrderForAllSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ch := newTestChannel(t, bus, 1024)
	ctx := context.Background()

	first, err := ch.Subscribe(ctx, Topic(3))
	require.NoError(t, err)
	second, err := ch.Subscribe(ctx, Topic(3))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = ch.Publish(ctx, Topic(3), domain.MessageDeletedEvent(3, int64(p*1000+i), uuid.Nil))
			}
		}(p)
	}
	wg.Wait()

	for i := 0; i < 200; i++ {
		assert.Equal(t, receive(t, first).MessageIDs, receive(t, second).MessageIDs)
	}
}

func TestUnsubscribe_ClosesEventsAndStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	ch := newTestChannel(t, bus, 16)
	ctx := context.Background()

	sub, err := ch.Subscribe(ctx, Topic(5))
	require.NoError(t, err)
	ch.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())

	require.NoError(t, ch.Publish(ctx, Topic(5), domain.ConversationDeletedEvent(5)))

	// Повторная отписка безопасна.
	ch.Unsubscribe(sub)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewMemoryBus()
	ch := newTestChannel(t, bus, 2)
	ctx := context.Background()

	slow, err := ch.Subscribe(ctx, Topic(8))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, ch.Publish(ctx, Topic(8), domain.MessageDeletedEvent(8, int64(i), uuid.Nil)))
	}

	// Буфер отдается полностью, затем канал закрывается с причиной.
	assert.Equal(t, []int64{0}, receive(t, slow).MessageIDs)
	assert.Equal(t, []int64{1}, receive(t, slow).MessageIDs)
	_, ok := <-slow.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)
}

func TestClose_EndsSubscriptionsAndRejectsNewOnes(t *testing.T) {
	bus := NewMemoryBus()
	ch := NewMemoryChannel(bus, 4, logger.NewNop())
	ctx := context.Background()

	sub, err := ch.Subscribe(ctx, Topic(1))
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrClosed)

	_, err = ch.Subscribe(ctx, Topic(1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ch.Publish(ctx, Topic(1), domain.ConversationDeletedEvent(1)), ErrClosed)
}
