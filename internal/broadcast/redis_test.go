package broadcast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alumni_chat/internal/domain"
	"alumni_chat/internal/testutil/containers"
	"alumni_chat/pkg/logger"
)

func startRedis(t *testing.T) *containers.Redis {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container test skipped in short mode")
	}
	ctx := context.Background()
	r, err := containers.StartRedis(ctx)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { r.Terminate(ctx) })
	return r
}

func TestRedisChannel_EverySubscriptionIsLiveOnReturn(t *testing.T) {
	r := startRedis(t)
	ctx := context.Background()

	receiver := NewRedisChannel(r.NewClient(), 16, logger.NewNop())
	sender := NewRedisChannel(r.NewClient(), 16, logger.NewNop())
	t.Cleanup(func() {
		_ = receiver.Close()
		_ = sender.Close()
	})

	// Первая подписка открывает pubsub соединение, остальные идут по уже открытому.
	for i := int64(1); i <= 50; i++ {
		sub, err := receiver.Subscribe(ctx, Topic(i))
		require.NoError(t, err)

		require.NoError(t, sender.Publish(ctx, Topic(i), domain.ConversationDeletedEvent(i)))

		ev := receive(t, sub)
		assert.Equal(t, domain.EventConversationDeleted, ev.Type, "topic %d", i)
		assert.Equal(t, i, ev.ConversationID)
	}
}

func TestRedisChannel_ResubscribeAfterUnsubscribe(t *testing.T) {
	r := startRedis(t)
	ctx := context.Background()

	ch := NewRedisChannel(r.NewClient(), 16, logger.NewNop())
	t.Cleanup(func() { _ = ch.Close() })

	first, err := ch.Subscribe(ctx, Topic(7))
	require.NoError(t, err)
	ch.Unsubscribe(first)

	again, err := ch.Subscribe(ctx, Topic(7))
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, Topic(7), domain.ConversationDeletedEvent(7)))

	assert.Equal(t, domain.EventConversationDeleted, receive(t, again).Type)
}
