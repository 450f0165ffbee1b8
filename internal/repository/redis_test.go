package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceRepository_Connections(t *testing.T) {
	repos := requireRedis(t)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, repos.Presence.AddConnection(ctx, user, "c1", time.Minute))
	require.NoError(t, repos.Presence.AddConnection(ctx, user, "c2", time.Minute))
	// повторная регистрация продлевает, а не дублирует
	require.NoError(t, repos.Presence.AddConnection(ctx, user, "c1", time.Minute))

	n, err := repos.Presence.ActiveConnections(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, repos.Presence.RemoveConnection(ctx, user, "c1"))
	n, err = repos.Presence.ActiveConnections(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repos.Presence.ActiveConnections(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPresenceRepository_ExpiredLeaseIsNotCounted(t *testing.T) {
	repos := requireRedis(t)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, repos.Presence.AddConnection(ctx, user, "stale", 50*time.Millisecond))
	require.NoError(t, repos.Presence.AddConnection(ctx, user, "live", time.Minute))

	assert.Eventually(t, func() bool {
		n, err := repos.Presence.ActiveConnections(ctx, user)
		return err == nil && n == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPresenceRepository_TouchOnlyMovesForward(t *testing.T) {
	repos := requireRedis(t)
	ctx := context.Background()
	user := uuid.New()

	seen, err := repos.Presence.LastSeen(ctx, user)
	require.NoError(t, err)
	assert.Nil(t, seen)

	later := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	require.NoError(t, repos.Presence.Touch(ctx, user, later))
	require.NoError(t, repos.Presence.Touch(ctx, user, earlier))

	seen, err = repos.Presence.LastSeen(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.True(t, seen.Equal(later))

	ttl, err := testRedis.Client.TTL(ctx, lastSeenKey(user)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 29*24*time.Hour)
}

func TestRateLimitRepository_WindowIsNotExtended(t *testing.T) {
	repos := requireRedis(t)
	ctx := context.Background()
	key := "rate:send:" + uuid.NewString()

	for want := int64(1); want <= 3; want++ {
		n, err := repos.RateLimit.Hit(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	// окно не продлевается последующими запросами
	require.NoError(t, testRedis.Client.Expire(ctx, key, 10*time.Second).Err())
	_, err := repos.RateLimit.Hit(ctx, key, time.Minute)
	require.NoError(t, err)
	ttl, err := testRedis.Client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 10*time.Second)
}

func TestRateLimitRepository_KeyWithoutTTLGetsWindow(t *testing.T) {
	repos := requireRedis(t)
	ctx := context.Background()
	key := "rate:report:" + uuid.NewString()

	// счетчик, у которого срок так и не выставился
	require.NoError(t, testRedis.Client.Set(ctx, key, 4, 0).Err())

	n, err := repos.RateLimit.Hit(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	ttl, err := testRedis.Client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}
