package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alumni_chat/internal/domain"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestPresence_OnlineWhileAnyConnectionAttached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.open(t)
	sub := h.subscribe(t, conv.ID)

	require.NoError(t, h.svc.Presence.Attach(ctx, conv.ID, h.bob.ID, "tab-1"))
	ev := next(t, sub)
	assert.Equal(t, domain.EventUserStatus, ev.Type)
	assert.True(t, *ev.Online)
	assert.Equal(t, h.bob.ID, *ev.UserID)
	assert.NotNil(t, ev.LastSeen)

	require.NoError(t, h.svc.Presence.Attach(ctx, conv.ID, h.bob.ID, "tab-2"))
	next(t, sub)

	require.NoError(t, h.svc.Presence.Detach(ctx, conv.ID, h.bob.ID, "tab-1"))
	assert.True(t, *next(t, sub).Online)

	require.NoError(t, h.svc.Presence.Detach(ctx, conv.ID, h.bob.ID, "tab-2"))
	assert.False(t, *next(t, sub).Online)

	online, err := h.svc.Presence.IsOnline(ctx, h.bob.ID)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresence_ExpiredLeaseIsOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	h.store.SetNow(clock.Now)

	require.NoError(t, h.svc.Presence.Heartbeat(ctx, h.bob.ID, "crashed-node-conn"))
	snap, err := h.svc.Presence.Snapshot(ctx, h.bob.ID)
	require.NoError(t, err)
	assert.True(t, snap.Online)

	clock.Advance(60 * time.Second)
	require.NoError(t, h.svc.Presence.Heartbeat(ctx, h.bob.ID, "crashed-node-conn"))

	clock.Advance(91 * time.Second)
	snap, err = h.svc.Presence.Snapshot(ctx, h.bob.ID)
	require.NoError(t, err)
	assert.False(t, snap.Online)
	require.NotNil(t, snap.LastSeen)
}

func TestPresence_LastSeenIsMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.svc.Presence.(*presenceService)

	later := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return later }
	require.NoError(t, svc.Touch(ctx, h.bob.ID))

	svc.now = func() time.Time { return later.Add(-time.Hour) }
	require.NoError(t, svc.Touch(ctx, h.bob.ID))

	snap, err := svc.Snapshot(ctx, h.bob.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.LastSeen)
	assert.True(t, snap.LastSeen.Equal(later))
}
