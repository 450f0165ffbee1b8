package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alumni_chat/internal/domain"
	apperrors "alumni_chat/pkg/errors"
)

func TestOpenDirect_FindsSameConversationFromBothSides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, created, err := h.svc.Conversation.OpenDirect(ctx, h.alice.ID, h.bob.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, first.Participants, 2)

	second, created, err := h.svc.Conversation.OpenDirect(ctx, h.bob.ID, h.alice.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestOpenDirect_ConcurrentCallersConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[int64]struct{})
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := h.alice.ID, h.bob.ID
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := h.svc.Conversation.OpenDirect(ctx, a, b)
			if assert.NoError(t, err) {
				mu.Lock()
				ids[conv.ID] = struct{}{}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, ids, 1)
}

func TestOpenDirect_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.svc.Conversation.OpenDirect(ctx, h.alice.ID, h.alice.ID)
	assert.ErrorIs(t, err, apperrors.ErrSelfConversation)

	_, _, err = h.svc.Conversation.OpenDirect(ctx, h.alice.ID, h.carol.ID)
	assert.ErrorIs(t, err, apperrors.ErrNoConnection)

	_, _, err = h.svc.Conversation.OpenDirect(ctx, h.alice.ID, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	dave := h.store.AddUser("dave", domain.UserTypeStudent, false)
	h.store.Connect(dave.ID, h.alice.ID)
	_, _, err = h.svc.Conversation.OpenDirect(ctx, dave.ID, h.alice.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotVerified)
}

func TestOpenDirect_ExistingConversationSurvivesRevokedConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.open(t)

	h.store.Disconnect(h.alice.ID, h.bob.ID)

	again, created, err := h.svc.Conversation.OpenDirect(ctx, h.bob.ID, h.alice.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)

	_, err = h.svc.Message.Send(ctx, conv.ID, h.bob.ID, "still here", nil)
	assert.NoError(t, err)
}

func TestList_OrdersFiltersAndCountsUnread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Connect(h.alice.ID, h.carol.ID)
	withBob := h.open(t)
	withCarol, _, err := h.svc.Conversation.OpenDirect(ctx, h.alice.ID, h.carol.ID)
	require.NoError(t, err)

	h.send(t, withCarol.ID, h.carol, "hi from carol")
	h.send(t, withBob.ID, h.bob, "hi from bob")
	h.send(t, withBob.ID, h.bob, "are you there?")

	list, err := h.svc.Conversation.List(ctx, h.alice.ID, domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, withBob.ID, list[0].Conversation.ID)
	assert.Equal(t, 2, list[0].Unread)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "are you there?", list[0].LastMessage.Text)
	assert.Equal(t, "bob", list[0].LastMessage.SenderUsername)
	assert.Equal(t, "bob", list[0].Peer.Username)
	assert.Equal(t, withCarol.ID, list[1].Conversation.ID)

	// единственный собеседник bob - alice (alumni)
	alumni, err := h.svc.Conversation.List(ctx, h.bob.ID, domain.ListFilter{PeerType: domain.UserTypeAlumni})
	require.NoError(t, err)
	assert.Len(t, alumni, 1)

	students, err := h.svc.Conversation.List(ctx, h.alice.ID, domain.ListFilter{PeerType: domain.UserTypeStudent})
	require.NoError(t, err)
	assert.Len(t, students, 2)
}

func TestView_MarksEverythingSeen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.open(t)
	m := h.send(t, conv.ID, h.bob, "hello")

	sub := h.subscribe(t, conv.ID)
	view, err := h.svc.Conversation.View(ctx, conv.ID, h.alice.ID)
	require.NoError(t, err)

	require.Len(t, view.Messages, 1)
	assert.Equal(t, *m, view.Messages[0])
	assert.Equal(t, "bob", view.Peer.Username)
	assert.False(t, view.PeerPresence.Online)

	assert.Equal(t, domain.EventMessageDelivered, next(t, sub).Type)
	assert.Equal(t, domain.EventMessagesRead, next(t, sub).Type)
	assert.True(t, h.store.HasReceipt(domain.ReceiptRead, m.ID, h.alice.ID))

	_, err = h.svc.Conversation.View(ctx, conv.ID, h.carol.ID)
	assert.ErrorIs(t, err, apperrors.ErrAccessDenied)
}

func TestLeave_SoftThenHardDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.open(t)

	_, err := h.svc.Message.Send(ctx, conv.ID, h.alice.ID, "", []domain.FileUpload{
		{Name: "cv.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
	})
	require.NoError(t, err)
	require.Len(t, h.files.Keys(), 1)

	sub := h.subscribe(t, conv.ID)

	require.NoError(t, h.svc.Conversation.Leave(ctx, conv.ID, h.alice.ID))
	list, err := h.svc.Conversation.List(ctx, h.alice.ID, domain.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = h.svc.Conversation.List(ctx, h.bob.ID, domain.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	expectNone(t, sub)

	require.NoError(t, h.svc.Conversation.Leave(ctx, conv.ID, h.bob.ID))
	ev := next(t, sub)
	assert.Equal(t, domain.EventConversationDeleted, ev.Type)
	assert.Equal(t, conv.ID, ev.ConversationID)
	assert.Empty(t, h.files.Keys())

	_, err = h.svc.Access.AssertParticipant(ctx, h.alice.ID, conv.ID)
	assert.ErrorIs(t, err, apperrors.ErrAccessDenied)
}

func TestLeave_NewMessageResurrectsConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.open(t)

	require.NoError(t, h.svc.Conversation.Leave(ctx, conv.ID, h.alice.ID))
	h.send(t, conv.ID, h.bob, "come back")

	list, err := h.svc.Conversation.List(ctx, h.alice.ID, domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID, list[0].Conversation.ID)
}

func TestSend_UpdatedAtStrictlyIncreases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	frozen := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.store.SetNow(func() time.Time { return frozen })
	conv := h.open(t)

	prev := conv.UpdatedAt
	for i := 0; i < 3; i++ {
		h.send(t, conv.ID, h.alice, "tick")
		got, err := h.store.Conversations().GetByID(ctx, conv.ID)
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.After(prev))
		prev = got.UpdatedAt
	}
}
