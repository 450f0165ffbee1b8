package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"alumni_chat/internal/broadcast"
	"alumni_chat/internal/config"
	"alumni_chat/internal/domain"
	"alumni_chat/internal/storage"
	"alumni_chat/internal/testutil"
	"alumni_chat/pkg/logger"
)

type harness struct {
	store *testutil.Store
	files *storage.MemoryStore
	mail  *testutil.Mailbox
	bus   broadcast.Channel
	svc   *Services

	alice *domain.User
	bob   *domain.User
	carol *domain.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := logger.NewNop()
	store := testutil.NewStore()
	h := &harness{
		store: store,
		files: storage.NewMemoryStore(),
		mail:  &testutil.Mailbox{},
		bus:   broadcast.NewMemoryChannel(broadcast.NewMemoryBus(), 64, log),
	}
	t.Cleanup(func() { _ = h.bus.Close() })

	cfg := &config.Config{
		Presence: config.PresenceConfig{Lease: 90 * time.Second},
		Storage:  config.StorageConfig{MaxFileBytes: 1 << 20},
	}
	h.svc = NewServices(store.Repositories(), Infra{
		Directory: store.Directory(),
		Broadcast: h.bus,
		Files:     h.files,
		Notifier:  h.mail,
	}, cfg, log)

	h.alice = store.AddUser("alice", domain.UserTypeAlumni, true)
	h.bob = store.AddUser("bob", domain.UserTypeStudent, true)
	h.carol = store.AddUser("carol", domain.UserTypeStudent, true)
	store.Connect(h.alice.ID, h.bob.ID)
	return h
}

// open создает диалог alice-bob.
func (h *harness) open(t *testing.T) *domain.Conversation {
	t.Helper()
	conv, _, err := h.svc.Conversation.OpenDirect(context.Background(), h.alice.ID, h.bob.ID)
	require.NoError(t, err)
	return conv
}

func (h *harness) subscribe(t *testing.T, conversationID int64) *broadcast.Subscription {
	t.Helper()
	sub, err := h.bus.Subscribe(context.Background(), broadcast.Topic(conversationID))
	require.NoError(t, err)
	t.Cleanup(func() { h.bus.Unsubscribe(sub) })
	return sub
}

func (h *harness) send(t *testing.T, conversationID int64, sender *domain.User, text string) *domain.MessagePayload {
	t.Helper()
	p, err := h.svc.Message.Send(context.Background(), conversationID, sender.ID, text, nil)
	require.NoError(t, err)
	return p
}

func next(t *testing.T, sub *broadcast.Subscription) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func expectNone(t *testing.T, sub *broadcast.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
