package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alumni_chat/internal/broadcast"
	"alumni_chat/internal/config"
	"alumni_chat/internal/domain"
	"alumni_chat/internal/notify"
	"alumni_chat/internal/service"
	"alumni_chat/internal/storage"
	"alumni_chat/internal/testutil"
	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

type env struct {
	store    *testutil.Store
	svc      *service.Services
	deps     Deps
	srv      *httptest.Server
	sessions chan *Session

	alice, bob, carol *domain.User
	conv              *domain.Conversation
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logger.NewNop()
	store := testutil.NewStore()
	bus := broadcast.NewMemoryChannel(broadcast.NewMemoryBus(), 64, log)

	e := &env{store: store, sessions: make(chan *Session, 8)}
	e.svc = service.NewServices(store.Repositories(), service.Infra{
		Directory: store.Directory(),
		Broadcast: bus,
		Files:     storage.NewMemoryStore(),
		Notifier:  notify.NopNotifier{},
	}, &config.Config{Presence: config.PresenceConfig{Lease: 90 * time.Second}}, log)

	e.deps = Deps{
		Access:    e.svc.Access,
		Messages:  e.svc.Message,
		Receipts:  e.svc.Receipt,
		Presence:  e.svc.Presence,
		Broadcast: bus,
	}

	e.alice = store.AddUser("alice", domain.UserTypeAlumni, true)
	e.bob = store.AddUser("bob", domain.UserTypeStudent, true)
	e.carol = store.AddUser("carol", domain.UserTypeStudent, true)
	store.Connect(e.alice.ID, e.bob.ID)

	conv, _, err := e.svc.Conversation.OpenDirect(context.Background(), e.alice.ID, e.bob.ID)
	require.NoError(t, err)
	e.conv = conv

	upgrader := websocket.Upgrader{}
	opts := DefaultOptions()
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := uuid.Parse(r.URL.Query().Get("user"))
		convID, _ := strconv.ParseInt(r.URL.Query().Get("conv"), 10, 64)

		s := NewSession(userID, convID, e.deps, opts, log)
		if err := s.Authorize(r.Context()); err != nil {
			e.sessions <- s
			http.Error(w, err.Error(), apperrors.HTTPStatusFromError(err))
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.Abort()
			return
		}
		e.sessions <- s
		_ = s.Serve(r.Context(), conn)
	}))

	t.Cleanup(func() {
		e.srv.Close()
		_ = bus.Close()
	})
	return e
}

func (e *env) dial(t *testing.T, user *domain.User) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "?user=" + user.ID.String() + "&conv=" + strconv.FormatInt(e.conv.ID, 10)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

// readUntil пропускает фреймы, пока не встретит подходящий.
func readUntil(t *testing.T, conn *websocket.Conn, match func(domain.Event) bool) domain.Event {
	t.Helper()
	for i := 0; i < 20; i++ {
		if ev := readEvent(t, conn); match(ev) {
			return ev
		}
	}
	t.Fatal("expected frame not received")
	return domain.Event{}
}

func statusOf(user *domain.User, online bool) func(domain.Event) bool {
	return func(ev domain.Event) bool {
		return ev.Type == domain.EventUserStatus && ev.UserID != nil && *ev.UserID == user.ID &&
			ev.Online != nil && *ev.Online == online
	}
}

func ofType(typ string) func(domain.Event) bool {
	return func(ev domain.Event) bool { return ev.Type == typ }
}

func TestSession_JoinPublishesOnlineAndSendsPeerSnapshot(t *testing.T) {
	e := newEnv(t)

	aliceConn := e.dial(t, e.alice)
	readUntil(t, aliceConn, statusOf(e.bob, false))

	e.dial(t, e.bob)
	ev := readUntil(t, aliceConn, statusOf(e.bob, true))
	assert.Equal(t, e.conv.ID, ev.ConversationID)
	assert.NotNil(t, ev.LastSeen)
}

func TestSession_ChatMessageReachesPeerWithPollingPayload(t *testing.T) {
	e := newEnv(t)
	aliceConn := e.dial(t, e.alice)
	bobConn := e.dial(t, e.bob)

	require.NoError(t, bobConn.WriteJSON(map[string]any{
		"type":  "chat_message",
		"text":  "hello over ws",
		"files": []map[string]any{{"name": "a.txt", "content_type": "text/plain", "data": []byte("abc")}},
	}))

	ev := readUntil(t, aliceConn, ofType(domain.EventNewMessage))
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hello over ws", ev.Message.Text)
	assert.Equal(t, "bob", ev.Message.SenderUsername)
	require.Len(t, ev.Message.Files, 1)

	// alice подтверждает прочтение через ws; отправитель видит квитанцию
	require.NoError(t, aliceConn.WriteJSON(map[string]any{"type": "read_receipt", "message_ids": []int64{ev.Message.ID}}))
	read := readUntil(t, bobConn, ofType(domain.EventMessagesRead))
	assert.Equal(t, []int64{ev.Message.ID}, read.MessageIDs)
	assert.Equal(t, e.alice.ID, *read.UserID)

	polled, err := e.svc.Message.FetchSince(context.Background(), e.conv.ID, e.alice.ID, 0)
	require.NoError(t, err)
	require.Len(t, polled, 1)

	live, err := json.Marshal(ev.Message)
	require.NoError(t, err)
	viaPoll, err := json.Marshal(polled[0])
	require.NoError(t, err)
	assert.Equal(t, string(live), string(viaPoll))
}

func TestSession_DomainErrorsKeepConnectionOpen(t *testing.T) {
	e := newEnv(t)
	bobConn := e.dial(t, e.bob)

	require.NoError(t, bobConn.WriteJSON(map[string]any{"type": "chat_message", "text": "   "}))
	ev := readUntil(t, bobConn, ofType(domain.EventError))
	assert.Equal(t, "empty_message", ev.Code)

	require.NoError(t, bobConn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	ev = readUntil(t, bobConn, ofType(domain.EventError))
	assert.Equal(t, "bad_request", ev.Code)

	require.NoError(t, bobConn.WriteJSON(map[string]any{
		"type":  "chat_message",
		"text":  "with a blank file",
		"files": []map[string]any{{"name": "blank.txt", "data": ""}},
	}))
	ev = readUntil(t, bobConn, ofType(domain.EventError))
	assert.Equal(t, "bad_request", ev.Code)
	assert.Equal(t, `bad request: file "blank.txt" is empty`, ev.Error)

	require.NoError(t, bobConn.WriteJSON(map[string]any{"type": "typing"}))

	unverified := *e.bob
	unverified.Profile = &domain.Profile{Verified: false}
	e.store.PutUser(&unverified)

	require.NoError(t, bobConn.WriteJSON(map[string]any{"type": "chat_message", "text": "hi"}))
	ev = readUntil(t, bobConn, ofType(domain.EventError))
	assert.Equal(t, "not_verified", ev.Code)
	assert.Equal(t, apperrors.ErrNotVerified.Error(), ev.Error)

	e.store.PutUser(e.bob)
	require.NoError(t, bobConn.WriteJSON(map[string]any{"type": "chat_message", "text": "verified again"}))
	ev = readUntil(t, bobConn, ofType(domain.EventNewMessage))
	assert.Equal(t, "verified again", ev.Message.Text)
}

func TestSession_DisconnectPublishesOfflineAndReleasesSubscription(t *testing.T) {
	e := newEnv(t)
	aliceConn := e.dial(t, e.alice)
	bobConn := e.dial(t, e.bob)
	readUntil(t, aliceConn, statusOf(e.bob, true))

	var bobSession *Session
	for i := 0; i < 2; i++ {
		s := <-e.sessions
		if s.userID == e.bob.ID {
			bobSession = s
		}
	}
	require.NotNil(t, bobSession)
	assert.Equal(t, StateJoined, bobSession.State())

	require.NoError(t, bobConn.Close())

	readUntil(t, aliceConn, statusOf(e.bob, false))
	require.Eventually(t, func() bool { return bobSession.State() == StateClosed }, 2*time.Second, 10*time.Millisecond)

	online, err := e.svc.Presence.IsOnline(context.Background(), e.bob.ID)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestSession_Rejections(t *testing.T) {
	e := newEnv(t)

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "?user=" + e.carol.ID.String() + "&conv=" + strconv.FormatInt(e.conv.ID, 10)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	s := <-e.sessions
	assert.Equal(t, StateClosed, s.State())

	anon := NewSession(uuid.Nil, e.conv.ID, e.deps, DefaultOptions(), logger.NewNop())
	assert.ErrorIs(t, anon.Authorize(context.Background()), ErrUnauthenticated)
	assert.Equal(t, StateClosed, anon.State())
}

func TestSession_SubscriptionCloseFrame(t *testing.T) {
	log := logger.NewNop()
	ctx := context.Background()

	t.Run("stopping session closes normally", func(t *testing.T) {
		ch := broadcast.NewMemoryChannel(broadcast.NewMemoryBus(), 4, log)
		t.Cleanup(func() { _ = ch.Close() })
		s := NewSession(uuid.New(), 1, Deps{Broadcast: ch}, DefaultOptions(), log)
		sub, err := ch.Subscribe(ctx, broadcast.Topic(1))
		require.NoError(t, err)
		s.sub = sub

		s.stop()
		ch.Unsubscribe(sub)

		_, _, ended := s.subscriptionCloseFrame()
		assert.False(t, ended)
	})

	t.Run("channel shutdown", func(t *testing.T) {
		ch := broadcast.NewMemoryChannel(broadcast.NewMemoryBus(), 4, log)
		s := NewSession(uuid.New(), 1, Deps{Broadcast: ch}, DefaultOptions(), log)
		sub, err := ch.Subscribe(ctx, broadcast.Topic(1))
		require.NoError(t, err)
		s.sub = sub

		require.NoError(t, ch.Close())

		code, _, ended := s.subscriptionCloseFrame()
		assert.True(t, ended)
		assert.Equal(t, websocket.CloseGoingAway, code)
	})

	t.Run("slow consumer", func(t *testing.T) {
		ch := broadcast.NewMemoryChannel(broadcast.NewMemoryBus(), 1, log)
		t.Cleanup(func() { _ = ch.Close() })
		s := NewSession(uuid.New(), 1, Deps{Broadcast: ch}, DefaultOptions(), log)
		sub, err := ch.Subscribe(ctx, broadcast.Topic(1))
		require.NoError(t, err)
		s.sub = sub

		for i := 0; i < 3; i++ {
			require.NoError(t, ch.Publish(ctx, broadcast.Topic(1), domain.MessageDeletedEvent(1, int64(i), uuid.Nil)))
		}
		require.Eventually(t, func() bool { return sub.Err() != nil }, 2*time.Second, 10*time.Millisecond)

		code, _, ended := s.subscriptionCloseFrame()
		assert.True(t, ended)
		assert.Equal(t, websocket.CloseTryAgainLater, code)
	})
}

func TestSession_ChannelShutdownClosesClientWithGoingAway(t *testing.T) {
	e := newEnv(t)
	aliceConn := e.dial(t, e.alice)
	bobConn := e.dial(t, e.bob)
	readUntil(t, aliceConn, statusOf(e.bob, true))

	require.NoError(t, e.deps.Broadcast.Close())

	_ = bobConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := bobConn.ReadMessage()
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
		return
	}
}
