package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"alumni_chat/internal/broadcast"
	"alumni_chat/internal/domain"
	"alumni_chat/internal/metrics"
	"alumni_chat/internal/service"
	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

var ErrUnauthenticated = errors.New("unauthenticated connection")

// Deps - сервисы, которыми пользуется соединение.
type Deps struct {
	Access    service.AccessGuard
	Messages  service.MessageService
	Receipts  service.ReceiptService
	Presence  service.PresenceService
	Broadcast broadcast.Channel
}

type Options struct {
	MaxFrameBytes   int64
	FramesPerSecond float64
	Burst           int
	PongWait        time.Duration
	PingPeriod      time.Duration
	WriteWait       time.Duration
	CleanupTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxFrameBytes:   16 << 20,
		FramesPerSecond: 10,
		Burst:           20,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		WriteWait:       10 * time.Second,
		CleanupTimeout:  5 * time.Second,
	}
}

const directBuffer = 16

// Session - одно живое соединение пользователя, привязанное к одному диалогу.
// Подписка на топик живет ровно столько, сколько сокет.
type Session struct {
	id             string
	userID         uuid.UUID
	conversationID int64

	deps Deps
	opts Options
	log  logger.Logger

	sm           stateMachine
	conversation *domain.Conversation

	conn    *websocket.Conn
	sub     *broadcast.Subscription
	limiter *rate.Limiter
	direct  chan []byte

	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func NewSession(userID uuid.UUID, conversationID int64, deps Deps, opts Options, log logger.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:             id,
		userID:         userID,
		conversationID: conversationID,
		deps:           deps,
		opts:           opts,
		log:            log.With("conn_id", id, "user_id", userID, "conversation_id", conversationID),
		limiter:        rate.NewLimiter(rate.Limit(opts.FramesPerSecond), opts.Burst),
		direct:         make(chan []byte, directBuffer),
		done:           make(chan struct{}),
		writerDone:     make(chan struct{}),
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) State() State { return s.sm.current() }

// Authorize проверяет личность и членство. При отказе сессия уходит в Rejected -> Closed.
func (s *Session) Authorize(ctx context.Context) error {
	if s.userID == uuid.Nil {
		s.Reject("unauthenticated")
		return ErrUnauthenticated
	}
	if err := s.sm.transition(StateAuthenticated); err != nil {
		return err
	}

	conv, err := s.deps.Access.AssertParticipant(ctx, s.userID, s.conversationID)
	if err != nil {
		reason := "error"
		if errors.Is(err, apperrors.ErrAccessDenied) {
			reason = "access_denied"
		}
		s.Reject(reason)
		return err
	}
	s.conversation = conv
	return nil
}

// Reject закрывает сессию, которая так и не подключилась.
func (s *Session) Reject(reason string) {
	metrics.WSRejected.WithLabelValues(reason).Inc()
	if err := s.sm.transition(StateRejected); err != nil {
		s.log.Warn("Reject on session", "state", s.sm.current().String(), "error", err)
	}
	_ = s.sm.transition(StateClosed)
	s.log.Debug("Live connection rejected", "reason", reason)
}

// Abort закрывает авторизованную сессию, если апгрейд соединения не удался.
func (s *Session) Abort() {
	_ = s.sm.transition(StateClosed)
}

// Serve подписывается на топик, обслуживает соединение и возвращается после его закрытия.
func (s *Session) Serve(parent context.Context, conn *websocket.Conn) error {
	s.conn = conn
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	sub, err := s.deps.Broadcast.Subscribe(ctx, broadcast.Topic(s.conversationID))
	if err != nil {
		s.log.Error("Failed to subscribe live connection", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscribe failed"),
			time.Now().Add(s.opts.WriteWait))
		_ = conn.Close()
		_ = s.sm.transition(StateClosed)
		return err
	}
	s.sub = sub

	if err := s.sm.transition(StateJoined); err != nil {
		s.deps.Broadcast.Unsubscribe(sub)
		_ = conn.Close()
		return err
	}
	metrics.WSConnections.Inc()
	defer s.cleanup()

	s.log.Info("Live connection joined")

	if err := s.deps.Presence.Attach(ctx, s.conversationID, s.userID, s.id); err != nil {
		s.log.Warn("Failed to attach presence", "error", err)
	}
	s.sendPeerSnapshot(ctx)

	go s.writeLoop()
	s.readLoop(ctx)
	return nil
}

// cleanup выполняется на любом пути выхода из Serve.
func (s *Session) cleanup() {
	// Сначала stop: писатель должен увидеть штатное закрытие, а не конец подписки.
	s.stop()
	s.deps.Broadcast.Unsubscribe(s.sub)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CleanupTimeout)
	defer cancel()
	if err := s.deps.Presence.Detach(ctx, s.conversationID, s.userID, s.id); err != nil {
		s.log.Warn("Failed to detach presence", "error", err)
	}

	<-s.writerDone
	_ = s.conn.Close()

	metrics.WSConnections.Dec()
	if err := s.sm.transition(StateClosed); err != nil {
		s.log.Warn("Close transition failed", "error", err)
	}
	s.log.Info("Live connection closed")
}

func (s *Session) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) sendPeerSnapshot(ctx context.Context) {
	if s.conversation == nil {
		return
	}
	peerID, ok := s.conversation.Peer(s.userID)
	if !ok {
		return
	}
	snap, err := s.deps.Presence.Snapshot(ctx, peerID)
	if err != nil {
		s.log.Warn("Failed to load peer presence", "peer_id", peerID, "error", err)
		return
	}
	s.sendDirect(domain.StatusEvent(s.conversationID, snap))
}

// sendDirect ставит событие только этому соединению (снимок присутствия, ошибки).
func (s *Session) sendDirect(event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error("Failed to encode direct frame", "type", event.Type, "error", err)
		return
	}
	select {
	case s.direct <- data:
	default:
		s.log.Warn("Direct frame dropped, buffer full", "type", event.Type)
	}
}

func (s *Session) sendError(err error) {
	s.sendDirect(domain.ErrorEvent(apperrors.Code(err), apperrors.PublicMessage(err)))
}

func (s *Session) readLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Panic in live connection reader", "panic", r)
		}
	}()

	s.conn.SetReadLimit(s.opts.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		if err := s.deps.Presence.Heartbeat(ctx, s.userID, s.id); err != nil {
			s.log.Warn("Failed to renew presence lease", "error", err)
		}
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("Live connection read ended", "error", err)
			}
			return
		}

		if !s.limiter.Allow() {
			s.sendError(apperrors.ErrRateLimited)
			continue
		}

		frame, err := DecodeClientFrame(data)
		if errors.Is(err, ErrUnknownFrame) {
			s.log.Debug("Ignoring unknown frame", "error", err)
			continue
		}
		if err != nil {
			s.sendError(fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err))
			continue
		}

		if err := s.dispatch(ctx, frame); err != nil {
			s.sendError(err)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, frame ClientFrame) error {
	switch f := frame.(type) {
	case ChatMessageFrame:
		_, err := s.deps.Messages.Send(ctx, s.conversationID, s.userID, f.Text, f.Uploads())
		if err == nil {
			metrics.MessagesSent.WithLabelValues("ws").Inc()
		}
		return err
	case DeliveryConfirmationFrame:
		_, err := s.deps.Receipts.MarkDelivered(ctx, s.conversationID, s.userID, f.MessageIDs)
		return err
	case ReadReceiptFrame:
		_, err := s.deps.Receipts.MarkRead(ctx, s.conversationID, s.userID, f.MessageIDs)
		return err
	default:
		return nil
	}
}

// writeLoop - единственный писатель в сокет.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		close(s.writerDone)
	}()

	for {
		select {
		case <-s.done:
			s.writeClose(websocket.CloseNormalClosure, "")
			return

		case event, ok := <-s.sub.Events():
			if !ok {
				code, reason, ended := s.subscriptionCloseFrame()
				if !ended {
					s.writeClose(websocket.CloseNormalClosure, "")
					return
				}
				s.log.Info("Subscription ended, closing connection", "reason", s.sub.Err())
				s.writeClose(code, reason)
				_ = s.conn.Close()
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.log.Error("Failed to encode event", "type", event.Type, "error", err)
				continue
			}
			if !s.write(data) {
				return
			}

		case data := <-s.direct:
			if !s.write(data) {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

// subscriptionCloseFrame выбирает close фрейм для закрытой подписки. ended == false, если
// подписку закрыла сама сессия при остановке.
func (s *Session) subscriptionCloseFrame() (code int, reason string, ended bool) {
	select {
	case <-s.done:
		return 0, "", false
	default:
	}
	if errors.Is(s.sub.Err(), broadcast.ErrSlowConsumer) {
		return websocket.CloseTryAgainLater, "too slow, reconnect and poll", true
	}
	return websocket.CloseGoingAway, "server shutting down", true
}

func (s *Session) write(data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("Live connection write failed", "error", err)
		_ = s.conn.Close()
		return false
	}
	return true
}

func (s *Session) writeClose(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.opts.WriteWait))
}
