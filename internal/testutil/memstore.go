// Package testutil содержит хранилище в памяти, реализующее контракты репозиториев и справочника.
// Используется в тестах сервисов, обработчиков и живых соединений.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"alumni_chat/internal/domain"
	"alumni_chat/internal/repository"
	apperrors "alumni_chat/pkg/errors"
)

type receiptKey struct {
	messageID int64
	userID    uuid.UUID
}

type storedAttachment struct {
	attachment     domain.Attachment
	conversationID int64
	messageID      int64
}

type window struct {
	count   int64
	expires time.Time
}

// Store - общее состояние. Отдельные представления (Conversations, Messages, ...) реализуют
// интерфейсы пакета repository.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	nextConversation, nextMessage, nextAttachment, nextReport int64

	conversations map[int64]*domain.Conversation
	keys          map[string]int64
	messages      map[int64]*domain.Message
	attachments   map[int64]*storedAttachment
	delivered     map[receiptKey]time.Time
	read          map[receiptKey]time.Time

	users       map[uuid.UUID]*domain.User
	connections map[string]bool

	conns    map[uuid.UUID]map[string]time.Time
	lastSeen map[uuid.UUID]time.Time

	reports  []*domain.Report
	counters map[string]*window

	// FailCreate, если задан, возвращается из Messages().Create.
	FailCreate error
	// FailReceipts, если задан, возвращается из Receipts().Insert указанное число раз.
	FailReceipts      error
	FailReceiptsTimes int
}

func NewStore() *Store {
	return &Store{
		now:           time.Now,
		conversations: make(map[int64]*domain.Conversation),
		keys:          make(map[string]int64),
		messages:      make(map[int64]*domain.Message),
		attachments:   make(map[int64]*storedAttachment),
		delivered:     make(map[receiptKey]time.Time),
		read:          make(map[receiptKey]time.Time),
		users:         make(map[uuid.UUID]*domain.User),
		connections:   make(map[string]bool),
		conns:         make(map[uuid.UUID]map[string]time.Time),
		lastSeen:      make(map[uuid.UUID]time.Time),
		counters:      make(map[string]*window),
	}
}

// SetNow подменяет часы хранилища.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Repositories собирает набор репозиториев поверх хранилища.
func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		Conversation: s.Conversations(),
		Message:      s.Messages(),
		Receipt:      s.Receipts(),
		Presence:     s.Presence(),
		Directory:    s.Directory(),
		Report:       s.Reports(),
		RateLimit:    s.RateLimits(),
	}
}

// Справочник

// AddUser регистрирует пользователя. Для verified создается подтвержденный профиль.
func (s *Store) AddUser(username, userType string, verified bool) *domain.User {
	u := &domain.User{
		ID:          uuid.New(),
		Username:    username,
		DisplayName: username,
		Email:       username + "@alumni.test",
		Profile:     &domain.Profile{Verified: verified, UserType: userType},
	}
	s.PutUser(u)
	return u
}

func (s *Store) PutUser(u *domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// Connect делает связь пары принятой; Disconnect отзывает ее.
func (s *Store) Connect(a, b uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[domain.DirectKey(a, b)] = true
}

func (s *Store) Disconnect(a, b uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, domain.DirectKey(a, b))
}

func (s *Store) Directory() repository.DirectoryRepository { return directoryView{s} }

type directoryView struct{ s *Store }

func (d directoryView) GetUser(_ context.Context, id uuid.UUID) (*domain.User, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	u, ok := d.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, apperrors.ErrNotFound)
	}
	clone := *u
	if u.Profile != nil {
		p := *u.Profile
		clone.Profile = &p
	}
	return &clone, nil
}

func (d directoryView) HasAcceptedConnection(_ context.Context, a, b uuid.UUID) (bool, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return d.s.connections[domain.DirectKey(a, b)], nil
}

// Диалоги

func cloneConversation(c *domain.Conversation) *domain.Conversation {
	out := *c
	out.Participants = append([]domain.Participant(nil), c.Participants...)
	out.DeletedBy = append([]uuid.UUID(nil), c.DeletedBy...)
	return &out
}

func cloneMessage(m *domain.Message) *domain.Message {
	out := *m
	out.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	return &out
}

func (s *Store) Conversations() repository.ConversationRepository { return conversationView{s} }

type conversationView struct{ s *Store }

func (v conversationView) FindOrCreateDirect(_ context.Context, a, b uuid.UUID) (*domain.Conversation, bool, error) {
	if a == b {
		return nil, false, apperrors.ErrSelfConversation
	}
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.DirectKey(a, b)
	if id, ok := s.keys[key]; ok {
		return cloneConversation(s.conversations[id]), false, nil
	}

	s.nextConversation++
	now := s.now()
	k := key
	conv := &domain.Conversation{
		ID:        s.nextConversation,
		UniqueKey: &k,
		CreatedAt: now,
		UpdatedAt: now,
		Participants: []domain.Participant{
			{ConversationID: s.nextConversation, UserID: a, JoinedAt: now},
			{ConversationID: s.nextConversation, UserID: b, JoinedAt: now},
		},
	}
	s.conversations[conv.ID] = conv
	s.keys[key] = conv.ID
	return cloneConversation(conv), true, nil
}

func (v conversationView) FindDirect(_ context.Context, a, b uuid.UUID) (*domain.Conversation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	id, ok := v.s.keys[domain.DirectKey(a, b)]
	if !ok {
		return nil, fmt.Errorf("conversation: %w", apperrors.ErrNotFound)
	}
	return cloneConversation(v.s.conversations[id]), nil
}

func (v conversationView) GetByID(_ context.Context, id int64) (*domain.Conversation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	conv, ok := v.s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation: %w", apperrors.ErrNotFound)
	}
	return cloneConversation(conv), nil
}

func (v conversationView) IsParticipant(_ context.Context, id int64, userID uuid.UUID) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	conv, ok := v.s.conversations[id]
	return ok && conv.HasParticipant(userID), nil
}

func (v conversationView) ListForUser(_ context.Context, userID uuid.UUID) ([]*domain.ConversationSummary, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.ConversationSummary
	for _, conv := range s.conversations {
		if !conv.HasParticipant(userID) || containsUser(conv.DeletedBy, userID) {
			continue
		}
		peerID, _ := conv.Peer(userID)
		sum := &domain.ConversationSummary{Conversation: cloneConversation(conv), PeerID: peerID}
		for _, m := range s.messages {
			if m.ConversationID != conv.ID {
				continue
			}
			if sum.Last == nil || m.ID > sum.Last.ID {
				sum.Last = cloneMessage(m)
			}
			if m.SenderID != userID {
				if _, seen := s.read[receiptKey{m.ID, userID}]; !seen {
					sum.Unread++
				}
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Conversation, out[j].Conversation
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
	return out, nil
}

func (v conversationView) SoftDelete(_ context.Context, id int64, userID uuid.UUID) (bool, []string, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return false, nil, fmt.Errorf("conversation: %w", apperrors.ErrNotFound)
	}
	if !containsUser(conv.DeletedBy, userID) {
		conv.DeletedBy = append(conv.DeletedBy, userID)
	}
	if !conv.DeletedByAll() {
		return false, nil, nil
	}

	var keys []string
	for msgID, m := range s.messages {
		if m.ConversationID == id {
			keys = append(keys, s.dropMessageLocked(msgID)...)
		}
	}
	delete(s.conversations, id)
	if conv.UniqueKey != nil {
		delete(s.keys, *conv.UniqueKey)
	}
	sort.Strings(keys)
	return true, keys, nil
}

func containsUser(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Сообщения

func (s *Store) Messages() repository.MessageRepository { return messageView{s} }

type messageView struct{ s *Store }

func (v messageView) Create(_ context.Context, m *domain.Message) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCreate != nil {
		return s.FailCreate
	}
	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		return fmt.Errorf("conversation: %w", apperrors.ErrNotFound)
	}

	at := s.now()
	if floor := conv.UpdatedAt.Add(time.Microsecond); !at.After(conv.UpdatedAt) {
		at = floor
	}
	conv.UpdatedAt = at
	m.CreatedAt = at

	s.nextMessage++
	m.ID = s.nextMessage
	for i := range m.Attachments {
		s.nextAttachment++
		m.Attachments[i].ID = s.nextAttachment
		m.Attachments[i].UploadedAt = at
		s.attachments[s.nextAttachment] = &storedAttachment{
			attachment:     m.Attachments[i],
			conversationID: m.ConversationID,
			messageID:      m.ID,
		}
	}
	s.messages[m.ID] = cloneMessage(m)
	conv.DeletedBy = nil
	return nil
}

func (v messageView) ListAfter(_ context.Context, conversationID, afterID int64, limit int) ([]*domain.Message, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := v.s.sortedMessagesLocked(conversationID, func(m *domain.Message) bool { return m.ID > afterID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v messageView) ListRecent(_ context.Context, conversationID int64, limit int) ([]*domain.Message, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := v.s.sortedMessagesLocked(conversationID, func(*domain.Message) bool { return true })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (v messageView) GetByID(_ context.Context, id int64) (*domain.Message, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	m, ok := v.s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message: %w", apperrors.ErrNotFound)
	}
	return cloneMessage(m), nil
}

func (v messageView) GetAttachment(_ context.Context, id int64) (*domain.Attachment, int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	a, ok := v.s.attachments[id]
	if !ok {
		return nil, 0, fmt.Errorf("attachment: %w", apperrors.ErrNotFound)
	}
	att := a.attachment
	return &att, a.conversationID, nil
}

func (v messageView) DeleteOwned(_ context.Context, senderID uuid.UUID, ids []int64) ([]repository.DeletedMessage, []string, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []repository.DeletedMessage
	var keys []string
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.SenderID != senderID {
			continue
		}
		deleted = append(deleted, repository.DeletedMessage{ID: id, ConversationID: m.ConversationID})
		keys = append(keys, s.dropMessageLocked(id)...)
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i].ID < deleted[j].ID })
	return deleted, keys, nil
}

func (s *Store) sortedMessagesLocked(conversationID int64, keep func(*domain.Message) bool) []*domain.Message {
	var out []*domain.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && keep(m) {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) dropMessageLocked(id int64) []string {
	var keys []string
	for attID, a := range s.attachments {
		if a.messageID == id {
			keys = append(keys, a.attachment.StorageKey)
			delete(s.attachments, attID)
		}
	}
	for k := range s.delivered {
		if k.messageID == id {
			delete(s.delivered, k)
		}
	}
	for k := range s.read {
		if k.messageID == id {
			delete(s.read, k)
		}
	}
	delete(s.messages, id)
	return keys
}

// Квитанции

func (s *Store) Receipts() repository.ReceiptRepository { return receiptView{s} }

type receiptView struct{ s *Store }

func (v receiptView) Insert(_ context.Context, kind domain.ReceiptKind, conversationID int64, userID uuid.UUID, ids []int64) ([]int64, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailReceiptsTimes > 0 {
		s.FailReceiptsTimes--
		return nil, s.FailReceipts
	}

	table := s.delivered
	if kind == domain.ReceiptRead {
		table = s.read
	}

	var wanted map[int64]bool
	if ids != nil {
		wanted = make(map[int64]bool, len(ids))
		for _, id := range ids {
			wanted[id] = true
		}
	}

	inserted := []int64{}
	for _, m := range s.sortedMessagesLocked(conversationID, func(m *domain.Message) bool { return m.SenderID != userID }) {
		if wanted != nil && !wanted[m.ID] {
			continue
		}
		key := receiptKey{m.ID, userID}
		if _, ok := table[key]; ok {
			continue
		}
		table[key] = s.now()
		inserted = append(inserted, m.ID)
	}
	return inserted, nil
}

func (v receiptView) Status(_ context.Context, conversationID int64, ids []int64) ([]domain.MessageStatus, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var out []domain.MessageStatus
	for _, m := range s.sortedMessagesLocked(conversationID, func(m *domain.Message) bool { return wanted[m.ID] }) {
		var delivered, read int
		for _, p := range conv.Participants {
			if p.UserID == m.SenderID {
				continue
			}
			if _, ok := s.delivered[receiptKey{m.ID, p.UserID}]; ok {
				delivered++
			}
			if _, ok := s.read[receiptKey{m.ID, p.UserID}]; ok {
				read++
			}
		}
		out = append(out, domain.NewMessageStatus(m.ID, len(conv.Participants), delivered, read))
	}
	return out, nil
}

// HasReceipt сообщает, записана ли квитанция пользователя на сообщение.
func (s *Store) HasReceipt(kind domain.ReceiptKind, messageID int64, userID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.delivered
	if kind == domain.ReceiptRead {
		table = s.read
	}
	_, ok := table[receiptKey{messageID, userID}]
	return ok
}

// Присутствие

func (s *Store) Presence() repository.PresenceRepository { return presenceView{s} }

type presenceView struct{ s *Store }

func (v presenceView) AddConnection(_ context.Context, userID uuid.UUID, connID string, lease time.Duration) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[userID] == nil {
		s.conns[userID] = make(map[string]time.Time)
	}
	s.conns[userID][connID] = s.now().Add(lease)
	return nil
}

func (v presenceView) RemoveConnection(_ context.Context, userID uuid.UUID, connID string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	delete(v.s.conns[userID], connID)
	return nil
}

func (v presenceView) ActiveConnections(_ context.Context, userID uuid.UUID) (int64, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for _, expires := range s.conns[userID] {
		if expires.After(now) {
			n++
		}
	}
	return n, nil
}

func (v presenceView) Touch(_ context.Context, userID uuid.UUID, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if prev, ok := v.s.lastSeen[userID]; !ok || at.After(prev) {
		v.s.lastSeen[userID] = at
	}
	return nil
}

func (v presenceView) LastSeen(_ context.Context, userID uuid.UUID) (*time.Time, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	t, ok := v.s.lastSeen[userID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Жалобы и лимиты

func (s *Store) Reports() repository.ReportRepository { return reportView{s} }

type reportView struct{ s *Store }

func (v reportView) Create(_ context.Context, r *domain.Report) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.nextReport++
	r.ID = v.s.nextReport
	r.CreatedAt = v.s.now()
	clone := *r
	v.s.reports = append(v.s.reports, &clone)
	return nil
}

// SavedReports возвращает сохраненные жалобы.
func (s *Store) SavedReports() []*domain.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Report(nil), s.reports...)
}

func (s *Store) RateLimits() repository.RateLimitRepository { return rateLimitView{s} }

type rateLimitView struct{ s *Store }

func (v rateLimitView) Hit(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	w, ok := s.counters[key]
	if !ok || !w.expires.After(now) {
		w = &window{expires: now.Add(ttl)}
		s.counters[key] = w
	}
	w.count++
	return w.count, nil
}
