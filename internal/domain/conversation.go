package domain

import (
	"time"

	"github.com/google/uuid"
)

type Conversation struct {
	ID           int64         `json:"id"`
	UniqueKey    *string       `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Participants []Participant `json:"participants"`
	DeletedBy    []uuid.UUID   `json:"-"`
}

type Participant struct {
	ConversationID int64     `json:"-"`
	UserID         uuid.UUID `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
}

// DirectKey строит канонический ключ пары: меньший идентификатор первым.
func DirectKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return x + "-" + y
}

func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Peer возвращает второго участника диалога.
func (c *Conversation) Peer(userID uuid.UUID) (uuid.UUID, bool) {
	for _, p := range c.Participants {
		if p.UserID != userID {
			return p.UserID, true
		}
	}
	return uuid.Nil, false
}

func (c *Conversation) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// DeletedByAll - все участники скрыли диалог, его можно удалять физически.
func (c *Conversation) DeletedByAll() bool {
	if len(c.Participants) == 0 {
		return false
	}
	for _, p := range c.Participants {
		found := false
		for _, d := range c.DeletedBy {
			if d == p.UserID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ListFilter - фильтр входящих по признаку собеседника.
type ListFilter struct {
	PeerType string
}

// ConversationSummary - строка списка диалогов.
type ConversationSummary struct {
	Conversation *Conversation   `json:"conversation"`
	PeerID       uuid.UUID       `json:"-"`
	Peer         *User           `json:"peer,omitempty"`
	Last         *Message        `json:"-"`
	LastMessage  *MessagePayload `json:"last_message,omitempty"`
	Unread       int             `json:"unread"`
}

// ConversationView - экран диалога: история, собеседник и его присутствие.
type ConversationView struct {
	Conversation *Conversation    `json:"conversation"`
	Peer         *User            `json:"peer,omitempty"`
	PeerPresence Presence         `json:"peer_presence"`
	Messages     []MessagePayload `json:"messages"`
}
