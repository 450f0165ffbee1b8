package domain

import (
	"time"

	"github.com/google/uuid"
)

// Типы исходящих фреймов. Событие канала пересылается клиенту как есть.
const (
	EventNewMessage          = "new_message"
	EventMessageDelivered    = "message_delivered"
	EventMessagesRead        = "messages_read"
	EventUserStatus          = "user_status"
	EventMessageDeleted      = "message_deleted"
	EventConversationDeleted = "conversation_deleted"
	EventError               = "error"
)

type Event struct {
	Type           string          `json:"type"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Message        *MessagePayload `json:"message,omitempty"`
	MessageIDs     []int64         `json:"message_ids,omitempty"`
	UserID         *uuid.UUID      `json:"user_id,omitempty"`
	Online         *bool           `json:"online,omitempty"`
	LastSeen       *time.Time      `json:"last_seen,omitempty"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func NewMessageEvent(p MessagePayload) Event {
	return Event{Type: EventNewMessage, ConversationID: p.ConversationID, Message: &p}
}

func DeliveredEvent(conversationID int64, userID uuid.UUID, ids []int64) Event {
	return Event{Type: EventMessageDelivered, ConversationID: conversationID, UserID: &userID, MessageIDs: ids}
}

func ReadEvent(conversationID int64, userID uuid.UUID, ids []int64) Event {
	return Event{Type: EventMessagesRead, ConversationID: conversationID, UserID: &userID, MessageIDs: ids}
}

func StatusEvent(conversationID int64, p Presence) Event {
	online := p.Online
	userID := p.UserID
	return Event{Type: EventUserStatus, ConversationID: conversationID, UserID: &userID, Online: &online, LastSeen: p.LastSeen}
}

func MessageDeletedEvent(conversationID, messageID int64, userID uuid.UUID) Event {
	return Event{Type: EventMessageDeleted, ConversationID: conversationID, UserID: &userID, MessageIDs: []int64{messageID}}
}

func ConversationDeletedEvent(conversationID int64) Event {
	return Event{Type: EventConversationDeleted, ConversationID: conversationID}
}

func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Error: message}
}
