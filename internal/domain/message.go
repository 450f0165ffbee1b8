package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	MaxMessageLength   = 4000
	MaxFilesPerMessage = 10

	// DisplayTimeLayout - короткий формат времени в сообщениях.
	DisplayTimeLayout = "15:04"
)

type Message struct {
	ID             int64        `json:"id"`
	ConversationID int64        `json:"conversation_id"`
	SenderID       uuid.UUID    `json:"sender_id"`
	Text           string       `json:"text"`
	CreatedAt      time.Time    `json:"created_at"`
	Attachments    []Attachment `json:"attachments"`
}

type Attachment struct {
	ID          int64     `json:"id"`
	StorageKey  string    `json:"-"`
	FileName    string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// URL - стабильный путь скачивания через API, одинаковый для всех транспортов.
func (a Attachment) URL() string {
	return fmt.Sprintf("/api/v1/attachments/%d", a.ID)
}

// FileUpload - входящий файл до сохранения в хранилище.
type FileUpload struct {
	Name        string
	ContentType string
	Data        []byte
}

// MessagePayload - единое представление сообщения для WS событий и polling ответа.
type MessagePayload struct {
	ID             int64         `json:"id"`
	ConversationID int64         `json:"conversation_id"`
	Text           string        `json:"text"`
	SenderID       uuid.UUID     `json:"sender_id"`
	SenderUsername string        `json:"sender_username"`
	Created        string        `json:"created"`
	CreatedAt      string        `json:"created_at"`
	Files          []FilePayload `json:"files"`
}

type FilePayload struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func NewMessagePayload(m *Message, senderUsername string) MessagePayload {
	created := m.CreatedAt.UTC()
	files := make([]FilePayload, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		files = append(files, FilePayload{URL: a.URL(), Name: a.FileName})
	}
	return MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Text:           m.Text,
		SenderID:       m.SenderID,
		SenderUsername: senderUsername,
		Created:        created.Format(DisplayTimeLayout),
		CreatedAt:      created.Format(time.RFC3339Nano),
		Files:          files,
	}
}
