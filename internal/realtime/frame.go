package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"alumni_chat/internal/domain"
)

// Типы входящих фреймов.
const (
	FrameChatMessage          = "chat_message"
	FrameDeliveryConfirmation = "delivery_confirmation"
	FrameReadReceipt          = "read_receipt"
)

var (
	ErrUnknownFrame   = errors.New("unknown frame type")
	ErrMalformedFrame = errors.New("malformed frame")
)

// ClientFrame - закрытое множество входящих фреймов. Разбирается через type switch.
type ClientFrame interface {
	frameType() string
}

type ChatMessageFrame struct {
	Text  string       `json:"text"`
	Files []InlineFile `json:"files,omitempty"`
}

// InlineFile - файл внутри фрейма; Data приходит в base64.
type InlineFile struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

type DeliveryConfirmationFrame struct {
	MessageIDs []int64 `json:"message_ids"`
}

type ReadReceiptFrame struct {
	MessageIDs []int64 `json:"message_ids"`
}

func (ChatMessageFrame) frameType() string          { return FrameChatMessage }
func (DeliveryConfirmationFrame) frameType() string { return FrameDeliveryConfirmation }
func (ReadReceiptFrame) frameType() string          { return FrameReadReceipt }

// Uploads переводит вложенные файлы в формат ingestion.
func (f ChatMessageFrame) Uploads() []domain.FileUpload {
	if len(f.Files) == 0 {
		return nil
	}
	out := make([]domain.FileUpload, 0, len(f.Files))
	for _, file := range f.Files {
		out = append(out, domain.FileUpload{Name: file.Name, ContentType: file.ContentType, Data: file.Data})
	}
	return out
}

// DecodeClientFrame разбирает фрейм по полю type.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var frame ClientFrame
	var err error
	switch envelope.Type {
	case FrameChatMessage:
		var f ChatMessageFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case FrameDeliveryConfirmation:
		var f DeliveryConfirmationFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case FrameReadReceipt:
		var f ReadReceiptFrame
		err = json.Unmarshal(data, &f)
		frame = f
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, envelope.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}
