package domain

import "time"

type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// MessageStatus - агрегированный статус доставки/прочтения (отправитель не учитывается).
type MessageStatus struct {
	MessageID      int64 `json:"message_id"`
	Recipients     int   `json:"recipients"`
	DeliveredCount int   `json:"delivered_count"`
	ReadCount      int   `json:"read_count"`
	DeliveredToAll bool  `json:"delivered_to_all"`
	ReadByAll      bool  `json:"read_by_all"`
}

// NewMessageStatus считает флаги по числу участников за вычетом отправителя.
func NewMessageStatus(messageID int64, participants, delivered, read int) MessageStatus {
	recipients := participants - 1
	if recipients < 0 {
		recipients = 0
	}
	return MessageStatus{
		MessageID:      messageID,
		Recipients:     recipients,
		DeliveredCount: delivered,
		ReadCount:      read,
		DeliveredToAll: recipients > 0 && delivered >= recipients,
		ReadByAll:      recipients > 0 && read >= recipients,
	}
}

type Receipt struct {
	MessageID int64
	Kind      ReceiptKind
	CreatedAt time.Time
}
