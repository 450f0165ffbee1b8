package domain

import (
	"time"

	"github.com/google/uuid"
)

type Report struct {
	ID             int64     `json:"id"`
	ReporterID     uuid.UUID `json:"reporter_id"`
	ReportedUserID uuid.UUID `json:"reported_user_id"`
	Reason         string    `json:"reason"`
	MessageID      *int64    `json:"message_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

const MaxReportReasonLength = 2000
