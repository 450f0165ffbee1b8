package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"alumni_chat/internal/domain"
	"alumni_chat/internal/repository"
	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

type ReportService interface {
	// Create сохраняет жалобу. Сообщение, если указано, должно принадлежать обжалуемому
	// пользователю и быть видно автору жалобы.
	Create(ctx context.Context, reporterID, reportedID uuid.UUID, reason string, messageID *int64) (*domain.Report, error)
}

type reportService struct {
	reports   repository.ReportRepository
	messages  repository.MessageRepository
	access    AccessGuard
	directory Directory
	log       logger.Logger
}

func NewReportService(reports repository.ReportRepository, messages repository.MessageRepository, access AccessGuard, directory Directory, log logger.Logger) ReportService {
	return &reportService{
		reports:   reports,
		messages:  messages,
		access:    access,
		directory: directory,
		log:       log,
	}
}

func (s *reportService) Create(ctx context.Context, reporterID, reportedID uuid.UUID, reason string, messageID *int64) (*domain.Report, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", apperrors.ErrBadRequest)
	}
	if utf8.RuneCountInString(reason) > domain.MaxReportReasonLength {
		return nil, fmt.Errorf("%w: reason is too long", apperrors.ErrBadRequest)
	}
	if reporterID == reportedID {
		return nil, fmt.Errorf("%w: cannot report yourself", apperrors.ErrBadRequest)
	}
	if _, err := s.directory.GetUser(ctx, reportedID); err != nil {
		return nil, fmt.Errorf("load reported user: %w", err)
	}

	if messageID != nil {
		msg, err := s.messages.GetByID(ctx, *messageID)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrAccessDenied
		}
		if err != nil {
			return nil, err
		}
		if _, err := s.access.AssertParticipant(ctx, reporterID, msg.ConversationID); err != nil {
			return nil, err
		}
		if msg.SenderID != reportedID {
			return nil, fmt.Errorf("%w: message was not sent by the reported user", apperrors.ErrBadRequest)
		}
	}

	report := &domain.Report{
		ReporterID:     reporterID,
		ReportedUserID: reportedID,
		Reason:         reason,
		MessageID:      messageID,
	}
	if err := s.reports.Create(ctx, report); err != nil {
		return nil, err
	}

	s.log.Info("User reported", "report_id", report.ID, "reporter_id", reporterID, "reported_user_id", reportedID)
	return report, nil
}
