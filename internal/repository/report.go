package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"alumni_chat/internal/domain"
	"alumni_chat/pkg/logger"
)

type ReportRepository interface {
	Create(ctx context.Context, report *domain.Report) error
}

type reportRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewReportRepository(db *pgxpool.Pool, log logger.Logger) ReportRepository {
	return &reportRepository{db: db, log: log}
}

func (r *reportRepository) Create(ctx context.Context, report *domain.Report) error {
	query := `
		INSERT INTO reports (reporter_id, reported_user_id, reason, message_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		report.ReporterID, report.ReportedUserID, report.Reason, report.MessageID,
	).Scan(&report.ID, &report.CreatedAt)

	if err != nil {
		r.log.Error("Failed to create report", "error", err)
		return err
	}

	return nil
}
