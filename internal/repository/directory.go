package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"alumni_chat/internal/domain"
	"alumni_chat/pkg/logger"
)

// DirectoryRepository читает пользователей, профили и связи сервиса аккаунтов из общей БД.
type DirectoryRepository interface {
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	HasAcceptedConnection(ctx context.Context, a, b uuid.UUID) (bool, error)
}

type directoryRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewDirectoryRepository(db *pgxpool.Pool, log logger.Logger) DirectoryRepository {
	return &directoryRepository{db: db, log: log}
}

func (r *directoryRepository) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	query := `
		SELECT u.id, u.username, u.display_name, u.email,
			p.user_id IS NOT NULL,
			COALESCE(p.is_verified, FALSE),
			COALESCE(p.fraud_flag, FALSE),
			COALESCE(p.user_type, ''),
			COALESCE(p.email_on_new_message, FALSE)
		FROM users u
		LEFT JOIN profiles p ON p.user_id = u.id
		WHERE u.id = $1
	`

	user := &domain.User{}
	var hasProfile bool
	profile := domain.Profile{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.DisplayName, &user.Email,
		&hasProfile, &profile.Verified, &profile.FraudFlag, &profile.UserType, &profile.EmailOnNewMessage,
	)
	if err != nil {
		return nil, notFound(err, "user")
	}
	// Профиль может отсутствовать: такой пользователь считается неподтвержденным.
	if hasProfile {
		user.Profile = &profile
	}
	return user, nil
}

func (r *directoryRepository) HasAcceptedConnection(ctx context.Context, a, b uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM connections
			WHERE status = 'accepted'
			AND ((from_user_id = $1 AND to_user_id = $2) OR (from_user_id = $2 AND to_user_id = $1))
		)
	`, a, b).Scan(&ok)
	if err != nil {
		r.log.Error("Failed to check connection", "user_a", a, "user_b", b, "error", err)
		return false, fmt.Errorf("check connection: %w", err)
	}
	return ok, nil
}
