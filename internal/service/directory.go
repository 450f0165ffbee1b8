package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"alumni_chat/internal/domain"
	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

// Directory - узкий контракт сервиса аккаунтов: пользователь с профилем и принятые связи.
// isVerified и hasFraudFlag вычисляются по профилю (domain.User).
type Directory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	HasAcceptedConnection(ctx context.Context, a, b uuid.UUID) (bool, error)
}

// DirectoryClient обращается к сервису аккаунтов по HTTP через circuit breaker.
type DirectoryClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        logger.Logger
}

// NewDirectoryClient создает клиент для сервиса аккаунтов
func NewDirectoryClient(baseURL string, timeout time.Duration, log logger.Logger) *DirectoryClient {
	settings := gobreaker.Settings{
		Name:        "directory",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// 404 - нормальный ответ, он не должен размыкать цепь.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperrors.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &DirectoryClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

// directoryUserResponse - ответ GET /internal/users/{id}
type directoryUserResponse struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Profile     *struct {
		Verified          bool   `json:"verified"`
		FraudFlag         bool   `json:"fraud_flag"`
		UserType          string `json:"user_type"`
		EmailOnNewMessage bool   `json:"email_on_new_message"`
	} `json:"profile"`
}

type connectionResponse struct {
	Accepted bool `json:"accepted"`
}

func (c *DirectoryClient) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var response directoryUserResponse
	if err := c.get(ctx, "/internal/users/"+url.PathEscape(id.String()), &response); err != nil {
		return nil, err
	}

	user := &domain.User{
		ID:          response.ID,
		Username:    response.Username,
		DisplayName: response.DisplayName,
		Email:       response.Email,
	}
	if p := response.Profile; p != nil {
		user.Profile = &domain.Profile{
			Verified:          p.Verified,
			FraudFlag:         p.FraudFlag,
			UserType:          p.UserType,
			EmailOnNewMessage: p.EmailOnNewMessage,
		}
	}
	return user, nil
}

func (c *DirectoryClient) HasAcceptedConnection(ctx context.Context, a, b uuid.UUID) (bool, error) {
	q := url.Values{}
	q.Set("user_a", a.String())
	q.Set("user_b", b.String())

	var response connectionResponse
	if err := c.get(ctx, "/internal/connections?"+q.Encode(), &response); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return response.Accepted, nil
}

func (c *DirectoryClient) get(ctx context.Context, path string, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, apperrors.ErrNotFound
		}
		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("directory returned status %d: %s", resp.StatusCode, string(bodyBytes))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return nil, nil
	})
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		c.log.Warn("Directory request failed", "path", path, "error", err)
	}
	return err
}
