package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"alumni_chat/internal/config"
	"alumni_chat/internal/middleware"
	"alumni_chat/internal/realtime"
	"alumni_chat/internal/service"
	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

type Handlers struct {
	Health       *HealthHandler
	Conversation *ConversationHandler
	Message      *MessageHandler
	Report       *ReportHandler
	WebSocket    *WebSocketHandler
}

// HealthCheck - проверка зависимости для /health.
type HealthCheck func(ctx context.Context) error

func NewHandlers(services *service.Services, deps realtime.Deps, auth *middleware.AuthMiddleware, checks map[string]HealthCheck, cfg *config.Config, log logger.Logger) *Handlers {
	opts := realtime.DefaultOptions()
	opts.MaxFrameBytes = cfg.Realtime.MaxFrameBytes
	opts.FramesPerSecond = cfg.Realtime.FramesPerSecond
	opts.Burst = cfg.Realtime.Burst

	return &Handlers{
		Health:       NewHealthHandler(checks, log),
		Conversation: NewConversationHandler(services.Conversation, log),
		Message:      NewMessageHandler(services.Message, services.Receipt, cfg.Storage.MaxFileBytes, log),
		Report:       NewReportHandler(services.Report, log),
		WebSocket:    NewWebSocketHandler(auth, deps, opts, cfg.CORS.AllowedOrigins, log),
	}
}

// respondError переводит ошибку в JSON ответ {"error", "code"}.
func respondError(c *gin.Context, log logger.Logger, err error) {
	status := apperrors.HTTPStatusFromError(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error": apperrors.PublicMessage(err),
		"code":  apperrors.Code(err),
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message, "code": apperrors.Code(apperrors.ErrBadRequest)})
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated", "code": apperrors.Code(apperrors.ErrUnauthorized)})
		return uuid.Nil, false
	}
	return userID, true
}
