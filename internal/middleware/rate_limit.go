package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"alumni_chat/internal/service"
	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

type RateLimitMiddleware struct {
	rateLimitService service.RateLimitService
	limit            int
	window           time.Duration
	log              logger.Logger
}

func NewRateLimitMiddleware(rateLimitService service.RateLimitService, limit int, window time.Duration, log logger.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		rateLimitService: rateLimitService,
		limit:            limit,
		window:           window,
		log:              log,
	}
}

// Limit ограничивает запросы пользователя (или IP, если пользователь неизвестен) в рамках scope.
func (m *RateLimitMiddleware) Limit(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.ClientIP()
		if userID, ok := UserID(c); ok {
			subject = userID.String()
		}
		key := "ratelimit:" + scope + ":" + subject

		allowed, err := m.rateLimitService.Allow(c.Request.Context(), key, m.limit, m.window)
		if err != nil {
			// Redis недоступен: пропускаем запрос
			m.log.Error("Rate limit check failed", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(m.limit))
		if !allowed {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(int(m.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": apperrors.ErrRateLimited.Error(),
				"code":  apperrors.Code(apperrors.ErrRateLimited),
			})
			return
		}
		c.Next()
	}
}
