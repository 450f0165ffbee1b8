package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

const ContextUserID = "user_id"

// JWTClaims - claims токена сервиса аккаунтов. user_id или sub содержит UUID пользователя.
type JWTClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// AuthMiddleware валидирует JWT токены, выпущенные сервисом аккаунтов.
type AuthMiddleware struct {
	jwtSecret []byte
	issuer    string
	log       logger.Logger
}

func NewAuthMiddleware(jwtSecret, issuer string, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
		log:       log,
	}
}

// RequireAuth требует валидный токен и кладет user_id (uuid.UUID) в контекст.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := m.Authenticate(c.Request)
		if err != nil {
			m.log.Debug("Authentication failed", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": apperrors.PublicMessage(err),
				"code":  apperrors.Code(err),
			})
			return
		}

		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// Authenticate достает пользователя из запроса. Токен берется из заголовка Authorization
// или из параметра token: браузер не умеет ставить заголовки на WebSocket.
func (m *AuthMiddleware) Authenticate(r *http.Request) (uuid.UUID, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return uuid.Nil, apperrors.ErrUnauthorized
	}

	claims, err := m.parseToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, apperrors.ErrTokenExpired
		}
		return uuid.Nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidToken, err)
	}

	raw := claims.UserID
	if raw == "" {
		raw = claims.Subject
	}
	userID, err := uuid.Parse(raw)
	if err != nil || userID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: bad user id", apperrors.ErrInvalidToken)
	}
	return userID, nil
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (m *AuthMiddleware) parseToken(tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token claims")
}

// UserID возвращает пользователя, установленного RequireAuth.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
