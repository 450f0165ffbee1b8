package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

const testSecret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, secret string, claims JWTClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(userID uuid.UUID) JWTClaims {
	return JWTClaims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "accounts",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestAuthenticate(t *testing.T) {
	m := NewAuthMiddleware(testSecret, "accounts", logger.NewNop())
	userID := uuid.New()

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, testSecret, validClaims(userID)))

		got, err := m.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, userID, got)
	})

	t.Run("query token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/?token="+sign(t, jwt.SigningMethodHS256, testSecret, validClaims(userID)), nil)

		got, err := m.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, userID, got)
	})

	t.Run("subject fallback", func(t *testing.T) {
		claims := validClaims(userID)
		claims.UserID = ""
		claims.Subject = userID.String()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS512, testSecret, claims))

		got, err := m.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, userID, got)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := m.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	})

	t.Run("expired", func(t *testing.T) {
		claims := validClaims(userID)
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, testSecret, claims))

		_, err := m.Authenticate(r)
		assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, "other", validClaims(userID)))

		_, err := m.Authenticate(r)
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := validClaims(userID)
		claims.Issuer = "someone-else"
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, testSecret, claims))

		_, err := m.Authenticate(r)
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("not a uuid", func(t *testing.T) {
		claims := validClaims(userID)
		claims.UserID = "42"
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, testSecret, claims))

		_, err := m.Authenticate(r)
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})
}

func TestRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewAuthMiddleware(testSecret, "", logger.NewNop())
	userID := uuid.New()

	router := gin.New()
	router.GET("/me", m.RequireAuth(), func(c *gin.Context) {
		id, ok := UserID(c)
		require.True(t, ok)
		c.String(http.StatusOK, id.String())
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"unauthorized"`)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, testSecret, validClaims(userID)))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID.String(), w.Body.String())
}
