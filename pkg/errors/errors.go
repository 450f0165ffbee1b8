package errors

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrBadRequest       = errors.New("bad request")
	ErrInternalServer   = errors.New("internal server error")
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrAccessDenied     = errors.New("access denied")
	ErrNotVerified      = errors.New("messaging is available after your profile is verified")
	ErrNoConnection     = errors.New("you can only message your connections")
	ErrEmptyMessage     = errors.New("message must contain text or at least one file")
	ErrSelfConversation = errors.New("you cannot chat with yourself")
	ErrMessageTooLong   = errors.New("message is too long")
)

type APIError struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(message string, code int) *APIError {
	return &APIError{
		Message: message,
		Code:    code,
	}
}

// HTTPStatusFromError сопоставляет ошибку (в том числе обернутую) с HTTP статусом.
func HTTPStatusFromError(err error) int {
	var apiErr *APIError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &apiErr):
		return apiErr.Code
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrNotVerified), errors.Is(err, ErrNoConnection):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrSelfConversation), errors.Is(err, ErrMessageTooLong):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Code возвращает машинный код ошибки для JSON ответов и WS фреймов.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
		return "unauthorized"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrNotVerified):
		return "not_verified"
	case errors.Is(err, ErrNoConnection):
		return "no_connection"
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, ErrSelfConversation):
		return "self_conversation"
	case errors.Is(err, ErrMessageTooLong):
		return "message_too_long"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}

// PublicMessage скрывает детали внутренних ошибок от клиента. Ошибка запроса вида
// fmt.Errorf("%w: detail", ErrBadRequest) отдается целиком: уточнение адресовано клиенту.
func PublicMessage(err error) string {
	status := HTTPStatusFromError(err)
	if status == http.StatusInternalServerError {
		return ErrInternalServer.Error()
	}
	for _, known := range []error{
		ErrNotFound, ErrUnauthorized, ErrInvalidToken, ErrTokenExpired, ErrAccessDenied, ErrNotVerified,
		ErrNoConnection, ErrEmptyMessage, ErrSelfConversation, ErrMessageTooLong, ErrForbidden,
		ErrBadRequest, ErrRateLimited,
	} {
		if errors.Is(err, known) {
			msg := err.Error()
			if status == http.StatusBadRequest && strings.HasPrefix(msg, known.Error()+": ") {
				return msg
			}
			return known.Error()
		}
	}
	return err.Error()
}
