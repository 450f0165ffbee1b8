package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"alumni_chat/internal/middleware"
	"alumni_chat/internal/realtime"
	apperrors "alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

type WebSocketHandler struct {
	auth     *middleware.AuthMiddleware
	deps     realtime.Deps
	opts     realtime.Options
	upgrader websocket.Upgrader
	log      logger.Logger
}

func NewWebSocketHandler(auth *middleware.AuthMiddleware, deps realtime.Deps, opts realtime.Options, allowedOrigins []string, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		auth: auth,
		deps: deps,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

// originChecker пропускает запросы без Origin (не браузер) и origin из списка CORS.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// HandleConversation - GET /ws/conversations/:id. Отказ (401/403) отдается до апгрейда.
func (h *WebSocketHandler) HandleConversation(c *gin.Context) {
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	userID, authErr := h.auth.Authenticate(c.Request)
	session := realtime.NewSession(userID, conversationID, h.deps, h.opts, h.log)
	if authErr != nil {
		session.Reject("unauthenticated")
		respondError(c, h.log, apperrors.ErrUnauthorized)
		return
	}

	if err := session.Authorize(c.Request.Context()); err != nil {
		respondError(c, h.log, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", "conversation_id", conversationID, "error", err)
		session.Abort()
		return
	}

	if err := session.Serve(c.Request.Context(), conn); err != nil {
		h.log.Warn("Live connection ended with error", "conversation_id", conversationID, "error", err)
	}
}
