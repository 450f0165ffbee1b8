package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"alumni_chat/internal/domain"
	"alumni_chat/internal/service"
	"alumni_chat/pkg/logger"
)

type ConversationHandler struct {
	conversationService service.ConversationService
	log                 logger.Logger
}

func NewConversationHandler(conversationService service.ConversationService, log logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		log:                 log,
	}
}

// List - входящие пользователя, ?peer_type=student|alumni.
func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	filter := domain.ListFilter{PeerType: c.Query("peer_type")}
	switch filter.PeerType {
	case "", domain.UserTypeStudent, domain.UserTypeAlumni:
	default:
		badRequest(c, "peer_type must be student or alumni")
		return
	}

	conversations, err := h.conversationService.List(c.Request.Context(), userID, filter)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// Open находит или создает диалог с пользователем :id.
func (h *ConversationHandler) Open(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	otherID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid user id")
		return
	}

	conv, created, err := h.conversationService.OpenDirect(c.Request.Context(), userID, otherID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversation": conv, "created": created})
}

func (h *ConversationHandler) View(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	view, err := h.conversationService.View(c.Request.Context(), conversationID, userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *ConversationHandler) Leave(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.conversationService.Leave(c.Request.Context(), conversationID, userID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
