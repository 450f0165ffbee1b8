package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"alumni_chat/internal/service"
	"alumni_chat/pkg/logger"
)

type ReportHandler struct {
	reportService service.ReportService
	log           logger.Logger
}

func NewReportHandler(reportService service.ReportService, log logger.Logger) *ReportHandler {
	return &ReportHandler{
		reportService: reportService,
		log:           log,
	}
}

type CreateReportRequest struct {
	ReportedUserID uuid.UUID `json:"reported_user_id" binding:"required"`
	Reason         string    `json:"reason" binding:"required"`
	MessageID      *int64    `json:"message_id"`
}

func (h *ReportHandler) Create(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req CreateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "reported_user_id and reason are required")
		return
	}

	report, err := h.reportService.Create(c.Request.Context(), userID, req.ReportedUserID, req.Reason, req.MessageID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "report": report})
}
