package handler

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"alumni_chat/internal/domain"
	"alumni_chat/internal/metrics"
	"alumni_chat/internal/service"
	"alumni_chat/pkg/logger"
)

type MessageHandler struct {
	messageService service.MessageService
	receiptService service.ReceiptService
	maxFileBytes   int64
	log            logger.Logger
}

func NewMessageHandler(messageService service.MessageService, receiptService service.ReceiptService, maxFileBytes int64, log logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: messageService,
		receiptService: receiptService,
		maxFileBytes:   maxFileBytes,
		log:            log,
	}
}

// Poll - резервный транспорт: сообщения с id > after в порядке возрастания.
func (h *MessageHandler) Poll(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		badRequest(c, "invalid after")
		return
	}

	messages, err := h.messageService.FetchSince(c.Request.Context(), conversationID, userID, after)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "messages": messages})
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

// Send принимает JSON {text} или multipart с полем text и файлами files.
func (h *MessageHandler) Send(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var (
		text  string
		files []domain.FileUpload
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		var err error
		text = c.PostForm("text")
		files, err = h.readFiles(c)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
	} else {
		var req SendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		text = req.Text
	}

	payload, err := h.messageService.Send(c.Request.Context(), conversationID, userID, text, files)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	metrics.MessagesSent.WithLabelValues("http").Inc()
	c.JSON(http.StatusCreated, gin.H{"ok": true, "message": payload})
}

func (h *MessageHandler) readFiles(c *gin.Context) ([]domain.FileUpload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("invalid multipart form")
	}
	headers := form.File["files"]
	if len(headers) > domain.MaxFilesPerMessage {
		return nil, fmt.Errorf("at most %d files per message", domain.MaxFilesPerMessage)
	}

	files := make([]domain.FileUpload, 0, len(headers))
	for _, fh := range headers {
		if h.maxFileBytes > 0 && fh.Size > h.maxFileBytes {
			return nil, fmt.Errorf("file %q is too large", fh.Filename)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("cannot read file %q", fh.Filename)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("cannot read file %q", fh.Filename)
		}
		files = append(files, domain.FileUpload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return files, nil
}

func (h *MessageHandler) Delete(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	messageID, ok := parseIDParam(c, "messageId")
	if !ok {
		return
	}

	if err := h.messageService.Delete(c.Request.Context(), conversationID, messageID, userID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "deleted": []int64{messageID}})
}

type MessageIDsRequest struct {
	MessageIDs []int64 `json:"message_ids" binding:"required"`
}

func (h *MessageHandler) DeleteBulk(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req MessageIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "message_ids is required")
		return
	}

	deleted, err := h.messageService.DeleteBulk(c.Request.Context(), userID, req.MessageIDs)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "deleted": deleted})
}

func (h *MessageHandler) MarkDelivered(c *gin.Context) {
	h.markReceipts(c, h.receiptService.MarkDelivered)
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	h.markReceipts(c, h.receiptService.MarkRead)
}

type receiptFunc func(ctx context.Context, conversationID int64, userID uuid.UUID, ids []int64) ([]int64, error)

func (h *MessageHandler) markReceipts(c *gin.Context, mark receiptFunc) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req MessageIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "message_ids is required")
		return
	}

	recorded, err := mark(c.Request.Context(), conversationID, userID, req.MessageIDs)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if recorded == nil {
		recorded = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "recorded": recorded})
}

// Status - агрегированный статус доставки, ?ids=1,2,3.
func (h *MessageHandler) Status(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var ids []int64
	for _, part := range strings.Split(c.Query("ids"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			badRequest(c, "invalid ids")
			return
		}
		ids = append(ids, id)
	}

	statuses, err := h.receiptService.Status(c.Request.Context(), conversationID, userID, ids)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "statuses": statuses})
}

// Attachment отдает содержимое файла участнику диалога.
func (h *MessageHandler) Attachment(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	attachmentID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	att, body, err := h.messageService.OpenAttachment(c.Request.Context(), attachmentID, userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	defer body.Close()

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": att.FileName})
	c.DataFromReader(http.StatusOK, att.Size, att.ContentType, body, map[string]string{
		"Content-Disposition": disposition,
		"Cache-Control":       "private, max-age=3600",
	})
}
