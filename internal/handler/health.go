package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"alumni_chat/pkg/logger"
)

type HealthHandler struct {
	checks map[string]HealthCheck
	log    logger.Logger
}

func NewHealthHandler(checks map[string]HealthCheck, log logger.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, log: log}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.log.Warn("Health check failed", "dependency", name, "error", err)
			results[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"service":      "alumni-chat",
		"dependencies": results,
	})
}
