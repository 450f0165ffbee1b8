package middleware

import (
	"github.com/gin-gonic/gin"

	"alumni_chat/pkg/errors"
	"alumni_chat/pkg/logger"
)

// ErrorHandler отвечает за ошибки, добавленные обработчиками через c.Error.
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		statusCode := errors.HTTPStatusFromError(err)
		if statusCode >= 500 {
			log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		}

		c.JSON(statusCode, gin.H{
			"error": errors.PublicMessage(err),
			"code":  errors.Code(err),
		})
	}
}
