package handler

import (
	"github.com/gin-gonic/gin"

	"alumni_chat/internal/config"
	"alumni_chat/internal/metrics"
	"alumni_chat/internal/middleware"
	"alumni_chat/pkg/logger"
)

func NewRouter(
	handlers *Handlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler(log))

	router.GET("/health", handlers.Health.Check)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	protected := v1.Group("")
	protected.Use(authMiddleware.RequireAuth())
	{
		protected.GET("/conversations", handlers.Conversation.List)
		protected.POST("/users/:id/conversation", handlers.Conversation.Open)

		conversations := protected.Group("/conversations/:id")
		{
			conversations.GET("", handlers.Conversation.View)
			conversations.POST("/leave", handlers.Conversation.Leave)

			conversations.GET("/messages", handlers.Message.Poll)
			conversations.POST("/messages", rateLimitMiddleware.Limit("send"), handlers.Message.Send)
			conversations.GET("/messages/status", handlers.Message.Status)
			conversations.DELETE("/messages/:messageId", handlers.Message.Delete)

			conversations.POST("/receipts/delivered", handlers.Message.MarkDelivered)
			conversations.POST("/receipts/read", handlers.Message.MarkRead)
		}

		protected.POST("/messages/delete-bulk", handlers.Message.DeleteBulk)
		protected.GET("/attachments/:id", handlers.Message.Attachment)
		protected.POST("/reports", rateLimitMiddleware.Limit("report"), handlers.Report.Create)
	}

	// Live соединение аутентифицируется само: токен может прийти в ?token=.
	router.GET("/ws/conversations/:id", handlers.WebSocket.HandleConversation)

	return router
}
