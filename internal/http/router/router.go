package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"basegraph.app/parley/internal/http/handler"
	"basegraph.app/parley/internal/http/middleware"
	"basegraph.app/parley/internal/notify"
	"basegraph.app/parley/internal/service"
)

type RouterConfig struct {
	AdminAPIKey string
	Hub         *notify.Hub
}

func SetupRoutes(router *gin.Engine, services *service.Services, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		messageHandler := handler.NewMessageHandler(services.Admission())
		conversationHandler := handler.NewConversationHandler(services.Conversations())
		eventsHandler := handler.NewEventsHandler(cfg.Hub, 0)
		ConversationRouter(v1.Group("/conversations"), messageHandler, conversationHandler, eventsHandler)

		admin := v1.Group("/admin", middleware.RequireAdminKey(cfg.AdminAPIKey))
		AdminRouter(admin.Group("/conversations"), conversationHandler)
	}
}
