package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.app/parley/internal/http/handler"
)

func ConversationRouter(rg *gin.RouterGroup, messages *handler.MessageHandler, conversations *handler.ConversationHandler, events *handler.EventsHandler) {
	rg.POST("/:conversation_id/messages", messages.Post)
	rg.GET("/:conversation_id/state", conversations.State)
	rg.GET("/:conversation_id/events", events.Stream)
}

func AdminRouter(rg *gin.RouterGroup, conversations *handler.ConversationHandler) {
	rg.POST("/:conversation_id/reset", conversations.Reset)
}
