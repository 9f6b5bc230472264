package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.app/parley/internal/http/dto"
	"basegraph.app/parley/internal/service"
)

type ConversationHandler struct {
	conversations service.ConversationService
}

func NewConversationHandler(conversations service.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

func (h *ConversationHandler) State(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	state, err := h.conversations.State(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ToConversationStateResponse(state))
}

// Reset forces a stuck conversation idle and resumes its queue.
func (h *ConversationHandler) Reset(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	result, err := h.conversations.Reset(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ToResetConversationResponse(conversationID, result))
}
