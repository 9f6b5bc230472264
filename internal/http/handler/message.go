package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/http/dto"
	"basegraph.app/parley/internal/service"
)

type MessageHandler struct {
	admission service.AdmissionService
}

func NewMessageHandler(admission service.AdmissionService) *MessageHandler {
	return &MessageHandler{admission: admission}
}

// Post admits one inbound message. It answers as soon as the message is
// stored and either dispatched or queued; the reply arrives over the event stream.
func (h *MessageHandler) Post(c *gin.Context) {
	receivedAt := time.Now().UTC()
	conversationID := c.Param("conversation_id")
	ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{
		ConversationID: &conversationID,
		Component:      "parley.http.messages",
	})

	var req dto.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), ErrorCode: dto.ErrorCodeInvalidMessage})
		return
	}

	result, err := h.admission.Admit(ctx, conversationID, req.Envelope(receivedAt))
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, dto.ToPostMessageResponse(result))
}
