package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/notify"
)

const defaultHeartbeat = 25 * time.Second

type EventsHandler struct {
	hub       *notify.Hub
	heartbeat time.Duration
}

func NewEventsHandler(hub *notify.Hub, heartbeat time.Duration) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &EventsHandler{hub: hub, heartbeat: heartbeat}
}

// Stream relays a conversation's notifications as server-sent events until
// the client goes away.
func (h *EventsHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifications not configured"})
		return
	}

	conversationID := c.Param("conversation_id")
	if _, _, err := model.ParseConversationID(conversationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_code": "invalid_message"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	sub := h.hub.Subscribe(conversationID)
	defer h.hub.Unsubscribe(sub)

	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	sseWrite(c.Writer, "ping", "ready")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sseWrite(c.Writer, "ping", time.Now().UTC().Format(time.RFC3339Nano))
			flusher.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			sseWrite(c.Writer, string(event.Type), event)
			flusher.Flush()
		}
	}
}
