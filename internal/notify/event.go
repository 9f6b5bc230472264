package notify

import (
	"time"

	"basegraph.app/parley/internal/model"
)

type EventType string

const (
	EventProcessingStarted EventType = "processing_started"
	EventQueuePosition     EventType = "queue_position"
	EventReplyReady        EventType = "reply_ready"
	EventGenerationFailed  EventType = "generation_failed"
	EventMessageSeen       EventType = "message_seen"
)

// Event is published on the conversation topic and relayed to SSE clients.
type Event struct {
	Type           EventType           `json:"type"`
	ConversationID string              `json:"conversation_id"`
	MessageID      string              `json:"message_id,omitempty"`
	Position       int                 `json:"position,omitempty"`
	Reply          *model.Message      `json:"reply,omitempty"`
	Error          *model.MessageError `json:"error,omitempty"`
	At             time.Time           `json:"at"`
}
