package dto

import (
	"time"

	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/service"
)

type ConversationStateResponse struct {
	ConversationID  string           `json:"conversation_id"`
	Phase           model.Phase      `json:"phase"`
	ActiveMessageID string           `json:"active_message_id,omitempty"`
	Pending         []PendingMessage `json:"pending"`
	UpdatedAt       *time.Time       `json:"updated_at,omitempty"`
	Stats           *model.Stats     `json:"stats,omitempty"`
}

type PendingMessage struct {
	MessageID  string            `json:"message_id"`
	Type       model.MessageType `json:"type"`
	ReceivedAt time.Time         `json:"received_at"`
}

func ToConversationStateResponse(s *service.ConversationState) *ConversationStateResponse {
	resp := &ConversationStateResponse{
		ConversationID:  s.Coordination.ConversationID,
		Phase:           s.Coordination.Phase,
		ActiveMessageID: s.Coordination.ActiveMessageID,
		Pending:         make([]PendingMessage, 0, len(s.Coordination.Pending)),
		UpdatedAt:       s.Coordination.UpdatedAt,
	}
	for _, env := range s.Coordination.Pending {
		resp.Pending = append(resp.Pending, PendingMessage{
			MessageID:  env.MessageID,
			Type:       env.Type,
			ReceivedAt: env.ReceivedAt,
		})
	}
	if s.Conversation != nil {
		stats := s.Conversation.Stats
		resp.Stats = &stats
	}
	return resp
}

type ResetConversationResponse struct {
	ConversationID     string `json:"conversation_id"`
	AbandonedMessageID string `json:"abandoned_message_id,omitempty"`
	Pending            int    `json:"pending"`
	ResumedMessageID   string `json:"resumed_message_id,omitempty"`
}

func ToResetConversationResponse(conversationID string, r *service.ResetResult) *ResetConversationResponse {
	resp := &ResetConversationResponse{
		ConversationID:     conversationID,
		AbandonedMessageID: r.AbandonedMessageID,
		Pending:            r.Pending,
	}
	if r.Resumed != nil {
		resp.ResumedMessageID = r.Resumed.MessageID
	}
	return resp
}
