package dto

import (
	"time"

	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/quota"
	"basegraph.app/parley/internal/service"
)

type PostMessageRequest struct {
	MessageID   string `json:"message_id" binding:"required,max=128"`
	UserID      string `json:"user_id" binding:"required,max=128"`
	CharacterID string `json:"character_id" binding:"required,max=128"`
	Type        string `json:"type" binding:"omitempty,oneof=text audio media"`
	Payload     string `json:"payload" binding:"max=4000"`
}

// Envelope converts the request into an inbound envelope. Receipt time is the
// server's: it decides conversation order, so clients never supply it.
func (r PostMessageRequest) Envelope(receivedAt time.Time) model.Envelope {
	return model.Envelope{
		MessageID:   r.MessageID,
		UserID:      r.UserID,
		CharacterID: r.CharacterID,
		Sender:      model.SenderUser,
		Type:        model.MessageType(r.Type),
		Payload:     r.Payload,
		ReceivedAt:  receivedAt,
	}
}

type PostMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	ProcessedNow   bool   `json:"processed_now"`
	QueuePosition  int    `json:"queue_position"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	RemainingToday int    `json:"remaining_today"` // -1 when unlimited
}

func ToPostMessageResponse(r *service.AdmitResult) *PostMessageResponse {
	return &PostMessageResponse{
		ConversationID: r.ConversationID,
		ProcessedNow:   r.ProcessedNow,
		QueuePosition:  r.QueuePosition,
		Duplicate:      r.Duplicate,
		RemainingToday: r.Remaining,
	}
}

const (
	ErrorCodeInvalidMessage       = "invalid_message"
	ErrorCodeQuotaExceeded        = "quota_exceeded"
	ErrorCodeCharacterNotFound    = "character_not_found"
	ErrorCodeConversationNotFound = "conversation_not_found"
	ErrorCodeInternal             = "internal_error"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

type QuotaExceededResponse struct {
	Error     string     `json:"error"`
	ErrorCode string     `json:"error_code"`
	Plan      model.Plan `json:"plan"`
	Limit     int        `json:"limit"`
	Used      int        `json:"used"`
}

func ToQuotaExceededResponse(usage quota.Usage) *QuotaExceededResponse {
	return &QuotaExceededResponse{
		Error:     "daily message quota exceeded",
		ErrorCode: ErrorCodeQuotaExceeded,
		Plan:      usage.Plan,
		Limit:     usage.Limit,
		Used:      usage.Used,
	}
}
