package model

import "time"

type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseProcessing Phase = "PROCESSING"
)

// CoordinationState is a read-only snapshot of a conversation's admission state.
type CoordinationState struct {
	ConversationID  string     `json:"conversation_id"`
	Phase           Phase      `json:"phase"`
	ActiveMessageID string     `json:"active_message_id,omitempty"`
	Pending         []Envelope `json:"pending"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}
