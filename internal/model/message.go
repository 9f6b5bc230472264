package model

import "time"

type (
	Sender      string
	MessageType string
)

const (
	SenderUser      Sender = "user"
	SenderCharacter Sender = "character"
)

const (
	MessageTypeText  MessageType = "text"
	MessageTypeAudio MessageType = "audio"
	MessageTypeMedia MessageType = "media"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeAudio, MessageTypeMedia:
		return true
	}
	return false
}

// Envelope is an inbound user message as it travels through admission,
// the pending queue and the job stream. ReceivedAt is captured at ingress
// and never rewritten.
type Envelope struct {
	MessageID      string      `json:"message_id"`
	ConversationID string      `json:"conversation_id"`
	Sender         Sender      `json:"sender"`
	Type           MessageType `json:"type"`
	Payload        string      `json:"payload"`
	ReceivedAt     time.Time   `json:"received_at"`
	UserID         string      `json:"user_id"`
	CharacterID    string      `json:"character_id"`
	TraceID        string      `json:"trace_id,omitempty"` // ingress trace, carried through queueing
}

// Message is one entry in a conversation log.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Sender         Sender         `json:"sender"`
	Type           MessageType    `json:"type"`
	Content        string         `json:"content"`
	ReceivedAt     time.Time      `json:"received_at"`
	RepliesTo      *string        `json:"replies_to,omitempty"`
	AnsweredBy     *string        `json:"answered_by,omitempty"`
	Error          *MessageError  `json:"error,omitempty"`
	SeenAt         *time.Time     `json:"seen_at,omitempty"`
	Metadata       *ReplyMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Answered reports whether a reply has been linked to this message.
func (m Message) Answered() bool {
	return m.AnsweredBy != nil
}

// Failed reports a user message whose generation ended in a provider failure
// and was never answered. Such turns are left out of future prompts.
func (m Message) Failed() bool {
	return m.Error != nil && m.AnsweredBy == nil
}

func MessageFromEnvelope(env Envelope) Message {
	return Message{
		ID:             env.MessageID,
		ConversationID: env.ConversationID,
		Sender:         env.Sender,
		Type:           env.Type,
		Content:        env.Payload,
		ReceivedAt:     env.ReceivedAt,
	}
}

// MessageError is the error marker stored on a user message when both
// providers failed.
type MessageError struct {
	Kind     string    `json:"kind"`
	Cause    string    `json:"cause"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// ReplyMetadata describes how a reply was produced.
type ReplyMetadata struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	FallbackUsed     bool    `json:"fallback_used"`
	Attempts         int     `json:"attempts"`
	RetryCount       int     `json:"retry_count"`
	Truncated        bool    `json:"truncated"`
	Filtered         bool    `json:"filtered"`
	FilterCategory   string  `json:"filter_category,omitempty"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	QualityScore     float64 `json:"quality_score"`
	Apology          bool    `json:"apology,omitempty"`
}
