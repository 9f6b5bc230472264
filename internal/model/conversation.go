package model

import (
	"errors"
	"strings"
	"time"
)

var ErrInvalidConversationID = errors.New("invalid conversation id")

// NewConversationID builds the deterministic "<user>_<character>" key.
// User ids must not contain '_' so the key splits back unambiguously.
func NewConversationID(userID, characterID string) (string, error) {
	if userID == "" || characterID == "" || strings.Contains(userID, "_") {
		return "", ErrInvalidConversationID
	}
	return userID + "_" + characterID, nil
}

// ParseConversationID splits a conversation id on its first '_'.
func ParseConversationID(id string) (userID, characterID string, err error) {
	userID, characterID, ok := strings.Cut(id, "_")
	if !ok || userID == "" || characterID == "" {
		return "", "", ErrInvalidConversationID
	}
	return userID, characterID, nil
}

type Conversation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CharacterID string    `json:"character_id"`
	Stats       Stats     `json:"stats"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Stats are conversation counters. They only ever move through
// ConversationStore.IncrementStats with a StatsDelta.
type Stats struct {
	UserMessages int64 `json:"user_messages"`
	Replies      int64 `json:"replies"`
	Failures     int64 `json:"failures"`
	TokensUsed   int64 `json:"tokens_used"`
}

// StatsDelta is an explicit increment. Negative values are rejected by the store.
type StatsDelta struct {
	UserMessages int64
	Replies      int64
	Failures     int64
	TokensUsed   int64
}

func (d StatsDelta) IsZero() bool {
	return d == StatsDelta{}
}

func (d StatsDelta) Valid() bool {
	return d.UserMessages >= 0 && d.Replies >= 0 && d.Failures >= 0 && d.TokensUsed >= 0
}
