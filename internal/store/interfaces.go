package store

import (
	"context"
	"errors"
	"time"

	"basegraph.app/parley/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// UserStore defines the contract for user data access
type UserStore interface {
	Get(ctx context.Context, id string) (*model.User, error)
	GetOrCreate(ctx context.Context, id string) (*model.User, error)
	SetPlan(ctx context.Context, id string, plan model.Plan) error
}

// CharacterStore defines the contract for character data access
type CharacterStore interface {
	GetByID(ctx context.Context, id string) (*model.Character, error)
	Upsert(ctx context.Context, character *model.Character) error
}

// ConversationStore defines the contract for conversation data access.
// Counters only move by explicit increments.
type ConversationStore interface {
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	GetOrCreate(ctx context.Context, id, userID, characterID string) (*model.Conversation, error)
	IncrementStats(ctx context.Context, id string, delta model.StatsDelta) error
}

// MessageStore is the append-only conversation log. Marker updates are
// single-row field updates keyed by message id.
type MessageStore interface {
	// Append inserts msg and reports false when the id already exists.
	Append(ctx context.Context, msg *model.Message) (bool, error)
	Get(ctx context.Context, conversationID, messageID string) (*model.Message, error)
	// FindReply returns the reply linked to messageID.
	FindReply(ctx context.Context, conversationID, messageID string) (*model.Message, error)
	// ListBefore returns up to limit log entries preceding a message received at
	// before, oldest first. Replies are placed by the message they answer.
	ListBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error)
	MarkAnswered(ctx context.Context, conversationID, messageID, replyID string) error
	MarkFailed(ctx context.Context, conversationID, messageID string, marker model.MessageError) error
	MarkSeen(ctx context.Context, conversationID, messageID string, at time.Time) error
}

// AnsweredMarkers are short-lived "already answered" flags used to make
// redelivered jobs cheap to skip.
type AnsweredMarkers interface {
	Mark(ctx context.Context, conversationID, messageID, replyID string) error
	Get(ctx context.Context, conversationID, messageID string) (string, bool, error)
}
