package queue

import (
	"time"

	"basegraph.app/parley/internal/model"
)

type TaskType string

const (
	// TaskTypeGenerateReply asks a worker slot to produce the reply to one admitted message.
	TaskTypeGenerateReply TaskType = "generate_reply"
	// TaskTypeAcknowledge is the low-priority "seen" side effect after a reply.
	TaskTypeAcknowledge TaskType = "acknowledge"
)

// Task is what producers enqueue. Generate tasks carry the full envelope and
// character so the worker does not need a second lookup.
type Task struct {
	TaskType  TaskType
	Envelope  model.Envelope
	Character *model.Character
	Premium   bool

	// acknowledge only
	ReplyID   string
	NotBefore time.Time

	TraceID *string
	Attempt int
}
