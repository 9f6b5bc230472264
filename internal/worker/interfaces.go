package worker

import (
	"context"

	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/queue"
)

// Consumer abstracts the message queue for testability.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// TaskProcessor handles one task type. A nil error means the stream
// message can be acknowledged.
type TaskProcessor interface {
	Process(ctx context.Context, msg queue.Message) error
}

// Completer mirrors service.Dispatcher.Complete - defined here so the
// worker only depends on the completion hook.
type Completer interface {
	Complete(ctx context.Context, conversationID, messageID string) (*model.Envelope, error)
}
