package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/parley/internal/notify"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/store"
)

// AckProcessor stamps seen_at on a user message once its not_before time
// has passed. It runs on its own low-priority stream.
type AckProcessor struct {
	messages  store.MessageStore
	publisher notify.Publisher
	now       func() time.Time
}

func NewAckProcessor(messages store.MessageStore, publisher notify.Publisher) *AckProcessor {
	return &AckProcessor{messages: messages, publisher: publisher, now: time.Now}
}

func (p *AckProcessor) Process(ctx context.Context, msg queue.Message) error {
	if wait := msg.NotBefore.Sub(p.now()); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	seenAt := p.now().UTC()
	if err := p.messages.MarkSeen(ctx, msg.ConversationID, msg.MessageID, seenAt); err != nil {
		return fmt.Errorf("marking message seen: %w", err)
	}

	if p.publisher != nil {
		event := notify.Event{
			Type:           notify.EventMessageSeen,
			ConversationID: msg.ConversationID,
			MessageID:      msg.MessageID,
			At:             seenAt,
		}
		if err := p.publisher.Publish(ctx, event); err != nil {
			slog.WarnContext(ctx, "publishing notification failed", "event", event.Type, "error", err)
		}
	}

	slog.DebugContext(ctx, "message marked seen", "reply_id", msg.ReplyID)
	return nil
}
