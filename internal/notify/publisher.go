package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type redisPublisher struct {
	client redis.Cmdable
	prefix string
}

// NewRedisPublisher publishes events on "<prefix><conversation id>".
func NewRedisPublisher(client redis.Cmdable, prefix string) Publisher {
	return &redisPublisher{client: client, prefix: prefix}
}

func Topic(prefix, conversationID string) string {
	return prefix + conversationID
}

func (p *redisPublisher) Publish(ctx context.Context, event Event) error {
	if event.ConversationID == "" {
		return fmt.Errorf("publish %s: conversation id is required", event.Type)
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}
	if err := p.client.Publish(ctx, Topic(p.prefix, event.ConversationID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}
