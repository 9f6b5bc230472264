package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type answeredMarkers struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewAnsweredMarkers(rdb redis.Cmdable, ttl time.Duration) AnsweredMarkers {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &answeredMarkers{rdb: rdb, ttl: ttl}
}

func answeredKey(conversationID, messageID string) string {
	return fmt.Sprintf("parley:answered:{%s}:%s", conversationID, messageID)
}

func (m *answeredMarkers) Mark(ctx context.Context, conversationID, messageID, replyID string) error {
	if err := m.rdb.Set(ctx, answeredKey(conversationID, messageID), replyID, m.ttl).Err(); err != nil {
		return fmt.Errorf("marking %s/%s answered: %w", conversationID, messageID, err)
	}
	return nil
}

func (m *answeredMarkers) Get(ctx context.Context, conversationID, messageID string) (string, bool, error) {
	replyID, err := m.rdb.Get(ctx, answeredKey(conversationID, messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading answered marker %s/%s: %w", conversationID, messageID, err)
	}
	return replyID, true, nil
}
