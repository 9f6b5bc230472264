package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/model"
)

type ConsumerConfig struct {
	Streams      []string      // Redis streams in priority order, first is drained first
	Group        string        // Redis consumer group name
	Consumer     string        // Redis consumer name
	DLQStream    string        // Dead letter queue stream for failed messages
	BatchSize    int64         // Number of messages to process per batch
	Block        time.Duration // How long to block/poll for new messages
	MaxAttempts  int           // Maximum retry attempts before moving to DLQ
	RequeueDelay time.Duration // Delay before retrying failed messages
}

type Message struct {
	ID             string
	Stream         string
	TaskType       TaskType
	ConversationID string
	MessageID      string
	Envelope       *model.Envelope
	Character      *model.Character
	ReplyID        string
	NotBefore      time.Time
	Attempt        int
	TraceID        string
	Raw            redis.XMessage
}

// MessageProcessor processes a queue message.
type MessageProcessor func(ctx context.Context, msg Message) error

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewRedisConsumer(ctx context.Context, client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("consumer needs at least one stream")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	consumer := &RedisConsumer{
		client: client,
		cfg:    cfg,
	}

	for _, stream := range cfg.Streams {
		if err := consumer.ensureGroup(ctx, stream); err != nil {
			return nil, err
		}
	}

	return consumer, nil
}

func (c *RedisConsumer) Config() ConsumerConfig {
	return c.cfg
}

func (c *RedisConsumer) ensureGroup(ctx context.Context, stream string) error {
	// Starting from "0" instead of "$" means we don't lose messages enqueued
	// before the group existed.
	if err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group on %s: %w", stream, err)
	}
	return nil
}

// Read returns up to BatchSize new messages. Streams are polled in priority
// order without blocking; when all are empty it blocks on all of them at once
// and still returns the highest-priority stream's messages first.
func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "parley.queue.consumer",
	})

	if len(c.cfg.Streams) > 1 {
		for _, stream := range c.cfg.Streams {
			messages, err := c.read(ctx, []string{stream}, -1)
			if err != nil {
				return nil, err
			}
			if len(messages) > 0 {
				return messages, nil
			}
		}
	}

	return c.read(ctx, c.cfg.Streams, c.cfg.Block)
}

func (c *RedisConsumer) read(ctx context.Context, streams []string, block time.Duration) ([]Message, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		// > = messages never delivered to any consumer; stale pending ones are the reclaimer's job
		args = append(args, ">")
	}

	result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  args,
		Count:    c.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from streams %v: %w", streams, err)
	}

	byStream := make(map[string][]redis.XMessage, len(result))
	for _, s := range result {
		byStream[s.Stream] = s.Messages
	}

	var messages []Message
	for _, stream := range streams {
		for _, raw := range byStream[stream] {
			parsed, parseErr := ParseMessage(stream, raw)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse message",
					"error", parseErr,
					"raw_message_id", raw.ID,
					"stream", stream)
				_ = c.Ack(ctx, Message{ID: raw.ID, Stream: stream, Raw: raw})
				continue
			}
			messages = append(messages, parsed)
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read messages from stream",
			"count", len(messages),
			"streams", streams,
			"consumer", c.cfg.Consumer)
	}

	return messages, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, msg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", msg.Stream, err)
	}

	slog.DebugContext(ctx, "message acknowledged", "stream", msg.Stream)
	return nil
}

func (c *RedisConsumer) Requeue(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for requeue: %w", err)
	}

	attempt := msg.Attempt + 1
	values, err := messageValues(msg, attempt)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if errMsg != "" {
		values["last_error"] = errMsg
	}

	if c.cfg.RequeueDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RequeueDelay):
		}
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: msg.Stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}

	slog.InfoContext(ctx, "message requeued for retry",
		"next_attempt", attempt,
		"reason", errMsg)
	return nil
}

func (c *RedisConsumer) SendDLQ(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for dlq: %w", err)
	}

	values, err := messageValues(msg, msg.Attempt)
	if err != nil {
		return fmt.Errorf("dlq: %w", err)
	}
	values["error"] = errMsg
	values["source_stream"] = msg.Stream

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	slog.ErrorContext(ctx, "message sent to DLQ",
		"final_error", errMsg,
		"dlq_stream", c.cfg.DLQStream)
	return nil
}

func ParseMessage(stream string, msg redis.XMessage) (Message, error) {
	taskType := TaskType(parseOptionalString(msg.Values, "task_type"))
	conversationID := parseOptionalString(msg.Values, "conversation_id")
	messageID := parseOptionalString(msg.Values, "message_id")
	if conversationID == "" || messageID == "" {
		return Message{}, fmt.Errorf("missing conversation_id or message_id")
	}

	attempt, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}

	parsed := Message{
		ID:             msg.ID,
		Stream:         stream,
		TaskType:       taskType,
		ConversationID: conversationID,
		MessageID:      messageID,
		Attempt:        attempt,
		TraceID:        parseOptionalString(msg.Values, "trace_id"),
		Raw:            msg,
	}

	switch taskType {
	case TaskTypeGenerateReply:
		raw := parseOptionalString(msg.Values, "envelope")
		if raw == "" {
			return Message{}, fmt.Errorf("missing envelope")
		}
		var env model.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return Message{}, fmt.Errorf("parsing envelope: %w", err)
		}
		if env.MessageID != messageID || env.ConversationID != conversationID {
			return Message{}, fmt.Errorf("envelope does not match message %s/%s", conversationID, messageID)
		}
		parsed.Envelope = &env

		if raw := parseOptionalString(msg.Values, "character"); raw != "" {
			var character model.Character
			if err := json.Unmarshal([]byte(raw), &character); err != nil {
				return Message{}, fmt.Errorf("parsing character: %w", err)
			}
			parsed.Character = &character
		}

	case TaskTypeAcknowledge:
		parsed.ReplyID = parseOptionalString(msg.Values, "reply_id")
		notBefore, err := parseOptionalInt64(msg.Values, "not_before")
		if err != nil {
			return Message{}, err
		}
		if notBefore > 0 {
			parsed.NotBefore = time.UnixMilli(notBefore).UTC()
		}

	case "":
		return Message{}, fmt.Errorf("missing task_type")
	default:
		return Message{}, fmt.Errorf("unknown task_type %q", taskType)
	}

	return parsed, nil
}

func parseOptionalInt64(values map[string]any, key string) (int64, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}

func messageValues(msg Message, attempt int) (map[string]any, error) {
	values := map[string]any{
		"task_type":       string(msg.TaskType),
		"conversation_id": msg.ConversationID,
		"message_id":      msg.MessageID,
		"attempt":         attempt,
	}

	if msg.Envelope != nil {
		data, err := json.Marshal(msg.Envelope)
		if err != nil {
			return nil, fmt.Errorf("encoding envelope: %w", err)
		}
		values["envelope"] = string(data)
	}
	if msg.Character != nil {
		data, err := json.Marshal(msg.Character)
		if err != nil {
			return nil, fmt.Errorf("encoding character: %w", err)
		}
		values["character"] = string(data)
	}
	if msg.ReplyID != "" {
		values["reply_id"] = msg.ReplyID
	}
	if !msg.NotBefore.IsZero() {
		values["not_before"] = msg.NotBefore.UnixMilli()
	}
	if msg.TraceID != "" {
		values["trace_id"] = msg.TraceID
	}

	return values, nil
}
