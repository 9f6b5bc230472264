package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"basegraph.app/parley/common/logger"
)

type ProducerConfig struct {
	Stream         string // normal generate_reply stream
	PriorityStream string // premium generate_reply stream
	AckStream      string // acknowledge tasks
}

type Producer interface {
	Enqueue(ctx context.Context, task Task) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	cfg    ProducerConfig
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, cfg ProducerConfig, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, task Task) error {
	attempt := task.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	msg := Message{
		TaskType:       task.TaskType,
		ConversationID: task.Envelope.ConversationID,
		MessageID:      task.Envelope.MessageID,
		Attempt:        attempt,
	}
	if task.TraceID != nil {
		msg.TraceID = *task.TraceID
	}

	stream := p.cfg.Stream
	switch task.TaskType {
	case TaskTypeGenerateReply:
		env := task.Envelope
		msg.Envelope = &env
		msg.Character = task.Character
		if task.Premium && p.cfg.PriorityStream != "" {
			stream = p.cfg.PriorityStream
		}
	case TaskTypeAcknowledge:
		msg.ReplyID = task.ReplyID
		msg.NotBefore = task.NotBefore
		stream = p.cfg.AckStream
	default:
		return fmt.Errorf("enqueue: unknown task_type %q", task.TaskType)
	}

	values, err := messageValues(msg, attempt)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.TaskType, err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.TaskType, err)
	}

	p.logger.InfoContext(logger.WithLogFields(ctx, logger.LogFields{StreamMessageID: &id}), "enqueued task",
		"task_type", task.TaskType,
		"stream", stream,
		"conversation_id", msg.ConversationID,
		"message_id", msg.MessageID,
		"attempt", attempt)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
