package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/metrics"
	"basegraph.app/parley/internal/queue"
)

type Config struct {
	Name        string // used as the log component, e.g. "reply", "ack"
	Slots       int
	MaxAttempts int
}

// Worker runs Slots independent read-process loops against one consumer.
// Each slot handles one message at a time.
type Worker struct {
	consumer   Consumer
	processors map[queue.TaskType]TaskProcessor
	cfg        Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer Consumer, processors map[queue.TaskType]TaskProcessor, cfg Config) *Worker {
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		consumer:   consumer,
		processors: processors,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "parley.worker." + w.cfg.Name,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.InfoContext(ctx, "worker started", "slots", w.cfg.Slots)

	g, ctx := errgroup.WithContext(ctx)
	for slot := 0; slot < w.cfg.Slots; slot++ {
		g.Go(func() error {
			return w.runSlot(ctx, slot)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		select {
		case <-w.stopCh:
			return nil
		default:
		}
	}
	return err
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) runSlot(ctx context.Context, slot int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.processOneBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.ErrorContext(ctx, "batch processing error", "slot", slot, "error", err)
			// Brief backoff on error
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			if ctx.Err() != nil {
				// unacked, so the reclaimer redelivers it
				slog.WarnContext(ctx, "worker stopping, message left pending",
					"stream_message_id", msg.ID,
					"conversation_id", msg.ConversationID)
				return ctx.Err()
			}
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"stream_message_id", msg.ID,
				"conversation_id", msg.ConversationID,
				"message_id", msg.MessageID)
			w.handleFailedMessage(ctx, msg, err)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"stream_message_id", msg.ID,
				"conversation_id", msg.ConversationID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage routes msg to its task processor and acknowledges it on
// success. Exported so it can be reused by the reclaimer.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	taskType := string(msg.TaskType)
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID:  &msg.ConversationID,
		MessageID:       &msg.MessageID,
		StreamMessageID: &msg.ID,
		TaskType:        &taskType,
	})

	processor, ok := w.processors[msg.TaskType]
	if !ok {
		return fmt.Errorf("no processor for task type %q", msg.TaskType)
	}

	slog.InfoContext(ctx, "processing message", "stream", msg.Stream, "attempt", msg.Attempt)

	if err := processor.Process(ctx, msg); err != nil {
		metrics.JobOutcomes.WithLabelValues(taskType, "error").Inc()
		return err
	}
	metrics.JobOutcomes.WithLabelValues(taskType, "done").Inc()

	if err := w.consumer.Ack(ctx, msg); err != nil {
		// Log but don't fail - message will be reclaimed and the processors are idempotent
		slog.WarnContext(ctx, "failed to ACK message", "error", err)
	}
	return nil
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"stream_message_id", msg.ID,
			"conversation_id", msg.ConversationID,
			"attempts", msg.Attempt)
		metrics.DLQMessages.WithLabelValues(string(msg.TaskType)).Inc()
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"stream_message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
