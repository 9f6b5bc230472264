package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/convstate"
	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/notify"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/store"
)

// StateMachine is the conversation admission controller.
type StateMachine interface {
	TryAdmit(ctx context.Context, env model.Envelope) (convstate.AdmitResult, error)
	Advance(ctx context.Context, conversationID, completedID string) (*model.Envelope, error)
	ForceReset(ctx context.Context, conversationID string) (convstate.ResetResult, error)
	Snapshot(ctx context.Context, conversationID string) (model.CoordinationState, error)
}

// Job is an admitted message with the context a worker needs to answer it.
type Job struct {
	Envelope  model.Envelope
	Character model.Character
	Premium   bool
	TraceID   *string
}

// Dispatcher submits generation jobs for admitted messages and moves a
// conversation on to its next queued message.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
	// Complete is the completion hook for the active message. It returns the
	// promoted message, or nil when the conversation went idle.
	Complete(ctx context.Context, conversationID, messageID string) (*model.Envelope, error)
	// Resume promotes the queue head of an idle conversation.
	Resume(ctx context.Context, conversationID string) (*model.Envelope, error)
}

type dispatcher struct {
	machine    StateMachine
	producer   queue.Producer
	publisher  notify.Publisher
	users      store.UserStore
	characters store.CharacterStore
}

func NewDispatcher(
	machine StateMachine,
	producer queue.Producer,
	publisher notify.Publisher,
	users store.UserStore,
	characters store.CharacterStore,
) Dispatcher {
	return &dispatcher{
		machine:    machine,
		producer:   producer,
		publisher:  publisher,
		users:      users,
		characters: characters,
	}
}

func (d *dispatcher) Dispatch(ctx context.Context, job Job) error {
	env := job.Envelope
	character := job.Character
	err := d.producer.Enqueue(ctx, queue.Task{
		TaskType:  queue.TaskTypeGenerateReply,
		Envelope:  env,
		Character: &character,
		Premium:   job.Premium,
		TraceID:   job.TraceID,
	})
	if err != nil {
		return fmt.Errorf("enqueueing reply job: %w", err)
	}

	slog.InfoContext(ctx, "reply job dispatched",
		"conversation_id", env.ConversationID,
		"message_id", env.MessageID,
		"premium", job.Premium)

	d.publish(ctx, notify.Event{
		Type:           notify.EventProcessingStarted,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
	})
	return nil
}

func (d *dispatcher) Complete(ctx context.Context, conversationID, messageID string) (*model.Envelope, error) {
	next, err := d.machine.Advance(ctx, conversationID, messageID)
	if err != nil {
		return nil, fmt.Errorf("advancing conversation: %w", err)
	}
	return next, d.dispatchNext(ctx, next)
}

func (d *dispatcher) Resume(ctx context.Context, conversationID string) (*model.Envelope, error) {
	next, err := d.machine.Advance(ctx, conversationID, "")
	if err != nil {
		return nil, fmt.Errorf("resuming conversation: %w", err)
	}
	return next, d.dispatchNext(ctx, next)
}

// dispatchNext loads the job context for a promoted message. A message that
// can no longer be dispatched is released so the queue keeps moving.
func (d *dispatcher) dispatchNext(ctx context.Context, next *model.Envelope) error {
	for next != nil {
		ctx := logger.WithLogFields(ctx, logger.LogFields{
			ConversationID: &next.ConversationID,
			MessageID:      &next.MessageID,
		})

		job, err := d.jobFor(ctx, *next)
		if err == nil {
			err = d.Dispatch(ctx, job)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCharacterNotFound) {
			slog.ErrorContext(ctx, "dropping queued message, character is gone", "error", err)
			next, err = d.machine.Advance(ctx, next.ConversationID, next.MessageID)
			if err != nil {
				return fmt.Errorf("skipping undispatchable message: %w", err)
			}
			continue
		}
		return fmt.Errorf("dispatching promoted message %s: %w", next.MessageID, err)
	}
	return nil
}

func (d *dispatcher) jobFor(ctx context.Context, env model.Envelope) (Job, error) {
	character, err := d.characters.GetByID(ctx, env.CharacterID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Job{}, ErrCharacterNotFound
		}
		return Job{}, fmt.Errorf("loading character: %w", err)
	}
	user, err := d.users.Get(ctx, env.UserID)
	if err != nil {
		return Job{}, fmt.Errorf("loading user: %w", err)
	}
	return Job{Envelope: env, Character: *character, Premium: user.IsPremium(), TraceID: traceID(env)}, nil
}

// traceID links a job to the request that admitted its message, which for a
// queued message is not the request that promotes it.
func traceID(env model.Envelope) *string {
	if env.TraceID == "" {
		return nil
	}
	id := env.TraceID
	return &id
}

// publish is best effort; live notifications never fail the caller.
func (d *dispatcher) publish(ctx context.Context, event notify.Event) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, event); err != nil {
		slog.WarnContext(ctx, "publishing notification failed", "event", event.Type, "error", err)
	}
}
