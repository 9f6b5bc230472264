package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/convstate"
	"basegraph.app/parley/internal/metrics"
	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/notify"
	"basegraph.app/parley/internal/quota"
	"basegraph.app/parley/internal/store"
)

// Message ids are caller supplied and used inside coordination keys.
var messageIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

const maxPayloadChars = 4000

type QuotaTracker interface {
	Check(ctx context.Context, user model.User) (quota.Usage, error)
	Record(ctx context.Context, user model.User) (quota.Usage, error)
}

type AdmitResult struct {
	ConversationID string
	ProcessedNow   bool
	QueuePosition  int
	Duplicate      bool
	Remaining      int // -1 when unlimited
}

type AdmissionService interface {
	Admit(ctx context.Context, conversationID string, env model.Envelope) (*AdmitResult, error)
}

type admissionService struct {
	machine    StateMachine
	quota      QuotaTracker
	dispatcher Dispatcher
	publisher  notify.Publisher
	txRunner   TxRunner
	users      store.UserStore
	characters store.CharacterStore
	messages   store.MessageStore
	now        func() time.Time
}

func NewAdmissionService(
	machine StateMachine,
	quota QuotaTracker,
	dispatcher Dispatcher,
	publisher notify.Publisher,
	txRunner TxRunner,
	users store.UserStore,
	characters store.CharacterStore,
	messages store.MessageStore,
) AdmissionService {
	return &admissionService{
		machine:    machine,
		quota:      quota,
		dispatcher: dispatcher,
		publisher:  publisher,
		txRunner:   txRunner,
		users:      users,
		characters: characters,
		messages:   messages,
		now:        time.Now,
	}
}

// Admit checks quota, persists the message with its receipt time, and either
// dispatches it right away or reports its place in the conversation queue.
// It never waits for generation. Nothing is written before the quota check.
func (s *admissionService) Admit(ctx context.Context, conversationID string, env model.Envelope) (*AdmitResult, error) {
	if err := s.validate(conversationID, &env); err != nil {
		return nil, err
	}
	if traceID := logger.TraceID(ctx); traceID != nil {
		env.TraceID = *traceID
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: &env.ConversationID,
		MessageID:      &env.MessageID,
		UserID:         &env.UserID,
		CharacterID:    &env.CharacterID,
	})

	user, err := s.user(ctx, env.UserID)
	if err != nil {
		return nil, err
	}

	usage, err := s.quota.Check(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("checking quota: %w", err)
	}

	stored, err := s.messages.Get(ctx, env.ConversationID, env.MessageID)
	switch {
	case err == nil:
		// already counted against the quota when it was first stored
		return s.readmit(ctx, env, stored, user, usage)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("looking up message: %w", err)
	}

	if usage.Exceeded() {
		metrics.Admissions.WithLabelValues("quota_exceeded").Inc()
		slog.InfoContext(ctx, "message rejected, quota exceeded", "used", usage.Used, "limit", usage.Limit)
		return nil, &QuotaExceededError{Usage: usage}
	}

	character, err := s.character(ctx, env.CharacterID)
	if err != nil {
		return nil, err
	}

	created, err := s.persist(ctx, env)
	if err != nil {
		return nil, err
	}
	if !created {
		// lost a race with a concurrent post of the same id
		stored, err := s.messages.Get(ctx, env.ConversationID, env.MessageID)
		if err != nil {
			return nil, fmt.Errorf("loading stored message: %w", err)
		}
		return s.readmit(ctx, env, stored, user, usage)
	}

	if recorded, err := s.quota.Record(ctx, user); err != nil {
		// the message is stored; a missed count only favours the user
		slog.WarnContext(ctx, "recording quota usage failed", "error", err)
	} else {
		usage = recorded
	}

	return s.coordinate(ctx, env, *character, user, usage)
}

// readmit answers a re-posted message id. A stored message that was never
// answered or marked failed, and is not active or pending, was dropped when
// admission broke off after persisting it, so it is coordinated again.
func (s *admissionService) readmit(ctx context.Context, env model.Envelope, stored *model.Message, user model.User, usage quota.Usage) (*AdmitResult, error) {
	if stored.Answered() || stored.Failed() {
		metrics.Admissions.WithLabelValues("duplicate").Inc()
		slog.InfoContext(ctx, "duplicate message ignored")
		return &AdmitResult{ConversationID: env.ConversationID, Duplicate: true, Remaining: usage.Remaining()}, nil
	}

	character, err := s.character(ctx, env.CharacterID)
	if err != nil {
		return nil, err
	}

	// the stored copy is the one the conversation log holds
	env.Type = stored.Type
	env.Payload = stored.Content
	env.ReceivedAt = stored.ReceivedAt
	return s.coordinate(ctx, env, *character, user, usage)
}

// coordinate runs the stored message through the state machine.
func (s *admissionService) coordinate(ctx context.Context, env model.Envelope, character model.Character, user model.User, usage quota.Usage) (*AdmitResult, error) {
	decision, err := s.machine.TryAdmit(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("admitting message: %w", err)
	}

	result := &AdmitResult{ConversationID: env.ConversationID, Remaining: usage.Remaining()}
	metrics.Admissions.WithLabelValues(decision.Outcome.String()).Inc()

	switch decision.Outcome {
	case convstate.OutcomeAdmitted:
		job := Job{Envelope: env, Character: character, Premium: user.IsPremium(), TraceID: traceID(env)}
		if err := s.dispatcher.Dispatch(ctx, job); err != nil {
			s.release(ctx, env)
			return nil, err
		}
		result.ProcessedNow = true

	case convstate.OutcomeQueued:
		result.QueuePosition = decision.Position
		if decision.Promoted != nil {
			if err := s.dispatchPromoted(ctx, *decision.Promoted); err != nil {
				slog.ErrorContext(ctx, "dispatching promoted message failed",
					"promoted_message_id", decision.Promoted.MessageID, "error", err)
			}
		}
		s.publish(ctx, notify.Event{
			Type:           notify.EventQueuePosition,
			ConversationID: env.ConversationID,
			MessageID:      env.MessageID,
			Position:       decision.Position,
		})

	case convstate.OutcomeDuplicate:
		result.Duplicate = true
		result.QueuePosition = decision.Position
	}

	slog.InfoContext(ctx, "message admitted",
		"outcome", decision.Outcome.String(),
		"queue_position", result.QueuePosition)
	return result, nil
}

// user reads the sender's plan. First-time senders are treated as free users
// and created together with their first message.
func (s *admissionService) user(ctx context.Context, id string) (model.User, error) {
	user, err := s.users.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{ID: id, Plan: model.PlanFree}, nil
	}
	if err != nil {
		return model.User{}, fmt.Errorf("loading user: %w", err)
	}
	return *user, nil
}

func (s *admissionService) character(ctx context.Context, id string) (*model.Character, error) {
	character, err := s.characters.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCharacterNotFound
		}
		return nil, fmt.Errorf("loading character: %w", err)
	}
	return character, nil
}

func (s *admissionService) validate(conversationID string, env *model.Envelope) error {
	if env.UserID == "" || env.CharacterID == "" {
		return invalid("user_id and character_id are required")
	}
	expected, err := model.NewConversationID(env.UserID, env.CharacterID)
	if err != nil {
		return invalid("%v", err)
	}
	if conversationID != "" && conversationID != expected {
		return invalid("conversation %q does not belong to user %q and character %q", conversationID, env.UserID, env.CharacterID)
	}
	env.ConversationID = expected

	if !messageIDPattern.MatchString(env.MessageID) {
		return invalid("message_id must be 1-128 characters of letters, digits, '.', '_', ':' or '-'")
	}
	if env.Sender == "" {
		env.Sender = model.SenderUser
	}
	if env.Sender != model.SenderUser {
		return invalid("sender must be %q", model.SenderUser)
	}
	if env.Type == "" {
		env.Type = model.MessageTypeText
	}
	if !env.Type.Valid() {
		return invalid("unsupported message type %q", env.Type)
	}
	if env.Type == model.MessageTypeText && strings.TrimSpace(env.Payload) == "" {
		return invalid("text messages need a payload")
	}
	if len([]rune(env.Payload)) > maxPayloadChars {
		return invalid("payload exceeds %d characters", maxPayloadChars)
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = s.now()
	}
	env.ReceivedAt = env.ReceivedAt.UTC()
	return nil
}

func (s *admissionService) persist(ctx context.Context, env model.Envelope) (bool, error) {
	var created bool
	err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		if _, err := sp.Users().GetOrCreate(ctx, env.UserID); err != nil {
			return fmt.Errorf("ensuring user: %w", err)
		}
		if _, err := sp.Conversations().GetOrCreate(ctx, env.ConversationID, env.UserID, env.CharacterID); err != nil {
			return fmt.Errorf("ensuring conversation: %w", err)
		}

		msg := model.MessageFromEnvelope(env)
		var err error
		if created, err = sp.Messages().Append(ctx, &msg); err != nil {
			return fmt.Errorf("appending message: %w", err)
		}
		if !created {
			return nil
		}
		return sp.Conversations().IncrementStats(ctx, env.ConversationID, model.StatsDelta{UserMessages: 1})
	})
	if err != nil {
		return false, fmt.Errorf("persisting message: %w", err)
	}
	return created, nil
}

// dispatchPromoted sends the queue head that an idle conversation promoted
// while admitting a newer message.
func (s *admissionService) dispatchPromoted(ctx context.Context, env model.Envelope) error {
	character, err := s.character(ctx, env.CharacterID)
	if err != nil {
		return err
	}
	user, err := s.user(ctx, env.UserID)
	if err != nil {
		return err
	}
	return s.dispatcher.Dispatch(ctx, Job{Envelope: env, Character: *character, Premium: user.IsPremium(), TraceID: traceID(env)})
}

// release hands the conversation on when the job for an admitted message
// could not be submitted.
func (s *admissionService) release(ctx context.Context, env model.Envelope) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.dispatcher.Complete(ctx, env.ConversationID, env.MessageID); err != nil {
		slog.ErrorContext(ctx, "releasing conversation after dispatch failure", "error", err)
	}
}

func (s *admissionService) publish(ctx context.Context, event notify.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		slog.WarnContext(ctx, "publishing notification failed", "event", event.Type, "error", err)
	}
}
