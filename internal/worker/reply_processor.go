package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"basegraph.app/parley/common/id"
	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/core/config"
	"basegraph.app/parley/internal/convstate"
	"basegraph.app/parley/internal/generation"
	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/notify"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/store"
)

const apologyText = "Sorry, I lost my train of thought for a second. Could you say that again?"

type ReplyDeps struct {
	Generator     generation.Generator
	Contexts      generation.ContextBuilder
	Messages      store.MessageStore
	Conversations store.ConversationStore
	Characters    store.CharacterStore
	Markers       store.AnsweredMarkers
	Completer     Completer
	Publisher     notify.Publisher
	Producer      queue.Producer // acknowledgement tasks; nil disables them
	Ack           config.AckConfig
}

// ReplyProcessor answers one admitted message. Whatever happens during
// generation, the conversation is advanced exactly once when it returns,
// unless the worker is stopping: then the job is left for redelivery.
type ReplyProcessor struct {
	deps     ReplyDeps
	newID    func() string
	random   func() float64
	now      func() time.Time
	persistB func() backoff.BackOff
}

func NewReplyProcessor(deps ReplyDeps) *ReplyProcessor {
	return &ReplyProcessor{
		deps:   deps,
		newID:  id.NewString,
		random: rand.Float64,
		now:    time.Now,
		persistB: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

func (p *ReplyProcessor) Process(ctx context.Context, msg queue.Message) error {
	if msg.Envelope == nil {
		// nothing to answer, but the conversation must not stay stuck on it
		p.complete(ctx, msg.ConversationID, msg.MessageID)
		return fmt.Errorf("generate_reply task without envelope")
	}
	env := *msg.Envelope

	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker.generate_reply")
	defer sc.End()
	ctx = sc.Context()
	sc.SetAttributes(
		attribute.String("conversation_id", env.ConversationID),
		attribute.String("message_id", env.MessageID),
		attribute.Int("attempt", msg.Attempt),
	)

	interrupted := false
	defer func() {
		if !interrupted {
			p.complete(ctx, env.ConversationID, env.MessageID)
		}
	}()

	if replyID, answered := p.alreadyAnswered(ctx, env); answered {
		slog.InfoContext(ctx, "message already answered, skipping generation", "reply_id", replyID)
		return nil
	}

	character := p.character(ctx, msg)

	reply, err := p.generate(ctx, env, character)
	if ctx.Err() != nil {
		// the message stays active so the reclaimer hands it out again in order
		interrupted = true
		slog.WarnContext(ctx, "generation interrupted, leaving message for redelivery", "error", err)
		return fmt.Errorf("generation interrupted: %w", ctx.Err())
	}
	var pf *generation.ProviderFailure
	switch {
	case err == nil:
		p.deliver(ctx, env, reply)
	case errors.As(err, &pf):
		sc.RecordError(err)
		p.fail(ctx, env, pf)
	default:
		sc.RecordError(err)
		slog.ErrorContext(ctx, "unexpected generation error, sending apology", "error", err)
		p.deliver(ctx, env, &generation.Reply{
			Content:  apologyText,
			Type:     model.MessageTypeText,
			Metadata: model.ReplyMetadata{Apology: true},
		})
	}
	return nil
}

func (p *ReplyProcessor) generate(ctx context.Context, env model.Envelope, character model.Character) (reply *generation.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generation panic: %v", r)
		}
	}()

	prompt, err := p.deps.Contexts.Build(ctx, character, env)
	if err != nil {
		return nil, fmt.Errorf("building context: %w", err)
	}
	return p.deps.Generator.Generate(ctx, prompt, character.Settings, character)
}

// alreadyAnswered checks the short-lived marker first, then the log.
func (p *ReplyProcessor) alreadyAnswered(ctx context.Context, env model.Envelope) (string, bool) {
	replyID, ok, err := p.deps.Markers.Get(ctx, env.ConversationID, env.MessageID)
	if err != nil {
		slog.WarnContext(ctx, "reading answered marker failed", "error", err)
	}
	if ok {
		return replyID, true
	}

	existing, err := p.deps.Messages.FindReply(ctx, env.ConversationID, env.MessageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "looking up existing reply failed", "error", err)
		}
		return "", false
	}
	if err := p.deps.Markers.Mark(ctx, env.ConversationID, env.MessageID, existing.ID); err != nil {
		slog.WarnContext(ctx, "restoring answered marker failed", "error", err)
	}
	return existing.ID, true
}

func (p *ReplyProcessor) character(ctx context.Context, msg queue.Message) model.Character {
	if msg.Character != nil {
		return *msg.Character
	}
	c, err := p.deps.Characters.GetByID(ctx, msg.Envelope.CharacterID)
	if err != nil {
		slog.WarnContext(ctx, "character lookup failed, generating without a persona", "error", err)
		return model.Character{ID: msg.Envelope.CharacterID}
	}
	return *c
}

// deliver persists the reply, links it to the user message and notifies
// subscribers. Storage is retried with backoff since the provider call
// that produced the reply is the expensive part.
func (p *ReplyProcessor) deliver(ctx context.Context, env model.Envelope, reply *generation.Reply) {
	replyTo := env.MessageID
	meta := reply.Metadata
	msg := &model.Message{
		ID:             p.newID(),
		ConversationID: env.ConversationID,
		Sender:         model.SenderCharacter,
		Type:           reply.Type,
		Content:        reply.Content,
		ReceivedAt:     p.now().UTC(),
		RepliesTo:      &replyTo,
		Metadata:       &meta,
	}

	stored, err := backoff.Retry(ctx, func() (*model.Message, error) {
		return p.persistReply(ctx, msg)
	},
		backoff.WithBackOff(p.persistB()),
		backoff.WithMaxTries(5),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.WarnContext(ctx, "persisting reply failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		slog.ErrorContext(ctx, "reply could not be stored", "error", err)
		marker := model.MessageError{
			Kind:     "persist_failure",
			Cause:    err.Error(),
			Attempts: meta.Attempts,
			At:       p.now().UTC(),
		}
		p.markFailed(ctx, env, marker)
		p.publish(ctx, notify.Event{
			Type:           notify.EventGenerationFailed,
			ConversationID: env.ConversationID,
			MessageID:      env.MessageID,
			Error:          &marker,
		})
		return
	}

	if err := p.deps.Markers.Mark(ctx, env.ConversationID, env.MessageID, stored.ID); err != nil {
		slog.WarnContext(ctx, "setting answered marker failed", "error", err)
	}
	if err := p.deps.Conversations.IncrementStats(ctx, env.ConversationID, model.StatsDelta{
		Replies:    1,
		TokensUsed: int64(meta.PromptTokens + meta.CompletionTokens),
	}); err != nil {
		slog.WarnContext(ctx, "updating conversation stats failed", "error", err)
	}

	slog.InfoContext(ctx, "reply delivered",
		"reply_id", stored.ID,
		"provider", meta.Provider,
		"fallback_used", meta.FallbackUsed,
		"retry_count", meta.RetryCount,
		"truncated", meta.Truncated,
		"filtered", meta.Filtered,
		"apology", meta.Apology)

	p.publish(ctx, notify.Event{
		Type:           notify.EventReplyReady,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		Reply:          stored,
	})

	if !meta.Apology {
		p.scheduleAck(ctx, env, stored.ID)
	}
}

// persistReply appends the reply and links it. A reply that already exists
// for the message (a concurrent redelivery won) is returned as is.
func (p *ReplyProcessor) persistReply(ctx context.Context, msg *model.Message) (*model.Message, error) {
	created, err := p.deps.Messages.Append(ctx, msg)
	if err != nil {
		return nil, err
	}
	stored := msg
	if !created {
		existing, err := p.deps.Messages.FindReply(ctx, msg.ConversationID, *msg.RepliesTo)
		if err != nil {
			return nil, fmt.Errorf("loading existing reply: %w", err)
		}
		stored = existing
	}
	if err := p.deps.Messages.MarkAnswered(ctx, msg.ConversationID, *msg.RepliesTo, stored.ID); err != nil {
		return nil, fmt.Errorf("linking reply: %w", err)
	}
	return stored, nil
}

func (p *ReplyProcessor) fail(ctx context.Context, env model.Envelope, pf *generation.ProviderFailure) {
	marker := pf.Marker()
	p.markFailed(ctx, env, marker)
	if err := p.deps.Conversations.IncrementStats(ctx, env.ConversationID, model.StatsDelta{Failures: 1}); err != nil {
		slog.WarnContext(ctx, "updating conversation stats failed", "error", err)
	}
	p.publish(ctx, notify.Event{
		Type:           notify.EventGenerationFailed,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		Error:          &marker,
	})
}

func (p *ReplyProcessor) markFailed(ctx context.Context, env model.Envelope, marker model.MessageError) {
	if err := p.deps.Messages.MarkFailed(ctx, env.ConversationID, env.MessageID, marker); err != nil {
		slog.ErrorContext(ctx, "storing failure marker failed", "kind", marker.Kind, "error", err)
	}
}

// scheduleAck enqueues the "seen" side effect with a random delay. It never
// blocks or fails the reply.
func (p *ReplyProcessor) scheduleAck(ctx context.Context, env model.Envelope, replyID string) {
	if p.deps.Producer == nil || !p.deps.Ack.Enabled() || p.random() >= p.deps.Ack.Probability {
		return
	}
	delay := time.Duration(p.random() * float64(p.deps.Ack.MaxDelay))
	err := p.deps.Producer.Enqueue(ctx, queue.Task{
		TaskType:  queue.TaskTypeAcknowledge,
		Envelope:  env,
		ReplyID:   replyID,
		NotBefore: p.now().Add(delay).UTC(),
		TraceID:   logger.TraceID(ctx),
	})
	if err != nil {
		slog.WarnContext(ctx, "scheduling acknowledgement failed", "error", err)
	}
}

// complete advances the conversation even when ctx was cancelled mid-job.
func (p *ReplyProcessor) complete(ctx context.Context, conversationID, messageID string) {
	ctx = context.WithoutCancel(ctx)
	next, err := p.deps.Completer.Complete(ctx, conversationID, messageID)
	switch {
	case errors.Is(err, convstate.ErrNotActive):
		slog.InfoContext(ctx, "completion ignored, message is no longer active", "error", err)
	case err != nil:
		slog.ErrorContext(ctx, "advancing conversation failed", "error", err)
	case next != nil:
		slog.InfoContext(ctx, "next queued message dispatched", "next_message_id", next.MessageID)
	}
}

func (p *ReplyProcessor) publish(ctx context.Context, event notify.Event) {
	if p.deps.Publisher == nil {
		return
	}
	if err := p.deps.Publisher.Publish(ctx, event); err != nil {
		slog.WarnContext(ctx, "publishing notification failed", "event", event.Type, "error", err)
	}
}
