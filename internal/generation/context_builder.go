package generation

import (
	"context"
	"fmt"
	"strings"

	"basegraph.app/parley/common/llm"
	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/store"
)

// ContextBuilder turns a conversation log into the message thread sent to the provider.
type ContextBuilder interface {
	Build(ctx context.Context, character model.Character, current model.Envelope) ([]llm.Message, error)
}

type contextBuilder struct {
	messages store.MessageStore
	limit    int
}

// NewContextBuilder creates a ContextBuilder that includes up to limit prior turns.
func NewContextBuilder(messages store.MessageStore, limit int) ContextBuilder {
	return &contextBuilder{messages: messages, limit: limit}
}

// Build returns messages in order: system prompt, history, current message.
// User turns that failed and were never answered are skipped.
func (b *contextBuilder) Build(ctx context.Context, character model.Character, current model.Envelope) ([]llm.Message, error) {
	var history []model.Message
	if b.limit > 0 {
		var err error
		history, err = b.messages.ListBefore(ctx, current.ConversationID, current.ReceivedAt, b.limit)
		if err != nil {
			return nil, fmt.Errorf("listing history: %w", err)
		}
	}

	out := make([]llm.Message, 0, len(history)+2)
	if prompt := strings.TrimSpace(character.SystemPrompt); prompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}

	for _, m := range history {
		if m.ID == current.MessageID || m.Failed() {
			continue
		}
		out = append(out, turn(m.Sender, m.Type, m.Content))
	}

	out = append(out, turn(current.Sender, current.Type, current.Payload))
	return out, nil
}

func turn(sender model.Sender, typ model.MessageType, content string) llm.Message {
	role := llm.RoleUser
	if sender == model.SenderCharacter {
		role = llm.RoleAssistant
	}
	return llm.Message{Role: role, Content: renderContent(typ, content)}
}

func renderContent(typ model.MessageType, content string) string {
	switch typ {
	case model.MessageTypeAudio:
		return "[voice message]"
	case model.MessageTypeMedia:
		if caption := strings.TrimSpace(content); caption != "" && !strings.Contains(caption, "://") {
			return "[shared an image: " + caption + "]"
		}
		return "[shared an image]"
	default:
		return content
	}
}
