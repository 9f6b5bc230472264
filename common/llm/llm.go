package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyCompletion is returned when a provider answers without any text choice.
var ErrEmptyCompletion = errors.New("provider returned no completion")

// Provider constants for LLM provider selection.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Config holds LLM client configuration.
type Config struct {
	Provider string // "openai" or "anthropic"
	APIKey   string // Required: API key for the provider
	BaseURL  string // Optional: custom API endpoint (OpenAI-compatible gateways)
	Model    string
}

// Client completes a chat conversation with a single text reply.
// Implementations are interchangeable so the generation pipeline can
// fall back from one provider to another.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Provider() string
	Model() string
}

type CompletionRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature *float64 // nil = model default
}

// Message represents a conversation message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

type Completion struct {
	Text             string
	FinishReason     string // "stop", "length", ...
	PromptTokens     int
	CompletionTokens int
}

// New creates a Client for cfg.Provider. Defaults to OpenAI if no provider is specified.
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	provider := cfg.Provider
	if provider == "" {
		provider = ProviderOpenAI
	}

	switch provider {
	case ProviderAnthropic:
		return newAnthropicClient(cfg), nil
	case ProviderOpenAI:
		return newOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", provider)
	}
}

func Temp(t float64) *float64 {
	return &t
}
