package model

// Character is the persona a user converses with.
type Character struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	Greeting     string `json:"greeting,omitempty"`

	// Settings override the configured provider defaults for this persona.
	Settings GenerationSettings `json:"settings"`
}

// GenerationSettings are per-request knobs passed to the provider. Zero
// values leave the configured defaults in place.
type GenerationSettings struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}
