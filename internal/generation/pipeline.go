package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"basegraph.app/parley/common/llm"
	"basegraph.app/parley/core/config"
	"basegraph.app/parley/internal/metrics"
	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/quality"
	"basegraph.app/parley/internal/safety"
)

// Outcome classifies a single generation attempt.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeNeedsRetry Outcome = "needs_retry"
	OutcomeExhausted  Outcome = "exhausted"
)

// Reply is a successful generation result.
type Reply struct {
	Content  string
	Type     model.MessageType
	Metadata model.ReplyMetadata
}

// Generator produces a reply for a prepared message thread.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, settings model.GenerationSettings, character model.Character) (*Reply, error)
}

type Pipeline struct {
	primary  llm.Client
	fallback llm.Client
	assessor *quality.Assessor
	filter   *safety.Filter
	cfg      config.GenerationConfig
	now      func() time.Time
}

// NewPipeline wires the providers and quality stages. fallback may be nil.
func NewPipeline(primary, fallback llm.Client, assessor *quality.Assessor, filter *safety.Filter, cfg config.GenerationConfig) *Pipeline {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Pipeline{
		primary:  primary,
		fallback: fallback,
		assessor: assessor,
		filter:   filter,
		cfg:      cfg,
		now:      time.Now,
	}
}

type candidate struct {
	text       string
	client     llm.Client
	assessment quality.Assessment
}

// run tracks provider usage across one Generate call.
type run struct {
	calls            int
	fallbackUsed     bool
	promptTokens     int
	completionTokens int
	lastErr          error
}

// Generate calls the primary provider, switching to the fallback for the rest
// of the call once the primary errors. Low quality replies are retried with a
// brevity instruction up to MaxAttempts; after that the best candidate is
// truncated and used. The result is always passed through the safety filter.
// When no provider returns usable text the error is a *ProviderFailure; when
// ctx ends first it is the context error instead.
func (p *Pipeline) Generate(ctx context.Context, messages []llm.Message, settings model.GenerationSettings, character model.Character) (*Reply, error) {
	start := p.now()
	r := &run{}

	var (
		chosen  *candidate
		best    *candidate
		outcome Outcome
		retries int
	)

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		retries = attempt - 1
		prompt := BuildPrompt(messages, character, retries)

		cand, err := p.complete(ctx, r, prompt, settings)
		if err != nil {
			if ctx.Err() != nil {
				// the caller gave up; no provider failed
				return nil, fmt.Errorf("generation interrupted: %w", ctx.Err())
			}
			if best != nil {
				slog.WarnContext(ctx, "provider failed during quality retry, using best candidate",
					"attempt", attempt, "error", err)
				outcome = OutcomeExhausted
				break
			}
			return nil, p.failure(ctx, r, FailureLLM, err)
		}

		outcome = p.judge(cand.assessment, attempt)
		metrics.GenerationAttempts.WithLabelValues(cand.client.Provider(), string(outcome)).Inc()
		slog.DebugContext(ctx, "generation attempt assessed",
			"attempt", attempt,
			"provider", cand.client.Provider(),
			"outcome", outcome,
			"score", cand.assessment.Score,
			"issues", cand.assessment.Issues)

		if outcome == OutcomeAccepted {
			chosen = cand
			break
		}
		if best == nil || cand.assessment.Score > best.assessment.Score {
			best = cand
		}
		if outcome == OutcomeExhausted {
			break
		}
	}

	truncated := false
	if chosen == nil {
		if best == nil || best.assessment.Has(quality.IssueEmpty) {
			return nil, p.failure(ctx, r, FailureEmptyResponse, llm.ErrEmptyCompletion)
		}
		chosen = best
		chosen.text, truncated = p.shorten(chosen.text)
	}

	content := chosen.text
	if capped, ok := quality.SmartTruncate(content, p.cfg.MaxReplyChars); ok {
		content = capped
		truncated = true
	}
	if truncated {
		metrics.Truncations.Inc()
	}

	filtered := p.filter.Apply(content)
	if filtered.Filtered {
		metrics.FilteredReplies.WithLabelValues(string(filtered.Category)).Inc()
		slog.WarnContext(ctx, "reply replaced by safe message", "category", filtered.Category)
	}

	metrics.GenerationDuration.WithLabelValues(chosen.client.Provider()).Observe(p.now().Sub(start).Seconds())

	return &Reply{
		Content: filtered.Content,
		Type:    model.MessageTypeText,
		Metadata: model.ReplyMetadata{
			Provider:         chosen.client.Provider(),
			Model:            chosen.client.Model(),
			FallbackUsed:     r.fallbackUsed,
			Attempts:         r.calls,
			RetryCount:       retries,
			Truncated:        truncated,
			Filtered:         filtered.Filtered,
			FilterCategory:   string(filtered.Category),
			PromptTokens:     r.promptTokens,
			CompletionTokens: r.completionTokens,
			QualityScore:     chosen.assessment.Score,
		},
	}, nil
}

func (p *Pipeline) judge(a quality.Assessment, attempt int) Outcome {
	switch {
	case a.Acceptable():
		return OutcomeAccepted
	case attempt < p.cfg.MaxAttempts:
		return OutcomeNeedsRetry
	default:
		return OutcomeExhausted
	}
}

// shorten applies the length budget to a reply that never passed assessment.
func (p *Pipeline) shorten(text string) (string, bool) {
	out, truncated := quality.SmartTruncate(text, p.assessor.Thresholds().MaxChars)
	if trimmed, ok := quality.TrimToLastSentence(out); ok && trimmed != "" {
		return trimmed, true
	}
	return out, truncated
}

// complete performs one logical attempt: the active provider, and the
// fallback once if the primary errors.
func (p *Pipeline) complete(ctx context.Context, r *run, prompt []llm.Message, settings model.GenerationSettings) (*candidate, error) {
	if !r.fallbackUsed {
		cand, err := p.call(ctx, r, p.primary, prompt, settings)
		if err == nil {
			return cand, nil
		}
		if p.fallback == nil || ctx.Err() != nil {
			return nil, err
		}
		slog.WarnContext(ctx, "primary provider failed, switching to fallback",
			"provider", p.primary.Provider(),
			"fallback", p.fallback.Provider(),
			"error", err)
		r.fallbackUsed = true
		metrics.Fallbacks.Inc()
	}
	return p.call(ctx, r, p.fallback, prompt, settings)
}

func (p *Pipeline) call(ctx context.Context, r *run, client llm.Client, prompt []llm.Message, settings model.GenerationSettings) (*candidate, error) {
	callCtx := ctx
	if p.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.ProviderTimeout)
		defer cancel()
	}

	req := llm.CompletionRequest{
		Messages:    prompt,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: llm.Temp(p.cfg.Temperature),
	}
	if settings.MaxTokens > 0 {
		req.MaxTokens = settings.MaxTokens
	}
	if settings.Temperature != nil {
		req.Temperature = settings.Temperature
	}

	r.calls++
	resp, err := client.Complete(callCtx, req)
	if err != nil {
		r.lastErr = err
		metrics.GenerationAttempts.WithLabelValues(client.Provider(), "error").Inc()
		return nil, fmt.Errorf("%s completion: %w", client.Provider(), err)
	}
	r.promptTokens += resp.PromptTokens
	r.completionTokens += resp.CompletionTokens

	text := quality.Clean(resp.Text)
	return &candidate{
		text:       text,
		client:     client,
		assessment: p.assessor.Assess(text),
	}, nil
}

func (p *Pipeline) failure(ctx context.Context, r *run, kind FailureKind, err error) *ProviderFailure {
	if err == nil {
		err = r.lastErr
	}
	pf := &ProviderFailure{
		Kind:     kind,
		Cause:    err.Error(),
		Attempts: r.calls,
		At:       p.now().UTC(),
		Err:      err,
	}
	metrics.ProviderFailures.WithLabelValues(string(kind)).Inc()
	slog.ErrorContext(ctx, "generation failed", "kind", kind, "attempts", r.calls, "error", err)
	return pf
}

// BuildPrompt places all system instructions first, followed by the
// conversation turns. On a retry the brevity instruction is appended to the
// system message, or sent as its own system message when there is none.
func BuildPrompt(messages []llm.Message, character model.Character, retry int) []llm.Message {
	var system []string
	if s := strings.TrimSpace(character.SystemPrompt); s != "" {
		system = append(system, s)
	}

	turns := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != llm.RoleSystem {
			turns = append(turns, m)
			continue
		}
		s := strings.TrimSpace(m.Content)
		if s == "" || (len(system) > 0 && system[0] == s) {
			continue
		}
		system = append(system, s)
	}

	if retry > 0 {
		system = append(system, quality.BrevityInstruction(retry))
	}

	out := make([]llm.Message, 0, len(turns)+1)
	if len(system) > 0 {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: strings.Join(system, "\n\n")})
	}
	return append(out, turns...)
}
