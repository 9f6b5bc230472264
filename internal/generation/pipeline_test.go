package generation_test

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"basegraph.app/parley/common/llm"
	"basegraph.app/parley/core/config"
	"basegraph.app/parley/internal/generation"
	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/quality"
	"basegraph.app/parley/internal/safety"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Pipeline", func() {
	var (
		ctx       context.Context
		primary   *mockLLMClient
		fallback  *mockLLMClient
		cfg       config.GenerationConfig
		character model.Character
		messages  []llm.Message
	)

	newPipeline := func(fb llm.Client) *generation.Pipeline {
		return generation.NewPipeline(primary, fb, quality.NewAssessor(quality.DefaultThresholds()), safety.NewFilter(), cfg)
	}

	BeforeEach(func() {
		ctx = context.Background()
		primary = &mockLLMClient{provider: llm.ProviderOpenAI, model: "gpt-4o-mini"}
		fallback = &mockLLMClient{provider: llm.ProviderAnthropic, model: "claude-haiku"}
		cfg = config.GenerationConfig{
			ProviderTimeout: time.Second,
			MaxAttempts:     2,
			MaxTokens:       400,
			Temperature:     0.8,
			MaxReplyChars:   600,
		}
		character = model.Character{ID: "c1", Name: "Mira", SystemPrompt: "You are Mira, a cheerful gardener."}
		messages = []llm.Message{{Role: llm.RoleUser, Content: "hi mira"}}
	})

	Describe("Generate", func() {
		It("accepts a good first reply", func() {
			primary.completeFn = replyWith("Hey there! How was your day?")

			reply, err := newPipeline(fallback).Generate(ctx, messages, model.GenerationSettings{}, character)

			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Content).To(Equal("Hey there! How was your day?"))
			Expect(reply.Type).To(Equal(model.MessageTypeText))
			Expect(reply.Metadata.Provider).To(Equal(llm.ProviderOpenAI))
			Expect(reply.Metadata.Model).To(Equal("gpt-4o-mini"))
			Expect(reply.Metadata.FallbackUsed).To(BeFalse())
			Expect(reply.Metadata.Attempts).To(Equal(1))
			Expect(reply.Metadata.RetryCount).To(Equal(0))
			Expect(reply.Metadata.PromptTokens).To(Equal(10))
			Expect(reply.Metadata.QualityScore).To(Equal(1.0))
			Expect(primary.calls()).To(Equal(1))
			Expect(fallback.calls()).To(Equal(0))
		})

		It("sends the system prompt first with configured generation params", func() {
			primary.completeFn = replyWith("Hello! Lovely to see you.")

			_, err := newPipeline(nil).Generate(ctx, messages, model.GenerationSettings{}, character)

			Expect(err).NotTo(HaveOccurred())
			req := primary.requests[0]
			Expect(req.Messages[0].Role).To(Equal(llm.RoleSystem))
			Expect(req.Messages[0].Content).To(Equal(character.SystemPrompt))
			Expect(req.Messages[1].Content).To(Equal("hi mira"))
			Expect(req.MaxTokens).To(Equal(400))
			Expect(*req.Temperature).To(Equal(0.8))
		})

		It("lets per-request settings override the defaults", func() {
			primary.completeFn = replyWith("Sure thing!")

			_, err := newPipeline(nil).Generate(ctx, messages,
				model.GenerationSettings{MaxTokens: 50, Temperature: llm.Temp(0.2)}, character)

			Expect(err).NotTo(HaveOccurred())
			Expect(primary.requests[0].MaxTokens).To(Equal(50))
			Expect(*primary.requests[0].Temperature).To(Equal(0.2))
		})

		It("strips reasoning artifacts before scoring", func() {
			primary.completeFn = replyWith("<think>they seem sad</think>  Aw, I'm here for you.")

			reply, err := newPipeline(nil).Generate(ctx, messages, model.GenerationSettings{}, character)

			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Content).To(Equal("Aw, I'm here for you."))
			Expect(primary.calls()).To(Equal(1))
		})

		Context("quality retries", func() {
			It("stops after two attempts when the reply never improves", func() {
				primary.completeFn = replyWith("Hello")

				reply, err := newPipeline(fallback).Generate(ctx, messages, model.GenerationSettings{}, character)

				Expect(err).NotTo(HaveOccurred())
				Expect(primary.calls()).To(Equal(2))
				Expect(fallback.calls()).To(Equal(0))
				Expect(reply.Content).To(Equal("Hello"))
				Expect(reply.Metadata.RetryCount).To(Equal(1))
				Expect(reply.Metadata.Attempts).To(Equal(2))
			})

			It("adds a brevity instruction to the system message on retry", func() {
				primary.completeFn = replyWith("Hello", "Hi! Good to see you.")

				reply, err := newPipeline(nil).Generate(ctx, messages, model.GenerationSettings{}, character)

				Expect(err).NotTo(HaveOccurred())
				Expect(reply.Content).To(Equal("Hi! Good to see you."))
				Expect(reply.Metadata.RetryCount).To(Equal(1))

				Expect(primary.requests[0].Messages[0].Content).NotTo(ContainSubstring("extremely brief"))
				retry := primary.requests[1].Messages
				Expect(retry[0].Role).To(Equal(llm.RoleSystem))
				Expect(retry[0].Content).To(HavePrefix(character.SystemPrompt))
				Expect(retry[0].Content).To(ContainSubstring("extremely brief"))
				Expect(retry).To(HaveLen(2))
			})

			It("prepends a brevity system message when there is no system prompt", func() {
				primary.completeFn = replyWith("Hello", "Hi there!")

				_, err := newPipeline(nil).Generate(ctx, messages, model.GenerationSettings{}, model.Character{ID: "c1"})

				Expect(err).NotTo(HaveOccurred())
				Expect(primary.requests[0].Messages[0].Role).To(Equal(llm.RoleUser))
				retry := primary.requests[1].Messages
				Expect(retry).To(HaveLen(2))
				Expect(retry[0].Role).To(Equal(llm.RoleSystem))
				Expect(retry[0].Content).To(Equal(quality.BrevityInstruction(1)))
			})

			It("truncates an overlong best candidate at a sentence boundary", func() {
				long := strings.TrimSpace(strings.Repeat("This garden is lovely. ", 12))
				primary.completeFn = replyWith(long)

				reply, err := newPipeline(nil).Generate(ctx, messages, model.GenerationSettings{}, character)

				Expect(err).NotTo(HaveOccurred())
				Expect(reply.Metadata.Truncated).To(BeTrue())
				Expect(utf8.RuneCountInString(reply.Content)).To(BeNumerically("<=", 200))
				Expect(reply.Content).To(HaveSuffix("lovely."))
			})

			It("uses the best candidate when the provider fails on retry", func() {
				primary.completeFn = func() func(context.Context, llm.CompletionRequest) (*llm.Completion, error) {
					n := 0
					return func(context.Context, llm.CompletionRequest) (*llm.Completion, error) {
						n++
						if n == 1 {
							return &llm.Completion{Text: "Hello"}, nil
						}
						return nil, errors.New("503 service unavailable")
					}
				}()

				reply, err := newPipeline(nil).Generate(ctx, messages, model.GenerationSettings{}, character)

				Expect(err).NotTo(HaveOccurred())
				Expect(reply.Content).To(Equal("Hello"))
				Expect(primary.calls()).To(Equal(2))
			})

			It("enforces the hard reply length cap", func() {
				cfg.MaxReplyChars = 20
				primary.completeFn = replyWith("Hey there! How was your day?")

				reply, err := newPipeline(nil).Generate(ctx, messages, model.GenerationSettings{}, character)

				Expect(err).NotTo(HaveOccurred())
				Expect(reply.Content).To(Equal("Hey there!"))
				Expect(reply.Metadata.Truncated).To(BeTrue())
			})
		})

		Context("fallback", func() {
			It("calls the fallback exactly once when the primary fails", func() {
				primary.completeFn = failWith(errors.New("connection refused"))
				fallback.completeFn = replyWith("Hi! I missed you.")

				reply, err := newPipeline(fallback).Generate(ctx, messages, model.GenerationSettings{}, character)

				Expect(err).NotTo(HaveOccurred())
				Expect(primary.calls()).To(Equal(1))
				Expect(fallback.calls()).To(Equal(1))
				Expect(reply.Metadata.FallbackUsed).To(BeTrue())
				Expect(reply.Metadata.Provider).To(Equal(llm.ProviderAnthropic))
				Expect(reply.Metadata.Attempts).To(Equal(2))
			})

			It("keeps using the fallback for quality retries", func() {
				primary.completeFn = failWith(errors.New("connection refused"))
				fallback.completeFn = replyWith("Hello", "Hello there!")

				reply, err := newPipeline(fallback).Generate(ctx, messages, model.GenerationSettings{}, character)

				Expect(err).NotTo(HaveOccurred())
				Expect(primary.calls()).To(Equal(1))
				Expect(fallback.calls()).To(Equal(2))
				Expect(reply.Content).To(Equal("Hello there!"))
			})

			It("treats a provider timeout as a failure and falls back", func() {
				cfg.ProviderTimeout = 20 * time.Millisecond
				primary.completeFn = func(ctx context.Context, _ llm.CompletionRequest) (*llm.Completion, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				}
				fallback.completeFn = replyWith("Sorry, I'm back now!")

				reply, err := newPipeline(fallback).Generate(ctx, messages, model.GenerationSettings{}, character)

				Expect(err).NotTo(HaveOccurred())
				Expect(reply.Metadata.FallbackUsed).To(BeTrue())
			})

			It("returns a ProviderFailure when both providers fail", func() {
				primary.completeFn = failWith(errors.New("primary down"))
				fallback.completeFn = failWith(errors.New("fallback down"))

				reply, err := newPipeline(fallback).Generate(ctx, messages, model.GenerationSettings{}, character)

				Expect(reply).To(BeNil())
				var pf *generation.ProviderFailure
				Expect(errors.As(err, &pf)).To(BeTrue())
				Expect(pf.Kind).To(Equal(generation.FailureLLM))
				Expect(pf.Attempts).To(Equal(2))
				Expect(pf.Cause).To(ContainSubstring("fallback down"))
				Expect(pf.At).NotTo(BeZero())
				Expect(primary.calls()).To(Equal(1))
				Expect(fallback.calls()).To(Equal(1))

				marker := pf.Marker()
				Expect(marker.Kind).To(Equal("llm_failure"))
				Expect(marker.Attempts).To(Equal(2))
			})

			It("returns a ProviderFailure without a fallback configured", func() {
				primary.completeFn = failWith(errors.New("primary down"))

				_, err := newPipeline(nil).Generate(ctx, messages, model.GenerationSettings{}, character)

				var pf *generation.ProviderFailure
				Expect(errors.As(err, &pf)).To(BeTrue())
				Expect(pf.Attempts).To(Equal(1))
			})

			It("reports an empty response when nothing usable comes back", func() {
				primary.completeFn = replyWith("<think>hmm")

				_, err := newPipeline(nil).Generate(ctx, messages, model.GenerationSettings{}, character)

				var pf *generation.ProviderFailure
				Expect(errors.As(err, &pf)).To(BeTrue())
				Expect(pf.Kind).To(Equal(generation.FailureEmptyResponse))
				Expect(pf.Attempts).To(Equal(2))
				Expect(errors.Is(err, llm.ErrEmptyCompletion)).To(BeTrue())
			})
		})

		Context("cancellation", func() {
			It("returns the context error instead of a failure when the caller stops", func() {
				stopCtx, stop := context.WithCancel(ctx)
				primary.completeFn = func(ctx context.Context, _ llm.CompletionRequest) (*llm.Completion, error) {
					stop()
					return nil, ctx.Err()
				}

				reply, err := newPipeline(fallback).Generate(stopCtx, messages, model.GenerationSettings{}, character)

				Expect(reply).To(BeNil())
				Expect(errors.Is(err, context.Canceled)).To(BeTrue())
				var pf *generation.ProviderFailure
				Expect(errors.As(err, &pf)).To(BeFalse())
				Expect(fallback.calls()).To(Equal(0))
			})

			It("discards the best candidate when stopped during a quality retry", func() {
				stopCtx, stop := context.WithCancel(ctx)
				calls := 0
				primary.completeFn = func(ctx context.Context, _ llm.CompletionRequest) (*llm.Completion, error) {
					calls++
					if calls == 1 {
						return &llm.Completion{Text: "Hello", PromptTokens: 10, CompletionTokens: 5}, nil
					}
					stop()
					return nil, ctx.Err()
				}

				reply, err := newPipeline(nil).Generate(stopCtx, messages, model.GenerationSettings{}, character)

				Expect(reply).To(BeNil())
				Expect(errors.Is(err, context.Canceled)).To(BeTrue())
				Expect(primary.calls()).To(Equal(2))
			})
		})

		Context("content safety", func() {
			It("replaces a prohibited reply with the category safe message", func() {
				primary.completeFn = replyWith("Fine. I'll kill you if you leave.")

				reply, err := newPipeline(nil).Generate(ctx, messages, model.GenerationSettings{}, character)

				Expect(err).NotTo(HaveOccurred())
				Expect(reply.Content).To(Equal(safety.SafeMessage(safety.CategoryViolence)))
				Expect(reply.Content).NotTo(ContainSubstring("kill"))
				Expect(reply.Metadata.Filtered).To(BeTrue())
				Expect(reply.Metadata.FilterCategory).To(Equal("violence"))
			})
		})
	})

	Describe("BuildPrompt", func() {
		It("hoists system messages to the front", func() {
			in := []llm.Message{
				{Role: llm.RoleUser, Content: "hello"},
				{Role: llm.RoleSystem, Content: "Stay in character."},
				{Role: llm.RoleAssistant, Content: "Hi!"},
			}

			out := generation.BuildPrompt(in, character, 0)

			Expect(out).To(HaveLen(3))
			Expect(out[0].Role).To(Equal(llm.RoleSystem))
			Expect(out[0].Content).To(Equal(character.SystemPrompt + "\n\nStay in character."))
			Expect(out[1].Content).To(Equal("hello"))
			Expect(out[2].Content).To(Equal("Hi!"))
		})

		It("does not repeat the character prompt", func() {
			in := []llm.Message{
				{Role: llm.RoleSystem, Content: character.SystemPrompt},
				{Role: llm.RoleUser, Content: "hello"},
			}

			out := generation.BuildPrompt(in, character, 0)

			Expect(out).To(HaveLen(2))
			Expect(out[0].Content).To(Equal(character.SystemPrompt))
		})
	})
})
