package worker_test

import (
	"context"
	"errors"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"basegraph.app/parley/common/llm"
	"basegraph.app/parley/core/config"
	"basegraph.app/parley/internal/convstate"
	"basegraph.app/parley/internal/generation"
	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/notify"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/service"
	"basegraph.app/parley/internal/worker"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ReplyProcessor", func() {
	var (
		ctx           context.Context
		generator     *mockGenerator
		messages      *mockMessageStore
		conversations *mockConversationStore
		characters    *mockCharacterStore
		markers       *mockMarkers
		completer     *mockCompleter
		publisher     *mockPublisher
		producer      *mockProducer
		deps          worker.ReplyDeps
		t0            time.Time
	)

	mira := model.Character{ID: "c1", Name: "Mira", SystemPrompt: "You are Mira."}

	envelope := func(id string) model.Envelope {
		return model.Envelope{
			MessageID:      id,
			ConversationID: "u1_c1",
			UserID:         "u1",
			CharacterID:    "c1",
			Sender:         model.SenderUser,
			Type:           model.MessageTypeText,
			Payload:        "hello " + id,
			ReceivedAt:     t0,
		}
	}

	jobFor := func(env model.Envelope) queue.Message {
		c := mira
		return queue.Message{
			ID:             "1-0",
			Stream:         "parley_jobs",
			TaskType:       queue.TaskTypeGenerateReply,
			ConversationID: env.ConversationID,
			MessageID:      env.MessageID,
			Envelope:       &env,
			Character:      &c,
			Attempt:        1,
		}
	}

	seed := func(env model.Envelope) {
		msg := model.MessageFromEnvelope(env)
		_, err := messages.Append(ctx, &msg)
		Expect(err).NotTo(HaveOccurred())
	}

	newProcessor := func() *worker.ReplyProcessor {
		p := worker.NewReplyProcessor(deps)
		p.SetPersistBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
		return p
	}

	accepted := func(text string) func(context.Context, []llm.Message, model.Character) (*generation.Reply, error) {
		return func(context.Context, []llm.Message, model.Character) (*generation.Reply, error) {
			return &generation.Reply{
				Content: text,
				Type:    model.MessageTypeText,
				Metadata: model.ReplyMetadata{
					Provider:         "openai",
					Model:            "gpt-4o-mini",
					Attempts:         1,
					PromptTokens:     40,
					CompletionTokens: 12,
					QualityScore:     0.9,
				},
			}, nil
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
		generator = &mockGenerator{generateFn: accepted("Hi! Lovely to hear from you.")}
		messages = newMockMessageStore()
		conversations = &mockConversationStore{}
		characters = &mockCharacterStore{characters: map[string]model.Character{"c1": mira}}
		markers = newMockMarkers()
		completer = &mockCompleter{}
		publisher = &mockPublisher{}
		producer = &mockProducer{}
		deps = worker.ReplyDeps{
			Generator:     generator,
			Contexts:      mockContextBuilder{},
			Messages:      messages,
			Conversations: conversations,
			Characters:    characters,
			Markers:       markers,
			Completer:     completer,
			Publisher:     publisher,
			Producer:      producer,
			Ack:           config.AckConfig{},
		}
	})

	Describe("Process", func() {
		It("stores the reply, links it and advances the conversation", func() {
			env := envelope("m1")
			seed(env)

			err := newProcessor().Process(ctx, jobFor(env))

			Expect(err).NotTo(HaveOccurred())
			replies := messages.replies()
			Expect(replies).To(HaveLen(1))
			reply := replies[0]
			Expect(reply.Content).To(Equal("Hi! Lovely to hear from you."))
			Expect(*reply.RepliesTo).To(Equal("m1"))
			Expect(reply.Metadata.Provider).To(Equal("openai"))

			Expect(*messages.get("m1").AnsweredBy).To(Equal(reply.ID))
			replyID, ok, _ := markers.Get(ctx, "u1_c1", "m1")
			Expect(ok).To(BeTrue())
			Expect(replyID).To(Equal(reply.ID))

			Expect(conversations.total()).To(Equal(model.StatsDelta{Replies: 1, TokensUsed: 52}))
			Expect(publisher.types()).To(Equal([]notify.EventType{notify.EventReplyReady}))
			Expect(publisher.last().Reply.ID).To(Equal(reply.ID))
			Expect(completer.completions()).To(Equal([]completion{{"u1_c1", "m1"}}))
		})

		It("loads the character when the job does not carry one", func() {
			env := envelope("m1")
			seed(env)
			var got model.Character
			generator.generateFn = func(_ context.Context, _ []llm.Message, c model.Character) (*generation.Reply, error) {
				got = c
				return accepted("Hello there.")(ctx, nil, c)
			}
			job := jobFor(env)
			job.Character = nil

			Expect(newProcessor().Process(ctx, job)).To(Succeed())
			Expect(got.SystemPrompt).To(Equal("You are Mira."))
		})

		Context("when both providers fail", func() {
			BeforeEach(func() {
				generator.generateFn = func(context.Context, []llm.Message, model.Character) (*generation.Reply, error) {
					return nil, &generation.ProviderFailure{
						Kind:     generation.FailureLLM,
						Cause:    "upstream 503",
						Attempts: 2,
						At:       t0,
						Err:      errors.New("upstream 503"),
					}
				}
			})

			It("marks the message failed instead of inventing a reply", func() {
				env := envelope("m1")
				seed(env)

				err := newProcessor().Process(ctx, jobFor(env))

				Expect(err).NotTo(HaveOccurred())
				Expect(messages.replies()).To(BeEmpty())
				marker := messages.get("m1").Error
				Expect(marker).NotTo(BeNil())
				Expect(marker.Kind).To(Equal("llm_failure"))
				Expect(marker.Attempts).To(Equal(2))
				Expect(conversations.total()).To(Equal(model.StatsDelta{Failures: 1}))
				Expect(publisher.types()).To(Equal([]notify.EventType{notify.EventGenerationFailed}))
				Expect(publisher.last().Error.Kind).To(Equal("llm_failure"))
				Expect(completer.completions()).To(HaveLen(1))
			})

			It("still hands the conversation to the next queued message", func() {
				mr := miniredis.RunT(GinkgoT())
				rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				DeferCleanup(rdb.Close)
				machine := convstate.New(rdb, time.Hour)
				dispatcher := service.NewDispatcher(machine, producer, publisher, mockUserStore{}, characters)
				deps.Completer = dispatcher

				m1, m2 := envelope("m1"), envelope("m2")
				m2.ReceivedAt = t0.Add(time.Second)
				seed(m1)
				seed(m2)
				first, err := machine.TryAdmit(ctx, m1)
				Expect(err).NotTo(HaveOccurred())
				Expect(first.Outcome).To(Equal(convstate.OutcomeAdmitted))
				second, err := machine.TryAdmit(ctx, m2)
				Expect(err).NotTo(HaveOccurred())
				Expect(second.Outcome).To(Equal(convstate.OutcomeQueued))

				Expect(newProcessor().Process(ctx, jobFor(m1))).To(Succeed())

				tasks := producer.enqueued()
				Expect(tasks).To(HaveLen(1))
				Expect(tasks[0].Envelope.MessageID).To(Equal("m2"))
				snap, err := machine.Snapshot(ctx, "u1_c1")
				Expect(err).NotTo(HaveOccurred())
				Expect(snap.Phase).To(Equal(model.PhaseProcessing))
				Expect(snap.ActiveMessageID).To(Equal("m2"))
			})
		})

		Context("when the job is redelivered", func() {
			It("skips generation when the answered marker is set", func() {
				env := envelope("m1")
				seed(env)
				Expect(markers.Mark(ctx, "u1_c1", "m1", "r1")).To(Succeed())

				Expect(newProcessor().Process(ctx, jobFor(env))).To(Succeed())

				Expect(generator.callCount()).To(Equal(0))
				Expect(messages.replies()).To(BeEmpty())
				Expect(completer.completions()).To(HaveLen(1))
			})

			It("skips generation when a linked reply is already stored", func() {
				env := envelope("m1")
				seed(env)
				p := newProcessor()
				Expect(p.Process(ctx, jobFor(env))).To(Succeed())
				markers.answers = map[string]string{}

				Expect(p.Process(ctx, jobFor(env))).To(Succeed())

				Expect(generator.callCount()).To(Equal(1))
				Expect(messages.replies()).To(HaveLen(1))
				_, ok, _ := markers.Get(ctx, "u1_c1", "m1")
				Expect(ok).To(BeTrue())
				Expect(completer.completions()).To(HaveLen(2))
			})
		})

		It("sends an apology when generation fails unexpectedly", func() {
			env := envelope("m1")
			seed(env)
			deps.Ack = config.AckConfig{Probability: 1, MaxDelay: time.Second}
			generator.generateFn = func(context.Context, []llm.Message, model.Character) (*generation.Reply, error) {
				return nil, errors.New("nil pointer somewhere")
			}

			Expect(newProcessor().Process(ctx, jobFor(env))).To(Succeed())

			replies := messages.replies()
			Expect(replies).To(HaveLen(1))
			Expect(replies[0].Metadata.Apology).To(BeTrue())
			Expect(messages.get("m1").Error).To(BeNil())
			Expect(producer.enqueued()).To(BeEmpty())
			Expect(completer.completions()).To(HaveLen(1))
		})

		It("recovers a panicking generator", func() {
			env := envelope("m1")
			seed(env)
			generator.generateFn = func(context.Context, []llm.Message, model.Character) (*generation.Reply, error) {
				panic("boom")
			}

			Expect(newProcessor().Process(ctx, jobFor(env))).To(Succeed())

			Expect(messages.replies()).To(HaveLen(1))
			Expect(completer.completions()).To(HaveLen(1))
		})

		It("marks the message when the reply cannot be stored", func() {
			env := envelope("m1")
			seed(env)
			messages.appendFn = func(context.Context, *model.Message) (bool, error) {
				return false, errors.New("connection refused")
			}

			Expect(newProcessor().Process(ctx, jobFor(env))).To(Succeed())

			marker := messages.get("m1").Error
			Expect(marker).NotTo(BeNil())
			Expect(marker.Kind).To(Equal("persist_failure"))
			Expect(publisher.types()).To(Equal([]notify.EventType{notify.EventGenerationFailed}))
			Expect(completer.completions()).To(HaveLen(1))
		})

		It("generates with the character's settings", func() {
			env := envelope("m1")
			seed(env)
			job := jobFor(env)
			job.Character.Settings = model.GenerationSettings{MaxTokens: 80, Temperature: llm.Temp(0.4)}

			Expect(newProcessor().Process(ctx, job)).To(Succeed())

			settings := generator.lastSettings()
			Expect(settings.MaxTokens).To(Equal(80))
			Expect(*settings.Temperature).To(Equal(0.4))
		})

		It("leaves the message active for redelivery when stopped mid-generation", func() {
			env := envelope("m1")
			seed(env)
			stopCtx, stop := context.WithCancel(ctx)
			generator.generateFn = func(ctx context.Context, _ []llm.Message, _ model.Character) (*generation.Reply, error) {
				stop()
				return nil, ctx.Err()
			}

			err := newProcessor().Process(stopCtx, jobFor(env))

			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(messages.get("m1").Error).To(BeNil())
			Expect(messages.replies()).To(BeEmpty())
			Expect(publisher.types()).To(BeEmpty())
			Expect(conversations.total()).To(Equal(model.StatsDelta{}))
			Expect(completer.completions()).To(BeEmpty())
		})

		It("tolerates a completion for a message that is no longer active", func() {
			env := envelope("m1")
			seed(env)
			completer.completeFn = func(context.Context, string, string) (*model.Envelope, error) {
				return nil, convstate.ErrNotActive
			}

			Expect(newProcessor().Process(ctx, jobFor(env))).To(Succeed())
			Expect(messages.replies()).To(HaveLen(1))
		})

		It("releases the conversation for a job without an envelope", func() {
			job := queue.Message{ID: "1-0", TaskType: queue.TaskTypeGenerateReply, ConversationID: "u1_c1", MessageID: "m1"}

			err := newProcessor().Process(ctx, job)

			Expect(err).To(HaveOccurred())
			Expect(completer.completions()).To(Equal([]completion{{"u1_c1", "m1"}}))
		})

		Context("acknowledgements", func() {
			It("schedules a delayed seen task", func() {
				env := envelope("m1")
				seed(env)
				deps.Ack = config.AckConfig{Probability: 1, MaxDelay: 10 * time.Second}
				p := newProcessor()
				p.SetRandom(func() float64 { return 0.5 })
				before := time.Now()

				Expect(p.Process(ctx, jobFor(env))).To(Succeed())

				tasks := producer.enqueued()
				Expect(tasks).To(HaveLen(1))
				Expect(tasks[0].TaskType).To(Equal(queue.TaskTypeAcknowledge))
				Expect(tasks[0].Envelope.MessageID).To(Equal("m1"))
				Expect(tasks[0].ReplyID).To(Equal(messages.replies()[0].ID))
				Expect(tasks[0].NotBefore).To(BeTemporally("~", before.Add(5*time.Second), time.Second))
			})

			It("skips the task when the roll misses", func() {
				env := envelope("m1")
				seed(env)
				deps.Ack = config.AckConfig{Probability: 0.3, MaxDelay: 10 * time.Second}
				p := newProcessor()
				p.SetRandom(func() float64 { return 0.9 })

				Expect(p.Process(ctx, jobFor(env))).To(Succeed())
				Expect(producer.enqueued()).To(BeEmpty())
			})
		})
	})
})
