package worker_test

import (
	"context"
	"time"

	"basegraph.app/parley/internal/notify"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/worker"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AckProcessor", func() {
	var (
		ctx       context.Context
		messages  *mockMessageStore
		publisher *mockPublisher
		processor *worker.AckProcessor
		now       time.Time
	)

	task := func(notBefore time.Time) queue.Message {
		return queue.Message{
			ID:             "1-0",
			Stream:         "parley_acks",
			TaskType:       queue.TaskTypeAcknowledge,
			ConversationID: "u1_c1",
			MessageID:      "m1",
			ReplyID:        "r1",
			NotBefore:      notBefore,
			Attempt:        1,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		messages = newMockMessageStore()
		publisher = &mockPublisher{}
		now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
		processor = worker.NewAckProcessor(messages, publisher)
		processor.SetClock(func() time.Time { return now })
	})

	It("marks the message seen once not_before has passed", func() {
		Expect(processor.Process(ctx, task(now.Add(-time.Second)))).To(Succeed())

		Expect(messages.seen).To(HaveKeyWithValue("m1", now))
		Expect(publisher.types()).To(Equal([]notify.EventType{notify.EventMessageSeen}))
		Expect(publisher.last().MessageID).To(Equal("m1"))
	})

	It("gives up waiting when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(ctx)
		cancel()

		err := processor.Process(ctx, task(now.Add(time.Hour)))

		Expect(err).To(MatchError(context.Canceled))
		Expect(messages.seen).To(BeEmpty())
		Expect(publisher.types()).To(BeEmpty())
	})
})
