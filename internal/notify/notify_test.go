package notify_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"basegraph.app/parley/internal/notify"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Notify", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		mr     *miniredis.Miniredis
		rdb    *redis.Client
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		mr = miniredis.RunT(GinkgoT())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(func() {
			cancel()
			_ = rdb.Close()
		})
	})

	Describe("Publisher", func() {
		It("publishes JSON on the conversation topic", func() {
			sub := rdb.Subscribe(ctx, "conversation:u1_c1")
			_, err := sub.Receive(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer sub.Close()

			pub := notify.NewRedisPublisher(rdb, "conversation:")
			Expect(pub.Publish(ctx, notify.Event{
				Type:           notify.EventQueuePosition,
				ConversationID: "u1_c1",
				MessageID:      "m2",
				Position:       1,
			})).To(Succeed())

			var msg *redis.Message
			Eventually(sub.Channel()).Should(Receive(&msg))
			Expect(msg.Channel).To(Equal("conversation:u1_c1"))

			var event notify.Event
			Expect(json.Unmarshal([]byte(msg.Payload), &event)).To(Succeed())
			Expect(event.Type).To(Equal(notify.EventQueuePosition))
			Expect(event.Position).To(Equal(1))
			Expect(event.At).NotTo(BeZero())
		})

		It("requires a conversation id", func() {
			pub := notify.NewRedisPublisher(rdb, "conversation:")
			Expect(pub.Publish(ctx, notify.Event{Type: notify.EventReplyReady})).NotTo(Succeed())
		})
	})

	Describe("Hub", func() {
		It("delivers only to subscribers of the conversation", func() {
			hub := notify.NewHub(nil)
			a := hub.Subscribe("u1_c1")
			b := hub.Subscribe("u2_c1")

			hub.Broadcast(notify.Event{Type: notify.EventReplyReady, ConversationID: "u1_c1"})

			Eventually(a.Events()).Should(Receive(HaveField("Type", notify.EventReplyReady)))
			Consistently(b.Events(), 50*time.Millisecond).ShouldNot(Receive())
		})

		It("closes the channel on unsubscribe", func() {
			hub := notify.NewHub(nil)
			sub := hub.Subscribe("u1_c1")
			Expect(hub.Subscribers("u1_c1")).To(Equal(1))

			hub.Unsubscribe(sub)
			hub.Unsubscribe(sub)

			Expect(hub.Subscribers("u1_c1")).To(Equal(0))
			Eventually(sub.Events()).Should(BeClosed())
		})

		It("ends every stream on close", func() {
			hub := notify.NewHub(nil)
			a := hub.Subscribe("u1_c1")
			b := hub.Subscribe("u2_c1")

			hub.Close()
			hub.Unsubscribe(a)

			Expect(hub.Subscribers("u1_c1")).To(Equal(0))
			Eventually(a.Events()).Should(BeClosed())
			Eventually(b.Events()).Should(BeClosed())
		})

		It("drops events for a full subscriber instead of blocking", func() {
			hub := notify.NewHub(nil)
			sub := hub.Subscribe("u1_c1")

			for i := 0; i < 100; i++ {
				hub.Broadcast(notify.Event{Type: notify.EventQueuePosition, ConversationID: "u1_c1", Position: i})
			}

			Expect(len(sub.Events())).To(Equal(16))
		})

		It("forwards published events from redis", func() {
			hub := notify.NewHub(nil)
			sub := hub.Subscribe("u1_c1")
			Expect(hub.Forward(ctx, rdb, "conversation:")).To(Succeed())

			pub := notify.NewRedisPublisher(rdb, "conversation:")
			Expect(pub.Publish(ctx, notify.Event{
				Type:           notify.EventProcessingStarted,
				ConversationID: "u1_c1",
				MessageID:      "m1",
			})).To(Succeed())

			var event notify.Event
			Eventually(sub.Events()).Should(Receive(&event))
			Expect(event.Type).To(Equal(notify.EventProcessingStarted))
			Expect(event.MessageID).To(Equal("m1"))
		})
	})
})
