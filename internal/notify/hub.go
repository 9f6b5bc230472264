package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const subscriberBuffer = 16

type Subscriber struct {
	ID             uuid.UUID
	ConversationID string
	events         chan Event
	once           sync.Once
}

// Events is closed when the subscriber is removed from the hub.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Hub fans conversation events out to local SSE subscribers.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[string]map[*Subscriber]struct{}
	logger        *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscriptions: make(map[string]map[*Subscriber]struct{}),
		logger:        logger.With("component", "parley.notify.hub"),
	}
}

func (h *Hub) Subscribe(conversationID string) *Subscriber {
	sub := &Subscriber{
		ID:             uuid.New(),
		ConversationID: conversationID,
		events:         make(chan Event, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscriptions[conversationID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.subscriptions[conversationID] = subs
	}
	subs[sub] = struct{}{}

	h.logger.Debug("sse subscriber added", "subscriber_id", sub.ID, "conversation_id", conversationID)
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subscriptions[sub.ConversationID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscriptions, sub.ConversationID)
		}
	}
	sub.once.Do(func() { close(sub.events) })
}

func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[conversationID])
}

// Close removes every subscriber, ending their streams.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conversationID, subs := range h.subscriptions {
		for sub := range subs {
			sub.once.Do(func() { close(sub.events) })
		}
		delete(h.subscriptions, conversationID)
	}
}

// Broadcast never blocks; events for a slow subscriber are dropped.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscriptions[event.ConversationID] {
		select {
		case sub.events <- event:
		default:
			h.logger.Warn("dropping event, subscriber buffer full",
				"subscriber_id", sub.ID,
				"conversation_id", event.ConversationID,
				"event", event.Type)
		}
	}
}

// Forward pattern-subscribes to every conversation topic and broadcasts
// received events until ctx is done. It returns once the subscription is live.
func (h *Hub) Forward(ctx context.Context, client *redis.Client, prefix string) error {
	pubsub := client.PSubscribe(ctx, prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("psubscribe %s*: %w", prefix, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					h.logger.Warn("bad notification payload", "channel", msg.Channel, "error", err)
					continue
				}
				if event.ConversationID == "" {
					event.ConversationID = strings.TrimPrefix(msg.Channel, prefix)
				}
				h.Broadcast(event)
			}
		}
	}()
	return nil
}
