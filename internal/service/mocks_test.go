package service_test

import (
	"context"
	"sync"
	"time"

	"basegraph.app/parley/internal/convstate"
	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/notify"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/service"
	"basegraph.app/parley/internal/store"
)

type mockUserStore struct {
	mu    sync.Mutex
	plans map[string]model.Plan
}

func (m *mockUserStore) Get(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &model.User{ID: id, Plan: plan}, nil
}

func (m *mockUserStore) GetOrCreate(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plans == nil {
		m.plans = map[string]model.Plan{}
	}
	plan, ok := m.plans[id]
	if !ok {
		plan = model.PlanFree
		m.plans[id] = plan
	}
	return &model.User{ID: id, Plan: plan}, nil
}

func (m *mockUserStore) exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.plans[id]
	return ok
}

func (m *mockUserStore) SetPlan(_ context.Context, id string, plan model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plans == nil {
		m.plans = map[string]model.Plan{}
	}
	m.plans[id] = plan
	return nil
}

type mockCharacterStore struct {
	characters map[string]model.Character
}

func (m *mockCharacterStore) GetByID(_ context.Context, id string) (*model.Character, error) {
	c, ok := m.characters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (m *mockCharacterStore) Upsert(_ context.Context, c *model.Character) error {
	m.characters[c.ID] = *c
	return nil
}

type mockConversationStore struct {
	mu            sync.Mutex
	conversations map[string]*model.Conversation
	getByIDFn     func(ctx context.Context, id string) (*model.Conversation, error)
}

func (m *mockConversationStore) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockConversationStore) GetOrCreate(_ context.Context, id, userID, characterID string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversations == nil {
		m.conversations = map[string]*model.Conversation{}
	}
	c, ok := m.conversations[id]
	if !ok {
		c = &model.Conversation{ID: id, UserID: userID, CharacterID: characterID}
		m.conversations[id] = c
	}
	cp := *c
	return &cp, nil
}

func (m *mockConversationStore) IncrementStats(_ context.Context, id string, delta model.StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversations[id]
	c.Stats.UserMessages += delta.UserMessages
	c.Stats.Replies += delta.Replies
	c.Stats.Failures += delta.Failures
	c.Stats.TokensUsed += delta.TokensUsed
	return nil
}

type mockMessageStore struct {
	mu       sync.Mutex
	messages map[string]model.Message
	appendFn func(ctx context.Context, msg *model.Message) (bool, error)
}

func (m *mockMessageStore) Append(ctx context.Context, msg *model.Message) (bool, error) {
	if m.appendFn != nil {
		return m.appendFn(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messages == nil {
		m.messages = map[string]model.Message{}
	}
	if _, ok := m.messages[msg.ID]; ok {
		return false, nil
	}
	m.messages[msg.ID] = *msg
	return true, nil
}

func (m *mockMessageStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *mockMessageStore) answer(id, replyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.messages[id]
	msg.AnsweredBy = &replyID
	m.messages[id] = msg
}

func (m *mockMessageStore) Get(_ context.Context, _, messageID string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &msg, nil
}

func (m *mockMessageStore) FindReply(context.Context, string, string) (*model.Message, error) {
	return nil, store.ErrNotFound
}

func (m *mockMessageStore) ListBefore(context.Context, string, time.Time, int) ([]model.Message, error) {
	return nil, nil
}

func (m *mockMessageStore) MarkAnswered(context.Context, string, string, string) error {
	return nil
}

func (m *mockMessageStore) MarkFailed(context.Context, string, string, model.MessageError) error {
	return nil
}

func (m *mockMessageStore) MarkSeen(context.Context, string, string, time.Time) error {
	return nil
}

type mockStoreProvider struct {
	users         *mockUserStore
	characters    *mockCharacterStore
	conversations *mockConversationStore
	messages      *mockMessageStore
}

func (p *mockStoreProvider) Users() store.UserStore                 { return p.users }
func (p *mockStoreProvider) Characters() store.CharacterStore       { return p.characters }
func (p *mockStoreProvider) Conversations() store.ConversationStore { return p.conversations }
func (p *mockStoreProvider) Messages() store.MessageStore           { return p.messages }

type mockTxRunner struct {
	stores service.StoreProvider
}

func (r *mockTxRunner) WithTx(_ context.Context, fn func(stores service.StoreProvider) error) error {
	return fn(r.stores)
}

type mockProducer struct {
	mu        sync.Mutex
	tasks     []queue.Task
	enqueueFn func(ctx context.Context, task queue.Task) error
}

func (m *mockProducer) Enqueue(ctx context.Context, task queue.Task) error {
	if m.enqueueFn != nil {
		if err := m.enqueueFn(ctx, task); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *mockProducer) Close() error { return nil }

func (m *mockProducer) enqueued() []queue.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.Task(nil), m.tasks...)
}

type mockPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *mockPublisher) Publish(_ context.Context, event notify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockPublisher) types() []notify.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notify.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyMachine fails TryAdmit while tryAdmitErr is set.
type flakyMachine struct {
	service.StateMachine
	tryAdmitErr error
}

func (m *flakyMachine) TryAdmit(ctx context.Context, env model.Envelope) (convstate.AdmitResult, error) {
	if m.tryAdmitErr != nil {
		return convstate.AdmitResult{}, m.tryAdmitErr
	}
	return m.StateMachine.TryAdmit(ctx, env)
}
