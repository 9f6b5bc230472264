package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"basegraph.app/parley/internal/convstate"
	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/store"
)

type ConversationState struct {
	Conversation *model.Conversation     `json:"conversation,omitempty"`
	Coordination model.CoordinationState `json:"coordination"`
}

type ResetResult struct {
	AbandonedMessageID string          `json:"abandoned_message_id,omitempty"`
	Pending            int             `json:"pending"`
	Resumed            *model.Envelope `json:"resumed,omitempty"`
}

type ConversationService interface {
	State(ctx context.Context, conversationID string) (*ConversationState, error)
	// Reset forces the conversation idle and resumes its pending queue.
	Reset(ctx context.Context, conversationID string) (*ResetResult, error)
}

type conversationService struct {
	machine       StateMachine
	dispatcher    Dispatcher
	conversations store.ConversationStore
}

func NewConversationService(machine StateMachine, dispatcher Dispatcher, conversations store.ConversationStore) ConversationService {
	return &conversationService{
		machine:       machine,
		dispatcher:    dispatcher,
		conversations: conversations,
	}
}

func (s *conversationService) State(ctx context.Context, conversationID string) (*ConversationState, error) {
	if _, _, err := model.ParseConversationID(conversationID); err != nil {
		return nil, invalid("%v", err)
	}

	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	snapshot, err := s.machine.Snapshot(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading coordination state: %w", err)
	}
	if conv == nil && snapshot.Phase == model.PhaseIdle && len(snapshot.Pending) == 0 {
		return nil, ErrConversationNotFound
	}
	return &ConversationState{Conversation: conv, Coordination: snapshot}, nil
}

func (s *conversationService) Reset(ctx context.Context, conversationID string) (*ResetResult, error) {
	if _, _, err := model.ParseConversationID(conversationID); err != nil {
		return nil, invalid("%v", err)
	}

	reset, err := s.machine.ForceReset(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("resetting conversation: %w", err)
	}
	slog.WarnContext(ctx, "conversation force reset",
		"conversation_id", conversationID,
		"abandoned_message_id", reset.AbandonedMessageID,
		"pending", reset.Pending)

	result := &ResetResult{AbandonedMessageID: reset.AbandonedMessageID, Pending: reset.Pending}
	if reset.Pending == 0 {
		return result, nil
	}

	next, err := s.dispatcher.Resume(ctx, conversationID)
	if err != nil {
		// a message admitted between reset and resume already restarted the queue
		if errors.Is(err, convstate.ErrNotActive) {
			return result, nil
		}
		return nil, err
	}
	result.Resumed = next
	return result, nil
}
