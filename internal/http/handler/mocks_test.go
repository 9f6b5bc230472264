package handler_test

import (
	"context"

	"basegraph.app/parley/internal/model"
	"basegraph.app/parley/internal/service"
)

type mockAdmissionService struct {
	admitFn func(ctx context.Context, conversationID string, env model.Envelope) (*service.AdmitResult, error)
}

func (m *mockAdmissionService) Admit(ctx context.Context, conversationID string, env model.Envelope) (*service.AdmitResult, error) {
	if m.admitFn != nil {
		return m.admitFn(ctx, conversationID, env)
	}
	return &service.AdmitResult{ConversationID: conversationID, ProcessedNow: true}, nil
}

type mockConversationService struct {
	stateFn func(ctx context.Context, conversationID string) (*service.ConversationState, error)
	resetFn func(ctx context.Context, conversationID string) (*service.ResetResult, error)
}

func (m *mockConversationService) State(ctx context.Context, conversationID string) (*service.ConversationState, error) {
	if m.stateFn != nil {
		return m.stateFn(ctx, conversationID)
	}
	return nil, service.ErrConversationNotFound
}

func (m *mockConversationService) Reset(ctx context.Context, conversationID string) (*service.ResetResult, error) {
	if m.resetFn != nil {
		return m.resetFn(ctx, conversationID)
	}
	return &service.ResetResult{}, nil
}
