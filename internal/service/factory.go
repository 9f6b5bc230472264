package service

import (
	"basegraph.app/parley/internal/notify"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/store"
)

type Services struct {
	stores    *store.Stores
	txRunner  TxRunner
	machine   StateMachine
	quota     QuotaTracker
	producer  queue.Producer
	publisher notify.Publisher
}

func NewServices(
	stores *store.Stores,
	txRunner TxRunner,
	machine StateMachine,
	quota QuotaTracker,
	producer queue.Producer,
	publisher notify.Publisher,
) *Services {
	return &Services{
		stores:    stores,
		txRunner:  txRunner,
		machine:   machine,
		quota:     quota,
		producer:  producer,
		publisher: publisher,
	}
}

func (s *Services) Dispatcher() Dispatcher {
	return NewDispatcher(s.machine, s.producer, s.publisher, s.stores.Users(), s.stores.Characters())
}

func (s *Services) Admission() AdmissionService {
	return NewAdmissionService(
		s.machine,
		s.quota,
		s.Dispatcher(),
		s.publisher,
		s.txRunner,
		s.stores.Users(),
		s.stores.Characters(),
		s.stores.Messages(),
	)
}

func (s *Services) Conversations() ConversationService {
	return NewConversationService(s.machine, s.Dispatcher(), s.stores.Conversations())
}
