package store

import "basegraph.app/parley/core/db"

type Stores struct {
	conn db.DBTX
}

// NewStores binds every Postgres store to conn, which may be the pool or a transaction.
func NewStores(conn db.DBTX) *Stores {
	return &Stores{conn: conn}
}

func (s *Stores) Users() UserStore {
	return NewUserStore(s.conn)
}

func (s *Stores) Characters() CharacterStore {
	return NewCharacterStore(s.conn)
}

func (s *Stores) Conversations() ConversationStore {
	return NewConversationStore(s.conn)
}

func (s *Stores) Messages() MessageStore {
	return NewMessageStore(s.conn)
}
