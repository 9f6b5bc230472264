package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"basegraph.app/parley/core/db"
	"basegraph.app/parley/internal/model"
)

var ErrInvalidStatsDelta = errors.New("stats delta must not be negative")

type conversationStore struct {
	db db.DBTX
}

func NewConversationStore(conn db.DBTX) ConversationStore {
	return &conversationStore{db: conn}
}

const conversationColumns = `id, user_id, character_id, user_messages, replies, failures, tokens_used, created_at, updated_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.CharacterID,
		&c.Stats.UserMessages, &c.Stats.Replies, &c.Stats.Failures, &c.Stats.TokensUsed,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *conversationStore) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *conversationStore) GetOrCreate(ctx context.Context, id, userID, characterID string) (*model.Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx, `
		INSERT INTO conversations (id, user_id, character_id) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING `+conversationColumns,
		id, userID, characterID))
	if err != nil {
		return nil, fmt.Errorf("get or create conversation %s: %w", id, err)
	}
	return c, nil
}

// IncrementStats adds delta to the counters. There is no absolute setter.
func (s *conversationStore) IncrementStats(ctx context.Context, id string, delta model.StatsDelta) error {
	if !delta.Valid() {
		return ErrInvalidStatsDelta
	}
	if delta.IsZero() {
		return nil
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET user_messages = user_messages + $2,
		    replies       = replies + $3,
		    failures      = failures + $4,
		    tokens_used   = tokens_used + $5,
		    updated_at    = now()
		WHERE id = $1`,
		id, delta.UserMessages, delta.Replies, delta.Failures, delta.TokensUsed,
	)
	if err != nil {
		return fmt.Errorf("increment stats for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
