package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"basegraph.app/parley/core/db"
	"basegraph.app/parley/internal/model"
)

type characterStore struct {
	db db.DBTX
}

func NewCharacterStore(conn db.DBTX) CharacterStore {
	return &characterStore{db: conn}
}

func (s *characterStore) GetByID(ctx context.Context, id string) (*model.Character, error) {
	var (
		c        model.Character
		settings []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, system_prompt, greeting, settings FROM characters WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.SystemPrompt, &c.Greeting, &settings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get character %s: %w", id, err)
	}
	if err := json.Unmarshal(settings, &c.Settings); err != nil {
		return nil, fmt.Errorf("decoding settings of character %s: %w", id, err)
	}
	return &c, nil
}

func (s *characterStore) Upsert(ctx context.Context, c *model.Character) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings of character %s: %w", c.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO characters (id, name, system_prompt, greeting, settings) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, system_prompt = EXCLUDED.system_prompt, greeting = EXCLUDED.greeting,
			settings = EXCLUDED.settings`,
		c.ID, c.Name, c.SystemPrompt, c.Greeting, settings,
	)
	if err != nil {
		return fmt.Errorf("upsert character %s: %w", c.ID, err)
	}
	return nil
}
