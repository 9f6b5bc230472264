package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"basegraph.app/parley/core/db"
	"basegraph.app/parley/internal/model"
)

type userStore struct {
	db db.DBTX
}

func NewUserStore(conn db.DBTX) UserStore {
	return &userStore{db: conn}
}

func (s *userStore) Get(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(ctx, `SELECT id, plan FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Plan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

// GetOrCreate returns the user, creating it on the free plan on first contact.
func (s *userStore) GetOrCreate(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (id, plan) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING id, plan`,
		id, model.PlanFree,
	).Scan(&u.ID, &u.Plan)
	if err != nil {
		return nil, fmt.Errorf("get or create user %s: %w", id, err)
	}
	return &u, nil
}

func (s *userStore) SetPlan(ctx context.Context, id string, plan model.Plan) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET plan = $2 WHERE id = $1`, id, plan)
	if err != nil {
		return fmt.Errorf("set plan for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
