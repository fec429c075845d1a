package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/streamgate/internal/domain"
)

// PrincipalRepo implements domain.PrincipalStore on PostgreSQL.
type PrincipalRepo struct {
	pool *pgxpool.Pool
}

var _ domain.PrincipalStore = (*PrincipalRepo)(nil)

func NewPrincipalRepo(pool *pgxpool.Pool) *PrincipalRepo {
	return &PrincipalRepo{pool: pool}
}

// Upsert creates or refreshes a principal record. The account service is
// the source of truth; this table is a local projection for lookups and
// liveness tracking.
func (r *PrincipalRepo) Upsert(ctx context.Context, id, username string) (*domain.Principal, error) {
	var p domain.Principal
	err := r.pool.QueryRow(ctx, `
		INSERT INTO principals (id, username, last_active_at, created_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username
		RETURNING id, username, last_active_at
	`, id, username).Scan(&p.ID, &p.Username, &p.LastActiveAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert principal: %w", err)
	}
	return &p, nil
}

func (r *PrincipalRepo) GetByID(ctx context.Context, id string) (*domain.Principal, error) {
	var p domain.Principal
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, last_active_at
		FROM principals
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Username, &p.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	return &p, nil
}

// TouchLastActive bumps the liveness timestamp. Unknown IDs are not an
// error; the account may not have been projected yet.
func (r *PrincipalRepo) TouchLastActive(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE principals
		SET last_active_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to touch last active: %w", err)
	}
	return nil
}
