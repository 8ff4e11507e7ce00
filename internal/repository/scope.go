package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leaderboard-engine/internal/model"
)

const scopeColumns = `id, name, description, category, policy, tie_break, allow_negative, active, created_at, updated_at`

// ScopeRepository handles scope registry persistence.
type ScopeRepository struct {
	pool *pgxpool.Pool
}

// NewScopeRepository creates a new ScopeRepository instance.
func NewScopeRepository(pool *pgxpool.Pool) *ScopeRepository {
	return &ScopeRepository{pool: pool}
}

func scanScope(row pgx.Row) (*model.Scope, error) {
	var s model.Scope
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Description,
		&s.Category,
		&s.Policy,
		&s.TieBreak,
		&s.AllowNegative,
		&s.Active,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create registers a new scope. Returns ErrScopeExists if the id is taken.
func (r *ScopeRepository) Create(ctx context.Context, scope *model.Scope) (*model.Scope, error) {
	const query = `
		INSERT INTO scopes (id, name, description, category, policy, tie_break, allow_negative, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING ` + scopeColumns

	s, err := scanScope(r.pool.QueryRow(ctx, query,
		scope.ID,
		scope.Name,
		scope.Description,
		scope.Category,
		scope.Policy,
		scope.TieBreak,
		scope.AllowNegative,
		scope.Active,
	))
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return nil, ErrScopeExists
		}
		return nil, wrapErr("create scope", err)
	}
	return s, nil
}

// Get retrieves a scope by id.
// Returns ErrScopeNotFound if the scope does not exist.
func (r *ScopeRepository) Get(ctx context.Context, id string) (*model.Scope, error) {
	const query = `SELECT ` + scopeColumns + ` FROM scopes WHERE id = $1`

	s, err := scanScope(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScopeNotFound
		}
		return nil, wrapErr("get scope", err)
	}
	return s, nil
}

// List retrieves scopes ordered by id, optionally only the active ones.
func (r *ScopeRepository) List(ctx context.Context, activeOnly bool) ([]*model.Scope, error) {
	const query = `
		SELECT ` + scopeColumns + `
		FROM scopes
		WHERE active OR NOT $1
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, wrapErr("list scopes", err)
	}
	defer rows.Close()

	var scopes []*model.Scope
	for rows.Next() {
		s, err := scanScope(rows)
		if err != nil {
			return nil, wrapErr("scan scope", err)
		}
		scopes = append(scopes, s)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate scopes", err)
	}

	return scopes, nil
}

// SetActive flips a scope's active flag.
// Returns ErrScopeNotFound if the scope does not exist.
func (r *ScopeRepository) SetActive(ctx context.Context, id string, active bool) (*model.Scope, error) {
	const query = `
		UPDATE scopes
		SET active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + scopeColumns

	s, err := scanScope(r.pool.QueryRow(ctx, query, id, active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScopeNotFound
		}
		return nil, wrapErr("update scope", err)
	}
	return s, nil
}

// Delete removes a scope. Events, aggregates and leaderboard rows cascade.
func (r *ScopeRepository) Delete(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM scopes WHERE id = $1`, id)
	if err != nil {
		return wrapErr("delete scope", err)
	}

	if result.RowsAffected() == 0 {
		return ErrScopeNotFound
	}

	return nil
}
