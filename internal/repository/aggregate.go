package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leaderboard-engine/internal/model"
)

const aggregateColumns = `user_id, scope_id, total_score, high_score, games_played, current_streak, best_streak,
	total_playtime_ms, last_played, achieved_at, version, updated_at`

// AggregateRepository persists derived per (user, scope) aggregates with
// optimistic versioning.
type AggregateRepository struct {
	pool *pgxpool.Pool
}

// NewAggregateRepository creates a new AggregateRepository instance.
func NewAggregateRepository(pool *pgxpool.Pool) *AggregateRepository {
	return &AggregateRepository{pool: pool}
}

func scanAggregate(row pgx.Row) (*model.Aggregate, error) {
	var (
		a          model.Aggregate
		playtimeMs int64
	)
	err := row.Scan(
		&a.UserID,
		&a.ScopeID,
		&a.TotalScore,
		&a.HighScore,
		&a.GamesPlayed,
		&a.CurrentStreak,
		&a.BestStreak,
		&playtimeMs,
		&a.LastPlayed,
		&a.AchievedAt,
		&a.Version,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.TotalPlaytime = time.Duration(playtimeMs) * time.Millisecond
	return &a, nil
}

// Get retrieves the aggregate of a user in a scope.
// Returns ErrAggregateNotFound if the user has no aggregate there yet.
func (r *AggregateRepository) Get(ctx context.Context, userID int64, scopeID string) (*model.Aggregate, error) {
	const query = `SELECT ` + aggregateColumns + ` FROM aggregates WHERE user_id = $1 AND scope_id = $2`

	a, err := scanAggregate(r.pool.QueryRow(ctx, query, userID, scopeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAggregateNotFound
		}
		return nil, wrapErr("get aggregate", err)
	}
	return a, nil
}

// Save writes agg if the stored version still equals expectedVersion.
// An expectedVersion of 0 means no aggregate may exist yet. The returned
// aggregate carries the new version. Returns ErrVersionConflict when another
// writer got there first.
func (r *AggregateRepository) Save(ctx context.Context, agg *model.Aggregate, expectedVersion int64) (*model.Aggregate, error) {
	args := []any{
		agg.UserID,
		agg.ScopeID,
		agg.TotalScore,
		agg.HighScore,
		agg.GamesPlayed,
		agg.CurrentStreak,
		agg.BestStreak,
		agg.TotalPlaytime.Milliseconds(),
		agg.LastPlayed,
		agg.AchievedAt,
	}

	var row pgx.Row
	if expectedVersion == 0 {
		const query = `
			INSERT INTO aggregates (user_id, scope_id, total_score, high_score, games_played, current_streak,
				best_streak, total_playtime_ms, last_played, achieved_at, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, NOW())
			ON CONFLICT (user_id, scope_id) DO NOTHING
			RETURNING ` + aggregateColumns
		row = r.pool.QueryRow(ctx, query, args...)
	} else {
		const query = `
			UPDATE aggregates
			SET total_score = $3, high_score = $4, games_played = $5, current_streak = $6,
				best_streak = $7, total_playtime_ms = $8, last_played = $9, achieved_at = $10,
				version = version + 1, updated_at = NOW()
			WHERE user_id = $1 AND scope_id = $2 AND version = $11
			RETURNING ` + aggregateColumns
		row = r.pool.QueryRow(ctx, query, append(args, expectedVersion)...)
	}

	saved, err := scanAggregate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVersionConflict
		}
		if pgCode(err) == codeForeignKeyViolation {
			return nil, ErrScopeNotFound
		}
		return nil, wrapErr("save aggregate", err)
	}
	return saved, nil
}

// ListByScope returns every aggregate of a scope.
func (r *AggregateRepository) ListByScope(ctx context.Context, scopeID string) ([]*model.Aggregate, error) {
	const query = `SELECT ` + aggregateColumns + ` FROM aggregates WHERE scope_id = $1 ORDER BY user_id`

	rows, err := r.pool.Query(ctx, query, scopeID)
	if err != nil {
		return nil, wrapErr("list aggregates", err)
	}
	defer rows.Close()

	var aggs []*model.Aggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, wrapErr("scan aggregate", err)
		}
		aggs = append(aggs, a)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate aggregates", err)
	}

	return aggs, nil
}
