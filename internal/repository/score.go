package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leaderboard-engine/internal/model"
)

const eventColumns = `id, user_id, scope_id, score, verified, played_at, duration_ms, created_at`

// ScoreRepository is the append-only score event log.
type ScoreRepository struct {
	pool *pgxpool.Pool
}

// NewScoreRepository creates a new ScoreRepository instance.
func NewScoreRepository(pool *pgxpool.Pool) *ScoreRepository {
	return &ScoreRepository{pool: pool}
}

func scanEvent(row pgx.Row) (*model.ScoreEvent, error) {
	var (
		e          model.ScoreEvent
		durationMs int64
	)
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.ScopeID,
		&e.Score,
		&e.Verified,
		&e.PlayedAt,
		&durationMs,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Duration = time.Duration(durationMs) * time.Millisecond
	return &e, nil
}

func collectEvents(rows pgx.Rows, op string) ([]*model.ScoreEvent, error) {
	defer rows.Close()

	var events []*model.ScoreEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrapErr("scan "+op, err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate "+op, err)
	}

	return events, nil
}

// Append stores a new event. Returns ErrDuplicateEvent when the user already
// has an event at the same timestamp in the scope, and ErrScopeNotFound when
// the scope does not exist.
func (r *ScoreRepository) Append(ctx context.Context, event *model.ScoreEvent) (*model.ScoreEvent, error) {
	const query = `
		INSERT INTO score_events (id, user_id, scope_id, score, verified, played_at, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING ` + eventColumns

	e, err := scanEvent(r.pool.QueryRow(ctx, query,
		event.ID,
		event.UserID,
		event.ScopeID,
		event.Score,
		event.Verified,
		event.PlayedAt,
		event.Duration.Milliseconds(),
	))
	if err != nil {
		switch pgCode(err) {
		case codeUniqueViolation:
			return nil, ErrDuplicateEvent
		case codeForeignKeyViolation:
			return nil, ErrScopeNotFound
		}
		return nil, wrapErr("append score event", err)
	}
	return e, nil
}

// VerifiedEvents returns every verified event of a user in a scope in play order.
func (r *ScoreRepository) VerifiedEvents(ctx context.Context, userID int64, scopeID string) ([]*model.ScoreEvent, error) {
	const query = `
		SELECT ` + eventColumns + `
		FROM score_events
		WHERE scope_id = $1 AND user_id = $2 AND verified
		ORDER BY played_at, id
	`

	rows, err := r.pool.Query(ctx, query, scopeID, userID)
	if err != nil {
		return nil, wrapErr("query verified events", err)
	}
	return collectEvents(rows, "verified events")
}

// HistoryPage returns up to limit events of a user in a scope, best score
// first. A nil cursor starts from the top.
func (r *ScoreRepository) HistoryPage(ctx context.Context, userID int64, scopeID string, after *model.HistoryCursor, limit int) ([]*model.ScoreEvent, error) {
	var (
		rows pgx.Rows
		err  error
	)

	if after == nil {
		const query = `
			SELECT ` + eventColumns + `
			FROM score_events
			WHERE user_id = $1 AND scope_id = $2
			ORDER BY score DESC, played_at DESC, id DESC
			LIMIT $3
		`
		rows, err = r.pool.Query(ctx, query, userID, scopeID, limit)
	} else {
		const query = `
			SELECT ` + eventColumns + `
			FROM score_events
			WHERE user_id = $1 AND scope_id = $2
			  AND (score, played_at, id) < ($3, $4, $5)
			ORDER BY score DESC, played_at DESC, id DESC
			LIMIT $6
		`
		rows, err = r.pool.Query(ctx, query, userID, scopeID, after.Score, after.PlayedAt, after.ID, limit)
	}
	if err != nil {
		return nil, wrapErr("query score history", err)
	}
	return collectEvents(rows, "score history")
}

// Pairs returns the ids of users with at least one verified event in
// the scope, ascending.
func (r *ScoreRepository) Pairs(ctx context.Context, scopeID string) ([]int64, error) {
	const query = `
		SELECT DISTINCT user_id
		FROM score_events
		WHERE scope_id = $1 AND verified
		ORDER BY user_id
	`

	rows, err := r.pool.Query(ctx, query, scopeID)
	if err != nil {
		return nil, wrapErr("query participants", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, wrapErr("collect participants", err)
	}
	return ids, nil
}
