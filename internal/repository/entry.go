package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leaderboard-engine/internal/model"
)

// EntryRepository stores materialized leaderboard snapshots.
//
// Each scope has one row in leaderboard_snapshots pointing at the live
// version. Replace writes the next version's entries and moves the pointer in
// a single transaction, so readers joining through the pointer see either the
// old snapshot or the new one.
type EntryRepository struct {
	pool *pgxpool.Pool
}

// NewEntryRepository creates a new EntryRepository instance.
func NewEntryRepository(pool *pgxpool.Pool) *EntryRepository {
	return &EntryRepository{pool: pool}
}

// Replace swaps in a new snapshot for the scope and returns it with its
// assigned version.
func (r *EntryRepository) Replace(ctx context.Context, scopeID string, entries []*model.LeaderboardEntry, computedAt time.Time) (*model.Snapshot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, wrapErr("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	// Make sure the pointer row exists so the row lock below serializes
	// concurrent writers even for a scope's first snapshot.
	_, err = tx.Exec(ctx, `
		INSERT INTO leaderboard_snapshots (scope_id, version, participants, computed_at)
		VALUES ($1, 0, 0, $2)
		ON CONFLICT (scope_id) DO NOTHING
	`, scopeID, computedAt)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return nil, ErrScopeNotFound
		}
		return nil, wrapErr("init snapshot pointer", err)
	}

	var current int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM leaderboard_snapshots WHERE scope_id = $1 FOR UPDATE`,
		scopeID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScopeNotFound
		}
		return nil, wrapErr("lock snapshot pointer", err)
	}

	next := current + 1

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"leaderboard_entries"},
		[]string{"scope_id", "version", "user_id", "total_score", "rank", "achieved_at"},
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			return []any{scopeID, next, e.UserID, e.TotalScore, e.Rank, e.AchievedAt}, nil
		}),
	)
	if err != nil {
		return nil, wrapErr("copy leaderboard entries", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE leaderboard_snapshots
		SET version = $2, participants = $3, computed_at = $4
		WHERE scope_id = $1
	`, scopeID, next, len(entries), computedAt)
	if err != nil {
		return nil, wrapErr("swap snapshot pointer", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM leaderboard_entries WHERE scope_id = $1 AND version <> $2`,
		scopeID, next,
	); err != nil {
		return nil, wrapErr("prune old snapshot", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("commit snapshot", err)
	}

	stored := make([]*model.LeaderboardEntry, len(entries))
	for i, e := range entries {
		c := *e
		c.ScopeID = scopeID
		stored[i] = &c
	}

	return &model.Snapshot{
		ScopeID:    scopeID,
		Version:    next,
		ComputedAt: computedAt,
		Entries:    stored,
	}, nil
}

// Page returns one page of the live snapshot. Ranks are contiguous, so a page
// is the rank range ((page-1)*size, page*size]. The pointer and the entries
// are read in one statement and therefore from one snapshot version.
func (r *EntryRepository) Page(ctx context.Context, scopeID string, page, pageSize int) (*model.Page, error) {
	const query = `
		SELECT s.version, s.computed_at, s.participants,
			e.user_id, e.total_score, e.rank, e.achieved_at
		FROM leaderboard_snapshots s
		LEFT JOIN leaderboard_entries e
			ON e.scope_id = s.scope_id AND e.version = s.version
			AND e.rank > $2 AND e.rank <= $3
		WHERE s.scope_id = $1
		ORDER BY e.rank
	`

	result := &model.Page{
		ScopeID:  scopeID,
		Page:     page,
		PageSize: pageSize,
		Entries:  []*model.LeaderboardEntry{},
	}

	offset := int64(page-1) * int64(pageSize)
	rows, err := r.pool.Query(ctx, query, scopeID, offset, offset+int64(pageSize))
	if err != nil {
		return nil, wrapErr("query leaderboard page", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userID, total *int64
			rank          *int
			achievedAt    *time.Time
		)
		if err := rows.Scan(&result.Version, &result.ComputedAt, &result.Total,
			&userID, &total, &rank, &achievedAt); err != nil {
			return nil, wrapErr("scan leaderboard entry", err)
		}
		// The left join yields one all-null entry row when the range is empty.
		if userID == nil {
			continue
		}
		result.Entries = append(result.Entries, &model.LeaderboardEntry{
			ScopeID:    scopeID,
			UserID:     *userID,
			TotalScore: *total,
			Rank:       *rank,
			AchievedAt: *achievedAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate leaderboard page", err)
	}

	return result, nil
}

// UserEntry returns a user's row in the live snapshot.
// Returns ErrEntryNotFound if the user is not ranked.
func (r *EntryRepository) UserEntry(ctx context.Context, userID int64, scopeID string) (*model.LeaderboardEntry, error) {
	const query = `
		SELECT e.scope_id, e.user_id, e.total_score, e.rank, e.achieved_at
		FROM leaderboard_entries e
		JOIN leaderboard_snapshots s ON s.scope_id = e.scope_id AND s.version = e.version
		WHERE e.scope_id = $1 AND e.user_id = $2
	`

	var e model.LeaderboardEntry
	err := r.pool.QueryRow(ctx, query, scopeID, userID).Scan(
		&e.ScopeID,
		&e.UserID,
		&e.TotalScore,
		&e.Rank,
		&e.AchievedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, wrapErr("get leaderboard entry", err)
	}
	return &e, nil
}

// Snapshot returns the complete live snapshot of a scope. A scope that was
// never ranked yields version 0 with no entries.
func (r *EntryRepository) Snapshot(ctx context.Context, scopeID string) (*model.Snapshot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, wrapErr("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	snap := &model.Snapshot{ScopeID: scopeID, Entries: []*model.LeaderboardEntry{}}
	err = tx.QueryRow(ctx,
		`SELECT version, computed_at FROM leaderboard_snapshots WHERE scope_id = $1`,
		scopeID,
	).Scan(&snap.Version, &snap.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snap, nil
		}
		return nil, wrapErr("get snapshot pointer", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT scope_id, user_id, total_score, rank, achieved_at
		FROM leaderboard_entries
		WHERE scope_id = $1 AND version = $2
		ORDER BY rank
	`, scopeID, snap.Version)
	if err != nil {
		return nil, wrapErr("query snapshot entries", err)
	}

	entries, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.LeaderboardEntry])
	if err != nil {
		return nil, wrapErr("collect snapshot entries", err)
	}
	snap.Entries = entries

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("finish snapshot read", err)
	}
	return snap, nil
}
