// Package service provides business logic implementations.
package service

import (
	"context"
	"time"

	"leaderboard-engine/internal/model"
)

// ScopeStore is the scope registry. Implemented by repository.ScopeRepository
// and memory.ScopeRepository.
type ScopeStore interface {
	Create(ctx context.Context, scope *model.Scope) (*model.Scope, error)
	Get(ctx context.Context, id string) (*model.Scope, error)
	List(ctx context.Context, activeOnly bool) ([]*model.Scope, error)
	SetActive(ctx context.Context, id string, active bool) (*model.Scope, error)
	Delete(ctx context.Context, id string) error
}

// ScoreStore is the append-only score event log.
type ScoreStore interface {
	Append(ctx context.Context, event *model.ScoreEvent) (*model.ScoreEvent, error)
	VerifiedEvents(ctx context.Context, userID int64, scopeID string) ([]*model.ScoreEvent, error)
	HistoryPage(ctx context.Context, userID int64, scopeID string, after *model.HistoryCursor, limit int) ([]*model.ScoreEvent, error)
	Pairs(ctx context.Context, scopeID string) ([]int64, error)
}

// AggregateStore persists aggregates. Save must fail with an error wrapping
// model.ErrConflict when the stored version differs from expectedVersion.
type AggregateStore interface {
	Get(ctx context.Context, userID int64, scopeID string) (*model.Aggregate, error)
	Save(ctx context.Context, agg *model.Aggregate, expectedVersion int64) (*model.Aggregate, error)
	ListByScope(ctx context.Context, scopeID string) ([]*model.Aggregate, error)
}

// EntryStore holds the materialized leaderboard of each scope. Replace must
// be atomic with respect to Page, UserEntry and Snapshot.
type EntryStore interface {
	Replace(ctx context.Context, scopeID string, entries []*model.LeaderboardEntry, computedAt time.Time) (*model.Snapshot, error)
	Page(ctx context.Context, scopeID string, page, pageSize int) (*model.Page, error)
	UserEntry(ctx context.Context, userID int64, scopeID string) (*model.LeaderboardEntry, error)
	Snapshot(ctx context.Context, scopeID string) (*model.Snapshot, error)
}

// Stores bundles the four stores of one storage driver.
type Stores struct {
	Scopes     ScopeStore
	Scores     ScoreStore
	Aggregates AggregateStore
	Entries    EntryStore
}

// Trigger requests an eventual reorder of a scope.
type Trigger interface {
	Trigger(scopeID string)
}

// Reorderer recomputes a scope's leaderboard.
type Reorderer interface {
	Reorder(ctx context.Context, scopeID string) (*model.Snapshot, error)
}
