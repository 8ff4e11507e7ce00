package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"leaderboard-engine/internal/metrics"
	"leaderboard-engine/internal/model"
	"leaderboard-engine/internal/pkg/lock"
	"leaderboard-engine/internal/ranking"
)

// ErrSuperseded is returned by Reorder when a newer reorder of the same scope
// was requested before this one wrote its result. The newer run will write.
var ErrSuperseded = errors.New("reorder superseded by a newer request")

// Ranker turns a scope's aggregates into its materialized leaderboard.
// Runs for one scope are serialized; runs for different scopes are independent.
type Ranker struct {
	scopes      ScopeStore
	aggregates  AggregateStore
	entries     EntryStore
	locks       *lock.KeyLock[string]
	lockTimeout time.Duration
	now         func() time.Time

	mu          sync.Mutex
	generations map[string]uint64
}

// NewRanker creates a new Ranker. lockTimeout bounds how long a run waits
// behind another run of the same scope.
func NewRanker(scopes ScopeStore, aggregates AggregateStore, entries EntryStore, lockTimeout time.Duration) *Ranker {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Ranker{
		scopes:      scopes,
		aggregates:  aggregates,
		entries:     entries,
		locks:       lock.NewKeyLock[string](),
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		generations: make(map[string]uint64),
	}
}

func (r *Ranker) nextGeneration(scopeID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[scopeID]++
	return r.generations[scopeID]
}

func (r *Ranker) superseded(scopeID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[scopeID] != gen
}

// Reorder recomputes ranks for every aggregate of the scope and atomically
// replaces the scope's snapshot. An inactive scope gets an empty snapshot.
func (r *Ranker) Reorder(ctx context.Context, scopeID string) (*model.Snapshot, error) {
	gen := r.nextGeneration(scopeID)
	start := time.Now()

	var snap *model.Snapshot
	err := r.locks.WithLockContext(ctx, scopeID, r.lockTimeout, func() error {
		if r.superseded(scopeID, gen) {
			return ErrSuperseded
		}

		scope, err := r.scopes.Get(ctx, scopeID)
		if err != nil {
			return fmt.Errorf("failed to get scope: %w", err)
		}

		entries := []*model.LeaderboardEntry{}
		if scope.Active {
			aggs, err := r.aggregates.ListByScope(ctx, scopeID)
			if err != nil {
				return fmt.Errorf("failed to list aggregates: %w", err)
			}
			entries = ranking.Assign(scopeID, aggs, scope.TieBreak)
		}

		if r.superseded(scopeID, gen) {
			return ErrSuperseded
		}

		snap, err = r.entries.Replace(ctx, scopeID, entries, r.now())
		if err != nil {
			return fmt.Errorf("failed to replace leaderboard: %w", err)
		}
		return nil
	})

	switch {
	case err == nil:
		metrics.Reorders.WithLabelValues("applied").Inc()
		metrics.ReorderDuration.Observe(time.Since(start).Seconds())
		metrics.RankedParticipants.WithLabelValues(scopeID).Set(float64(len(snap.Entries)))
		log.Debug().
			Str("scope", scopeID).
			Int64("version", snap.Version).
			Int("participants", len(snap.Entries)).
			Dur("took", time.Since(start)).
			Msg("Leaderboard reordered")
		return snap, nil
	case errors.Is(err, ErrSuperseded):
		metrics.Reorders.WithLabelValues("superseded").Inc()
		return nil, err
	default:
		metrics.Reorders.WithLabelValues("failed").Inc()
		return nil, err
	}
}

// Forget drops per-scope bookkeeping for a deleted scope.
func (r *Ranker) Forget(scopeID string) {
	r.mu.Lock()
	delete(r.generations, scopeID)
	r.mu.Unlock()
	metrics.RankedParticipants.DeleteLabelValues(scopeID)
}
