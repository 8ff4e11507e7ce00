package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"leaderboard-engine/internal/metrics"
	"leaderboard-engine/internal/model"
	"leaderboard-engine/internal/pkg/lock"
	"leaderboard-engine/internal/ranking"
	"leaderboard-engine/internal/repository"
)

const defaultLockTimeout = 5 * time.Second

// PairKey identifies one (user, scope) aggregate.
type PairKey struct {
	UserID  int64
	ScopeID string
}

// AggregateCreatedHook runs synchronously after a pair's aggregate is
// written for the first time. Hooks must not block for long.
type AggregateCreatedHook func(ctx context.Context, agg *model.Aggregate)

// AggregatorConfig tunes an Aggregator.
type AggregatorConfig struct {
	// Retries is how many times a version conflict is retried before it is returned.
	Retries     int
	StreakGap   time.Duration
	LockTimeout time.Duration
}

// Aggregator derives aggregates from the event log. Writers for one pair are
// serialized in process by a key lock; across processes the optimistic
// version check in AggregateStore.Save catches lost updates.
type Aggregator struct {
	scopes     ScopeStore
	scores     ScoreStore
	aggregates AggregateStore
	reducers   *ranking.Registry
	locks      *lock.KeyLock[PairKey]
	cfg        AggregatorConfig
	hooks      []AggregateCreatedHook
}

// NewAggregator creates a new Aggregator using the default reducer registry.
func NewAggregator(scopes ScopeStore, scores ScoreStore, aggregates AggregateStore, cfg AggregatorConfig) *Aggregator {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Aggregator{
		scopes:     scopes,
		scores:     scores,
		aggregates: aggregates,
		reducers:   ranking.DefaultRegistry,
		locks:      lock.NewKeyLock[PairKey](),
		cfg:        cfg,
	}
}

// OnAggregateCreated registers a hook. Not safe to call concurrently with Recompute.
func (a *Aggregator) OnAggregateCreated(hook AggregateCreatedHook) {
	a.hooks = append(a.hooks, hook)
}

// Recompute rebuilds the aggregate of (userID, scopeID) from its verified
// events and stores it. Running it twice without new events is a no-op the
// second time. Returns ranking.ErrNoEvents when the pair has nothing to
// aggregate.
func (a *Aggregator) Recompute(ctx context.Context, userID int64, scopeID string) (*model.Aggregate, error) {
	scope, err := a.scopes.Get(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get scope: %w", err)
	}

	var result *model.Aggregate
	err = a.locks.WithLockContext(ctx, PairKey{userID, scopeID}, a.cfg.LockTimeout, func() error {
		for attempt := 0; ; attempt++ {
			agg, created, err := a.recomputeOnce(ctx, scope, userID)
			if err == nil {
				result = agg
				if created {
					a.runHooks(ctx, agg)
				}
				return nil
			}
			if !errors.Is(err, model.ErrConflict) || attempt >= a.cfg.Retries {
				return err
			}

			metrics.AggregationConflicts.Inc()
			log.Debug().
				Int64("user_id", userID).
				Str("scope", scopeID).
				Int("attempt", attempt+1).
				Msg("Aggregate version conflict, retrying")
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// recomputeOnce performs one read-reduce-write cycle. The version is read
// before the events so that any event appended after the events were read
// will be picked up by that event's own recompute, which conflicts with or
// follows this write.
func (a *Aggregator) recomputeOnce(ctx context.Context, scope *model.Scope, userID int64) (*model.Aggregate, bool, error) {
	current, err := a.aggregates.Get(ctx, userID, scope.ID)
	var expected int64
	switch {
	case err == nil:
		expected = current.Version
	case errors.Is(err, repository.ErrAggregateNotFound):
		current = nil
	default:
		return nil, false, fmt.Errorf("failed to get aggregate: %w", err)
	}

	events, err := a.scores.VerifiedEvents(ctx, userID, scope.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read verified events: %w", err)
	}

	agg, err := a.reducers.Reduce(scope.Policy, events, a.cfg.StreakGap)
	if err != nil {
		return nil, false, err
	}
	agg.UserID = userID
	agg.ScopeID = scope.ID

	if current != nil && current.SameTotals(agg) {
		return current, false, nil
	}

	saved, err := a.aggregates.Save(ctx, agg, expected)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to save aggregate: %w", err)
	}
	return saved, current == nil, nil
}

func (a *Aggregator) runHooks(ctx context.Context, agg *model.Aggregate) {
	for _, hook := range a.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Int64("user_id", agg.UserID).
						Str("scope", agg.ScopeID).
						Msg("Aggregate created hook panicked")
				}
			}()
			hook(ctx, agg)
		}()
	}
}
