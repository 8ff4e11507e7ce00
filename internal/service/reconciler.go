package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"leaderboard-engine/internal/metrics"
	"leaderboard-engine/internal/ranking"
)

// Reconciler periodically rebuilds every aggregate and leaderboard of the
// active scopes from the event log. It repairs aggregates left stale when an
// append succeeded but the following aggregation failed.
type Reconciler struct {
	scopes     ScopeStore
	scores     ScoreStore
	aggregator *Aggregator
	ranker     Reorderer
	interval   time.Duration
}

// NewReconciler creates a new Reconciler. A non-positive interval disables
// the periodic run; RunOnce still works.
func NewReconciler(scopes ScopeStore, scores ScoreStore, aggregator *Aggregator, ranker Reorderer, interval time.Duration) *Reconciler {
	return &Reconciler{
		scopes:     scopes,
		scores:     scores,
		aggregator: aggregator,
		ranker:     ranker,
		interval:   interval,
	}
}

// Start runs a pass immediately and then every interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		<-ctx.Done()
		return
	}

	r.runLogged(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runLogged(ctx)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	start := time.Now()
	if err := r.RunOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.ReconcileRuns.WithLabelValues("failed").Inc()
		log.Error().Err(err).Dur("took", time.Since(start)).Msg("Reconciliation finished with errors")
		return
	}
	metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	log.Info().Dur("took", time.Since(start)).Msg("Reconciliation finished")
}

// RunOnce reconciles every active scope. A failing scope does not stop the
// others; all failures are joined into the returned error.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	scopes, err := r.scopes.List(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list scopes: %w", err)
	}

	var errs []error
	for _, scope := range scopes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.ReconcileScope(ctx, scope.ID); err != nil {
			errs = append(errs, fmt.Errorf("scope %s: %w", scope.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ReconcileScope recomputes every pair of one scope and then reorders it.
func (r *Reconciler) ReconcileScope(ctx context.Context, scopeID string) error {
	users, err := r.scores.Pairs(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("failed to list pairs: %w", err)
	}

	var errs []error
	for _, userID := range users {
		_, err := r.aggregator.Recompute(ctx, userID, scopeID)
		if err != nil && !errors.Is(err, ranking.ErrNoEvents) {
			errs = append(errs, fmt.Errorf("user %d: %w", userID, err))
		}
	}

	if _, err := r.ranker.Reorder(ctx, scopeID); err != nil && !errors.Is(err, ErrSuperseded) {
		errs = append(errs, fmt.Errorf("reorder: %w", err))
	}

	log.Debug().Str("scope", scopeID).Int("pairs", len(users)).Msg("Scope reconciled")
	return errors.Join(errs...)
}
