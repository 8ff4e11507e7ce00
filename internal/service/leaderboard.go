package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"leaderboard-engine/internal/metrics"
	"leaderboard-engine/internal/model"
	"leaderboard-engine/internal/ranking"
)

// PageLimits bounds leaderboard page sizes.
type PageLimits struct {
	Default int
	Max     int
}

// SubmitResult is the outcome of a successful submission. Aggregate is nil
// when the event was unverified and the user has no verified events yet.
type SubmitResult struct {
	Event     *model.ScoreEvent `json:"event"`
	Aggregate *model.Aggregate  `json:"aggregate,omitempty"`
}

// LeaderboardService is the entry point used by the HTTP API and the bot.
type LeaderboardService struct {
	scopes     ScopeStore
	aggregates AggregateStore
	entries    EntryStore
	scores     *ScoreService
	aggregator *Aggregator
	ranker     Reorderer
	trigger    Trigger
	limits     PageLimits
}

// NewLeaderboardService creates a new LeaderboardService.
func NewLeaderboardService(
	stores Stores,
	scores *ScoreService,
	aggregator *Aggregator,
	ranker Reorderer,
	trigger Trigger,
	limits PageLimits,
) *LeaderboardService {
	if limits.Default < 1 {
		limits.Default = 50
	}
	return &LeaderboardService{
		scopes:     stores.Scopes,
		aggregates: stores.Aggregates,
		entries:    stores.Entries,
		scores:     scores,
		aggregator: aggregator,
		ranker:     ranker,
		trigger:    trigger,
		limits:     limits,
	}
}

// SubmitScore records a score, brings the user's aggregate up to date and
// schedules the scope's reorder. If the event is stored but aggregation
// fails, the error is returned and the reconciler repairs the aggregate; the
// event is never applied twice.
func (s *LeaderboardService) SubmitScore(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	event, err := s.scores.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			metrics.Submissions.WithLabelValues("rejected").Inc()
		} else {
			metrics.Submissions.WithLabelValues("failed").Inc()
		}
		return nil, err
	}

	result := &SubmitResult{Event: event}

	agg, err := s.aggregator.Recompute(ctx, event.UserID, event.ScopeID)
	switch {
	case err == nil:
		result.Aggregate = agg
	case errors.Is(err, ranking.ErrNoEvents):
	default:
		metrics.Submissions.WithLabelValues("failed").Inc()
		log.Error().
			Err(err).
			Str("event_id", event.ID.String()).
			Int64("user_id", event.UserID).
			Str("scope", event.ScopeID).
			Msg("Score stored but aggregation failed")
		return nil, fmt.Errorf("score %s stored but aggregation failed: %w", event.ID, err)
	}

	if event.Verified {
		s.trigger.Trigger(event.ScopeID)
	}

	metrics.Submissions.WithLabelValues("accepted").Inc()
	log.Debug().
		Str("event_id", event.ID.String()).
		Int64("user_id", event.UserID).
		Str("scope", event.ScopeID).
		Int64("score", event.Score).
		Bool("verified", event.Verified).
		Msg("Score submitted")

	return result, nil
}

// GetPage returns one page of a scope's leaderboard. Page and size are
// clamped to the configured limits.
func (s *LeaderboardService) GetPage(ctx context.Context, scopeID string, page, pageSize int) (*model.Page, error) {
	if _, err := s.scopes.Get(ctx, scopeID); err != nil {
		return nil, err
	}
	page, pageSize = ranking.NormalizePage(page, pageSize, s.limits.Default, s.limits.Max)
	return s.entries.Page(ctx, scopeID, page, pageSize)
}

// GetUserEntry returns a user's row in a scope's leaderboard.
func (s *LeaderboardService) GetUserEntry(ctx context.Context, userID int64, scopeID string) (*model.LeaderboardEntry, error) {
	return s.entries.UserEntry(ctx, userID, scopeID)
}

// GetAggregate returns a user's aggregate statistics in a scope. An unknown
// scope fails with repository.ErrScopeNotFound, a user without verified
// scores there with repository.ErrAggregateNotFound.
func (s *LeaderboardService) GetAggregate(ctx context.Context, userID int64, scopeID string) (*model.Aggregate, error) {
	if _, err := s.scopes.Get(ctx, scopeID); err != nil {
		return nil, err
	}
	return s.aggregates.Get(ctx, userID, scopeID)
}

// History returns up to limit of a user's events in a scope, best score first.
func (s *LeaderboardService) History(ctx context.Context, userID int64, scopeID string, limit int) ([]*model.ScoreEvent, error) {
	if _, err := s.scopes.Get(ctx, scopeID); err != nil {
		return nil, err
	}
	if s.limits.Max > 0 && limit > s.limits.Max {
		limit = s.limits.Max
	}
	if limit < 1 {
		limit = s.limits.Default
	}
	return s.scores.History(ctx, userID, scopeID, limit)
}

// Recompute reorders a scope now instead of waiting for the scheduler.
func (s *LeaderboardService) Recompute(ctx context.Context, scopeID string) (*model.Snapshot, error) {
	if _, err := s.scopes.Get(ctx, scopeID); err != nil {
		return nil, err
	}
	return s.ranker.Reorder(ctx, scopeID)
}
