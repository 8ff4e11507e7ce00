package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"

	"leaderboard-engine/internal/model"
	"leaderboard-engine/internal/pkg/lock"
	"leaderboard-engine/internal/ranking"
	"leaderboard-engine/internal/repository"
)

// Submission errors.
var (
	ErrInvalidUser      = fmt.Errorf("%w: user id must be positive", model.ErrValidation)
	ErrUnknownScope     = fmt.Errorf("%w: %w", model.ErrValidation, repository.ErrScopeNotFound)
	ErrScopeInactive    = fmt.Errorf("%w: scope is not accepting scores", model.ErrValidation)
	ErrNegativeScore    = fmt.Errorf("%w: scope does not allow negative scores", model.ErrValidation)
	ErrInvalidDuration  = fmt.Errorf("%w: duration cannot be negative", model.ErrValidation)
	ErrScoreOverflow    = fmt.Errorf("%w: score would push the total out of range", model.ErrValidation)
	ErrPlaytimeOverflow = fmt.Errorf("%w: duration would push the total playtime out of range", model.ErrValidation)
)

const defaultEventPageSize = 100

// SubmitRequest is one score to record.
type SubmitRequest struct {
	UserID   int64         `json:"user_id"`
	ScopeID  string        `json:"scope_id"`
	Score    int64         `json:"score"`
	Verified bool          `json:"verified"`
	PlayedAt time.Time     `json:"played_at"` // defaults to now
	Duration time.Duration `json:"duration"`
}

// ScoreService validates and appends score events and reads them back.
// Verified appends for one pair are serialized so the overflow check and
// the append see the same event log.
type ScoreService struct {
	scopes   ScopeStore
	scores   ScoreStore
	pageSize int
	locks    *lock.KeyLock[PairKey]
	now      func() time.Time
}

// NewScoreService creates a new ScoreService. pageSize is the keyset page
// size used by EventsFor.
func NewScoreService(scopes ScopeStore, scores ScoreStore, pageSize int) *ScoreService {
	if pageSize < 1 {
		pageSize = defaultEventPageSize
	}
	return &ScoreService{
		scopes:   scopes,
		scores:   scores,
		pageSize: pageSize,
		locks:    lock.NewKeyLock[PairKey](),
		now:      time.Now,
	}
}

// Submit validates req and appends it as a new event. Nothing is written
// when validation fails.
func (s *ScoreService) Submit(ctx context.Context, req SubmitRequest) (*model.ScoreEvent, error) {
	if req.UserID <= 0 {
		return nil, ErrInvalidUser
	}
	if req.Duration < 0 {
		return nil, ErrInvalidDuration
	}

	scope, err := s.scopes.Get(ctx, req.ScopeID)
	if err != nil {
		if errors.Is(err, repository.ErrScopeNotFound) {
			return nil, ErrUnknownScope
		}
		return nil, fmt.Errorf("failed to get scope: %w", err)
	}
	if !scope.Active {
		return nil, ErrScopeInactive
	}
	if req.Score < 0 && !scope.AllowNegative {
		return nil, ErrNegativeScore
	}

	playedAt := req.PlayedAt
	if playedAt.IsZero() {
		playedAt = s.now()
	}

	event := &model.ScoreEvent{
		ID:       uuid.New(),
		UserID:   req.UserID,
		ScopeID:  scope.ID,
		Score:    req.Score,
		Verified: req.Verified,
		// Stores keep microsecond timestamps and millisecond durations.
		PlayedAt: playedAt.UTC().Truncate(time.Microsecond),
		Duration: req.Duration.Truncate(time.Millisecond),
	}

	var stored *model.ScoreEvent
	if event.Verified {
		err = s.locks.WithLockContext(ctx, PairKey{event.UserID, event.ScopeID}, defaultLockTimeout, func() (err error) {
			if err = s.checkAggregable(ctx, scope.Policy, event); err != nil {
				return err
			}
			stored, err = s.scores.Append(ctx, event)
			return err
		})
	} else {
		stored, err = s.scores.Append(ctx, event)
	}
	if err != nil {
		if errors.Is(err, repository.ErrScopeNotFound) {
			// Deleted between lookup and append.
			return nil, ErrUnknownScope
		}
		if errors.Is(err, model.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append score event: %w", err)
	}
	return stored, nil
}

// checkAggregable rejects a verified event that would push the pair's
// aggregate out of range, before it reaches the log.
func (s *ScoreService) checkAggregable(ctx context.Context, policy model.Policy, event *model.ScoreEvent) error {
	events, err := s.scores.VerifiedEvents(ctx, event.UserID, event.ScopeID)
	if err != nil {
		return fmt.Errorf("failed to read verified events: %w", err)
	}
	_, err = ranking.Reduce(policy, append(slices.Clip(events), event), 0)
	switch {
	case errors.Is(err, ranking.ErrTotalOverflow):
		return ErrScoreOverflow
	case errors.Is(err, ranking.ErrPlaytimeOverflow):
		return ErrPlaytimeOverflow
	}
	return nil
}

// EventsFor streams a user's events in a scope, best score first, fetching
// one keyset page at a time. Each range over the sequence starts a fresh
// read. An error ends the sequence after being yielded once.
func (s *ScoreService) EventsFor(ctx context.Context, userID int64, scopeID string) iter.Seq2[*model.ScoreEvent, error] {
	return func(yield func(*model.ScoreEvent, error) bool) {
		var cursor *model.HistoryCursor
		for {
			page, err := s.scores.HistoryPage(ctx, userID, scopeID, cursor, s.pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("failed to read score history: %w", err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			cursor = page[len(page)-1].Cursor()
		}
	}
}

// History returns at most limit events of EventsFor.
func (s *ScoreService) History(ctx context.Context, userID int64, scopeID string, limit int) ([]*model.ScoreEvent, error) {
	events := []*model.ScoreEvent{}
	if limit < 1 {
		return events, nil
	}
	for e, err := range s.EventsFor(ctx, userID, scopeID) {
		if err != nil {
			return nil, err
		}
		events = append(events, e)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}
