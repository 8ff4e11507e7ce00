package ranking

import (
	"fmt"
	"sort"
	"time"

	"leaderboard-engine/internal/model"
)

// ErrNoEvents is returned when a pair has no verified events to reduce.
var ErrNoEvents = fmt.Errorf("%w: no verified events", model.ErrNotFound)

// Overflow errors. Both are validation errors: the events that caused them
// can never be aggregated.
var (
	ErrTotalOverflow    = fmt.Errorf("%w: score total out of range", model.ErrValidation)
	ErrPlaytimeOverflow = fmt.Errorf("%w: total playtime out of range", model.ErrValidation)
)

// Reduce derives the aggregate of one (user, scope) pair from its events
// using the default reducer registry. Unverified events are ignored.
// Consecutive sessions continue a streak when they are at most streakGap
// apart; a non-positive streakGap makes every session continue the streak.
func Reduce(policy model.Policy, events []*model.ScoreEvent, streakGap time.Duration) (*model.Aggregate, error) {
	return DefaultRegistry.Reduce(policy, events, streakGap)
}

// Reduce derives an aggregate with the reducer registered for policy.
func (r *Registry) Reduce(policy model.Policy, events []*model.ScoreEvent, streakGap time.Duration) (*model.Aggregate, error) {
	red, ok := r.Get(policy)
	if !ok {
		return nil, fmt.Errorf("%w: unknown policy %q", model.ErrValidation, policy)
	}

	verified := make([]*model.ScoreEvent, 0, len(events))
	for _, e := range events {
		if e.Verified {
			verified = append(verified, e)
		}
	}
	if len(verified) == 0 {
		return nil, ErrNoEvents
	}

	sort.SliceStable(verified, func(i, j int) bool {
		if !verified[i].PlayedAt.Equal(verified[j].PlayedAt) {
			return verified[i].PlayedAt.Before(verified[j].PlayedAt)
		}
		return verified[i].ID.String() < verified[j].ID.String()
	})

	first := verified[0]
	agg := &model.Aggregate{
		UserID:      first.UserID,
		ScopeID:     first.ScopeID,
		HighScore:   first.Score,
		GamesPlayed: int64(len(verified)),
		LastPlayed:  verified[len(verified)-1].PlayedAt,
	}
	total, achievedAt, err := red.Reduce(verified)
	if err != nil {
		return nil, err
	}
	agg.TotalScore, agg.AchievedAt = total, achievedAt

	run := 0
	var prev time.Time
	for i, e := range verified {
		if e.Score > agg.HighScore {
			agg.HighScore = e.Score
		}
		playtime, ok := addInt64(int64(agg.TotalPlaytime), int64(e.Duration))
		if !ok {
			return nil, ErrPlaytimeOverflow
		}
		agg.TotalPlaytime = time.Duration(playtime)

		if i == 0 || (streakGap > 0 && e.PlayedAt.Sub(prev) > streakGap) {
			run = 1
		} else {
			run++
		}
		if run > agg.BestStreak {
			agg.BestStreak = run
		}
		prev = e.PlayedAt
	}
	agg.CurrentStreak = run

	return agg, nil
}
