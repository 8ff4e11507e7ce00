// Package ranking holds the pure reduction and ordering logic of the
// leaderboard engine. Nothing in this package touches a store.
package ranking

import (
	"fmt"
	"sync"
	"time"

	"leaderboard-engine/internal/model"
)

// Reducer folds the verified events of one (user, scope) pair into a total.
// Events are non-empty and ordered by PlayedAt ascending.
type Reducer interface {
	// Policy returns the scope policy this reducer implements.
	Policy() model.Policy

	// Reduce returns the total and the time at which that total was reached.
	// A total that does not fit in an int64 fails with ErrTotalOverflow.
	Reduce(events []*model.ScoreEvent) (total int64, achievedAt time.Time, err error)
}

// Registry manages reducer registration and lookup by policy.
type Registry struct {
	reducers map[model.Policy]Reducer
	mu       sync.RWMutex
}

// NewRegistry creates a registry holding the given reducers.
func NewRegistry(reducers ...Reducer) *Registry {
	r := &Registry{reducers: make(map[model.Policy]Reducer)}
	for _, red := range reducers {
		_ = r.Register(red)
	}
	return r
}

// Register adds a reducer, replacing any previous one for the same policy.
func (r *Registry) Register(red Reducer) error {
	if red == nil {
		return fmt.Errorf("cannot register nil reducer")
	}
	if red.Policy() == "" {
		return fmt.Errorf("reducer policy cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reducers[red.Policy()] = red
	return nil
}

// Get retrieves the reducer for a policy.
func (r *Registry) Get(p model.Policy) (Reducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	red, ok := r.reducers[p]
	return red, ok
}

// Policies returns the registered policies.
func (r *Registry) Policies() []model.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	policies := make([]model.Policy, 0, len(r.reducers))
	for p := range r.reducers {
		policies = append(policies, p)
	}
	return policies
}

// DefaultRegistry holds the built-in sum and max reducers.
var DefaultRegistry = NewRegistry(SumReducer{}, MaxReducer{})

// SumReducer accumulates every verified score.
type SumReducer struct{}

// Policy implements Reducer.
func (SumReducer) Policy() model.Policy { return model.PolicySum }

// Reduce implements Reducer. The total is reached at the first event after
// which the running sum equals the final total. A user who leaves that
// total and later returns to it keeps the earlier time.
func (SumReducer) Reduce(events []*model.ScoreEvent) (int64, time.Time, error) {
	var total int64
	sums := make([]int64, len(events))
	for i, e := range events {
		next, ok := addInt64(total, e.Score)
		if !ok {
			return 0, time.Time{}, ErrTotalOverflow
		}
		total = next
		sums[i] = total
	}

	for i, sum := range sums {
		if sum == total {
			return total, events[i].PlayedAt, nil
		}
	}
	return total, events[len(events)-1].PlayedAt, nil
}

// MaxReducer keeps the best single score.
type MaxReducer struct{}

// Policy implements Reducer.
func (MaxReducer) Policy() model.Policy { return model.PolicyMax }

// Reduce implements Reducer. The total is reached at the earliest event
// carrying the best score.
func (MaxReducer) Reduce(events []*model.ScoreEvent) (int64, time.Time, error) {
	best := events[0].Score
	achievedAt := events[0].PlayedAt
	for _, e := range events[1:] {
		if e.Score > best {
			best = e.Score
			achievedAt = e.PlayedAt
		}
	}
	return best, achievedAt, nil
}

// addInt64 returns a+b and whether the sum fits in an int64.
func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}
