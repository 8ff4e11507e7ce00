package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaderboard-engine/internal/model"
)

type countingReorderer struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingReorderer() *countingReorderer {
	return &countingReorderer{calls: make(map[string]int)}
}

func (c *countingReorderer) Reorder(ctx context.Context, scopeID string) (*model.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[scopeID]++
	return &model.Snapshot{ScopeID: scopeID}, nil
}

func (c *countingReorderer) count(scopeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[scopeID]
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestScheduler_CoalescesBurst(t *testing.T) {
	r := newCountingReorderer()
	s := NewScheduler(r, SchedulerConfig{Debounce: 50 * time.Millisecond, MaxDelay: time.Second, Workers: 2})
	startScheduler(t, s)

	for range 20 {
		s.Trigger("snake")
	}
	s.Trigger("chess")

	require.Eventually(t, func() bool {
		return r.count("snake") == 1 && r.count("chess") == 1
	}, time.Second, 5*time.Millisecond)

	// Nothing else fires afterwards.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, r.count("snake"))
	assert.Zero(t, s.Pending())
}

func TestScheduler_MaxDelayBoundsWaiting(t *testing.T) {
	r := newCountingReorderer()
	s := NewScheduler(r, SchedulerConfig{Debounce: 80 * time.Millisecond, MaxDelay: 150 * time.Millisecond, Workers: 1})
	startScheduler(t, s)

	// Keep triggering faster than the debounce window for well past MaxDelay.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.Trigger("snake")
		time.Sleep(20 * time.Millisecond)
	}

	assert.GreaterOrEqual(t, r.count("snake"), 2, "continuous triggers must not starve the reorder")
}

func TestScheduler_StopsCleanly(t *testing.T) {
	r := newCountingReorderer()
	s := NewScheduler(r, SchedulerConfig{Debounce: time.Hour, Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	s.Trigger("snake")
	assert.Equal(t, 1, s.Pending())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Zero(t, s.Pending())
	s.Trigger("snake")
	assert.Zero(t, s.Pending(), "triggers after shutdown are ignored")
	assert.Zero(t, r.count("snake"))
}

func TestScheduler_EndToEndWithRanker(t *testing.T) {
	f := newFixture(t)
	f.createScope(t, "snake", model.PolicySum)

	s := NewScheduler(f.ranker, SchedulerConfig{Debounce: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Workers: 2})
	startScheduler(t, s)
	f.svc.trigger = s

	f.submit(t, 1, "snake", 10, t0)
	f.submit(t, 2, "snake", 30, t0)

	require.Eventually(t, func() bool {
		entry, err := f.svc.GetUserEntry(context.Background(), 2, "snake")
		return err == nil && entry.Rank == 1
	}, 2*time.Second, 10*time.Millisecond)
}
