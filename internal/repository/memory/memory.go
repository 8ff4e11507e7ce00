// Package memory provides in-process implementations of the repositories,
// used by tests and by the memory storage driver. Semantics match the
// PostgreSQL repositories: the same sentinel errors, optimistic aggregate
// versions and atomic snapshot swaps.
package memory

import (
	"bytes"
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"leaderboard-engine/internal/model"
	"leaderboard-engine/internal/ranking"
	"leaderboard-engine/internal/repository"
)

type pairKey struct {
	userID  int64
	scopeID string
}

type eventKey struct {
	userID   int64
	scopeID  string
	playedAt time.Time
}

// Store holds all tables behind one lock so cascades and foreign key checks
// are atomic.
type Store struct {
	mu         sync.RWMutex
	scopes     map[string]*model.Scope
	events     map[pairKey][]*model.ScoreEvent
	eventKeys  map[eventKey]struct{}
	aggregates map[pairKey]*model.Aggregate
	snapshots  map[string]*model.Snapshot
	now        func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		scopes:     make(map[string]*model.Scope),
		events:     make(map[pairKey][]*model.ScoreEvent),
		eventKeys:  make(map[eventKey]struct{}),
		aggregates: make(map[pairKey]*model.Aggregate),
		snapshots:  make(map[string]*model.Snapshot),
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Scopes returns the scope repository view of the store.
func (s *Store) Scopes() *ScopeRepository { return &ScopeRepository{s} }

// Scores returns the score event repository view of the store.
func (s *Store) Scores() *ScoreRepository { return &ScoreRepository{s} }

// Aggregates returns the aggregate repository view of the store.
func (s *Store) Aggregates() *AggregateRepository { return &AggregateRepository{s} }

// Entries returns the leaderboard entry repository view of the store.
func (s *Store) Entries() *EntryRepository { return &EntryRepository{s} }

// HealthCheck always succeeds.
func (s *Store) HealthCheck(context.Context) error { return nil }

// ============================================================================
// Scopes
// ============================================================================

// ScopeRepository is the in-memory scope registry.
type ScopeRepository struct{ s *Store }

func (r *ScopeRepository) Create(ctx context.Context, scope *model.Scope) (*model.Scope, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.scopes[scope.ID]; ok {
		return nil, repository.ErrScopeExists
	}
	c := *scope
	c.CreatedAt = r.s.now()
	c.UpdatedAt = c.CreatedAt
	r.s.scopes[c.ID] = &c
	out := c
	return &out, nil
}

func (r *ScopeRepository) Get(ctx context.Context, id string) (*model.Scope, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	scope, ok := r.s.scopes[id]
	if !ok {
		return nil, repository.ErrScopeNotFound
	}
	c := *scope
	return &c, nil
}

func (r *ScopeRepository) List(ctx context.Context, activeOnly bool) ([]*model.Scope, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var scopes []*model.Scope
	for _, scope := range r.s.scopes {
		if activeOnly && !scope.Active {
			continue
		}
		c := *scope
		scopes = append(scopes, &c)
	}
	slices.SortFunc(scopes, func(a, b *model.Scope) int { return cmp.Compare(a.ID, b.ID) })
	return scopes, nil
}

func (r *ScopeRepository) SetActive(ctx context.Context, id string, active bool) (*model.Scope, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	scope, ok := r.s.scopes[id]
	if !ok {
		return nil, repository.ErrScopeNotFound
	}
	scope.Active = active
	scope.UpdatedAt = r.s.now()
	c := *scope
	return &c, nil
}

func (r *ScopeRepository) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.scopes[id]; !ok {
		return repository.ErrScopeNotFound
	}
	delete(r.s.scopes, id)
	delete(r.s.snapshots, id)
	for k := range r.s.events {
		if k.scopeID == id {
			delete(r.s.events, k)
		}
	}
	for k := range r.s.eventKeys {
		if k.scopeID == id {
			delete(r.s.eventKeys, k)
		}
	}
	for k := range r.s.aggregates {
		if k.scopeID == id {
			delete(r.s.aggregates, k)
		}
	}
	return nil
}

// ============================================================================
// Score events
// ============================================================================

// ScoreRepository is the in-memory append-only event log.
type ScoreRepository struct{ s *Store }

func (r *ScoreRepository) Append(ctx context.Context, event *model.ScoreEvent) (*model.ScoreEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.scopes[event.ScopeID]; !ok {
		return nil, repository.ErrScopeNotFound
	}
	ek := eventKey{event.UserID, event.ScopeID, event.PlayedAt.UTC()}
	if _, ok := r.s.eventKeys[ek]; ok {
		return nil, repository.ErrDuplicateEvent
	}

	c := *event
	c.CreatedAt = r.s.now()
	pk := pairKey{event.UserID, event.ScopeID}
	r.s.events[pk] = append(r.s.events[pk], &c)
	r.s.eventKeys[ek] = struct{}{}

	out := c
	return &out, nil
}

func (r *ScoreRepository) VerifiedEvents(ctx context.Context, userID int64, scopeID string) ([]*model.ScoreEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var events []*model.ScoreEvent
	for _, e := range r.s.events[pairKey{userID, scopeID}] {
		if e.Verified {
			c := *e
			events = append(events, &c)
		}
	}
	slices.SortFunc(events, func(a, b *model.ScoreEvent) int {
		if c := a.PlayedAt.Compare(b.PlayedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return events, nil
}

// historyOrder sorts best score first, then newest, then id descending.
func historyOrder(a, b *model.ScoreEvent) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := b.PlayedAt.Compare(a.PlayedAt); c != 0 {
		return c
	}
	return bytes.Compare(b.ID[:], a.ID[:])
}

func (r *ScoreRepository) HistoryPage(ctx context.Context, userID int64, scopeID string, after *model.HistoryCursor, limit int) ([]*model.ScoreEvent, error) {
	r.s.mu.RLock()
	all := slices.Clone(r.s.events[pairKey{userID, scopeID}])
	r.s.mu.RUnlock()

	slices.SortFunc(all, historyOrder)

	start := 0
	if after != nil {
		pivot := &model.ScoreEvent{Score: after.Score, PlayedAt: after.PlayedAt, ID: after.ID}
		start, _ = slices.BinarySearchFunc(all, pivot, historyOrder)
		if start < len(all) && historyOrder(all[start], pivot) == 0 {
			start++
		}
	}

	end := min(start+limit, len(all))
	page := make([]*model.ScoreEvent, 0, end-start)
	for _, e := range all[start:end] {
		c := *e
		page = append(page, &c)
	}
	return page, nil
}

func (r *ScoreRepository) Pairs(ctx context.Context, scopeID string) ([]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var ids []int64
	for k, events := range r.s.events {
		if k.scopeID != scopeID {
			continue
		}
		if slices.ContainsFunc(events, func(e *model.ScoreEvent) bool { return e.Verified }) {
			ids = append(ids, k.userID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// ============================================================================
// Aggregates
// ============================================================================

// AggregateRepository is the in-memory aggregate table.
type AggregateRepository struct{ s *Store }

func (r *AggregateRepository) Get(ctx context.Context, userID int64, scopeID string) (*model.Aggregate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	agg, ok := r.s.aggregates[pairKey{userID, scopeID}]
	if !ok {
		return nil, repository.ErrAggregateNotFound
	}
	c := *agg
	return &c, nil
}

func (r *AggregateRepository) Save(ctx context.Context, agg *model.Aggregate, expectedVersion int64) (*model.Aggregate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.scopes[agg.ScopeID]; !ok {
		return nil, repository.ErrScopeNotFound
	}

	key := pairKey{agg.UserID, agg.ScopeID}
	var current int64
	if stored, ok := r.s.aggregates[key]; ok {
		current = stored.Version
	}
	if current != expectedVersion {
		return nil, repository.ErrVersionConflict
	}

	c := *agg
	c.Version = current + 1
	c.UpdatedAt = r.s.now()
	r.s.aggregates[key] = &c

	out := c
	return &out, nil
}

func (r *AggregateRepository) ListByScope(ctx context.Context, scopeID string) ([]*model.Aggregate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var aggs []*model.Aggregate
	for k, agg := range r.s.aggregates {
		if k.scopeID == scopeID {
			c := *agg
			aggs = append(aggs, &c)
		}
	}
	slices.SortFunc(aggs, func(a, b *model.Aggregate) int { return cmp.Compare(a.UserID, b.UserID) })
	return aggs, nil
}

// ============================================================================
// Leaderboard entries
// ============================================================================

// EntryRepository keeps one immutable snapshot per scope and replaces the
// pointer wholesale, so a reader holding a snapshot never sees a mix.
type EntryRepository struct{ s *Store }

func (r *EntryRepository) Replace(ctx context.Context, scopeID string, entries []*model.LeaderboardEntry, computedAt time.Time) (*model.Snapshot, error) {
	stored := make([]*model.LeaderboardEntry, len(entries))
	for i, e := range entries {
		c := *e
		c.ScopeID = scopeID
		stored[i] = &c
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.scopes[scopeID]; !ok {
		return nil, repository.ErrScopeNotFound
	}

	var version int64 = 1
	if cur, ok := r.s.snapshots[scopeID]; ok {
		version = cur.Version + 1
	}
	snap := &model.Snapshot{
		ScopeID:    scopeID,
		Version:    version,
		ComputedAt: computedAt,
		Entries:    stored,
	}
	r.s.snapshots[scopeID] = snap
	return copySnapshot(snap), nil
}

func (r *EntryRepository) current(scopeID string) *model.Snapshot {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.snapshots[scopeID]
}

func (r *EntryRepository) Page(ctx context.Context, scopeID string, page, pageSize int) (*model.Page, error) {
	result := &model.Page{
		ScopeID:  scopeID,
		Page:     page,
		PageSize: pageSize,
		Entries:  []*model.LeaderboardEntry{},
	}

	snap := r.current(scopeID)
	if snap == nil {
		return result, nil
	}

	result.Version = snap.Version
	result.ComputedAt = snap.ComputedAt
	result.Total = len(snap.Entries)

	for _, e := range ranking.Paginate(snap.Entries, page, pageSize) {
		c := *e
		result.Entries = append(result.Entries, &c)
	}
	return result, nil
}

func (r *EntryRepository) UserEntry(ctx context.Context, userID int64, scopeID string) (*model.LeaderboardEntry, error) {
	snap := r.current(scopeID)
	if snap == nil {
		return nil, repository.ErrEntryNotFound
	}
	for _, e := range snap.Entries {
		if e.UserID == userID {
			c := *e
			return &c, nil
		}
	}
	return nil, repository.ErrEntryNotFound
}

func (r *EntryRepository) Snapshot(ctx context.Context, scopeID string) (*model.Snapshot, error) {
	snap := r.current(scopeID)
	if snap == nil {
		return &model.Snapshot{ScopeID: scopeID, Entries: []*model.LeaderboardEntry{}}, nil
	}
	return copySnapshot(snap), nil
}

func copySnapshot(snap *model.Snapshot) *model.Snapshot {
	c := *snap
	c.Entries = make([]*model.LeaderboardEntry, len(snap.Entries))
	for i, e := range snap.Entries {
		entry := *e
		c.Entries[i] = &entry
	}
	return &c
}
