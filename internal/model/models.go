// Package model defines the data models for the leaderboard engine.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Policy selects how a scope reduces a user's verified score events
// into a single total.
type Policy string

// Reduction policies. A scope's policy is fixed when the scope is created.
const (
	PolicySum Policy = "sum" // Cumulative score across sessions
	PolicyMax Policy = "max" // Best single score
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicySum || p == PolicyMax
}

// TieBreak selects the secondary ordering used when two totals are equal.
type TieBreak string

// Tie-break modes. User id ascending is always the final key.
const (
	TieBreakEarliest TieBreak = "earliest" // Earliest achieving timestamp first
	TieBreakUserID   TieBreak = "user_id"  // User id ascending only
)

// Valid reports whether t is a known tie-break mode.
func (t TieBreak) Valid() bool {
	return t == TieBreakEarliest || t == TieBreakUserID
}

// Scope is the partition (game or activity) over which one independent
// ranking is computed.
type Scope struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Description   string    `db:"description" json:"description,omitempty"`
	Category      string    `db:"category" json:"category,omitempty"`
	Policy        Policy    `db:"policy" json:"policy"`
	TieBreak      TieBreak  `db:"tie_break" json:"tie_break"`
	AllowNegative bool      `db:"allow_negative" json:"allow_negative"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// ScoreEvent is one immutable score submission. Events are appended and
// never updated or deleted except by cascade when their scope is deleted.
type ScoreEvent struct {
	ID        uuid.UUID     `db:"id" json:"id"`
	UserID    int64         `db:"user_id" json:"user_id"`
	ScopeID   string        `db:"scope_id" json:"scope_id"`
	Score     int64         `db:"score" json:"score"`
	Verified  bool          `db:"verified" json:"verified"`
	PlayedAt  time.Time     `db:"played_at" json:"played_at"`
	Duration  time.Duration `db:"duration" json:"duration,omitempty"` // 0 when session length is not tracked
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

// Aggregate is the derived per (user, scope) summary of verified events.
type Aggregate struct {
	UserID        int64         `db:"user_id" json:"user_id"`
	ScopeID       string        `db:"scope_id" json:"scope_id"`
	TotalScore    int64         `db:"total_score" json:"total_score"`
	HighScore     int64         `db:"high_score" json:"high_score"`
	GamesPlayed   int64         `db:"games_played" json:"games_played"`
	CurrentStreak int           `db:"current_streak" json:"current_streak"`
	BestStreak    int           `db:"best_streak" json:"best_streak"`
	TotalPlaytime time.Duration `db:"total_playtime" json:"total_playtime"`
	LastPlayed    time.Time     `db:"last_played" json:"last_played"`
	// AchievedAt is when the current total was first reached. Earlier wins ties.
	AchievedAt time.Time `db:"achieved_at" json:"achieved_at"`
	Version    int64     `db:"version" json:"version"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// SameTotals reports whether a and b carry identical derived values,
// ignoring bookkeeping fields (version, update time).
func (a *Aggregate) SameTotals(b *Aggregate) bool {
	return a.UserID == b.UserID &&
		a.ScopeID == b.ScopeID &&
		a.TotalScore == b.TotalScore &&
		a.HighScore == b.HighScore &&
		a.GamesPlayed == b.GamesPlayed &&
		a.CurrentStreak == b.CurrentStreak &&
		a.BestStreak == b.BestStreak &&
		a.TotalPlaytime == b.TotalPlaytime &&
		a.LastPlayed.Equal(b.LastPlayed) &&
		a.AchievedAt.Equal(b.AchievedAt)
}

// LeaderboardEntry is one ranked row of a scope's materialized snapshot.
type LeaderboardEntry struct {
	ScopeID    string    `db:"scope_id" json:"scope_id"`
	UserID     int64     `db:"user_id" json:"user_id"`
	TotalScore int64     `db:"total_score" json:"total_score"`
	Rank       int       `db:"rank" json:"rank"`
	AchievedAt time.Time `db:"achieved_at" json:"achieved_at"`
}

// Snapshot is a complete ranking for one scope at one version.
type Snapshot struct {
	ScopeID    string              `json:"scope_id"`
	Version    int64               `json:"version"`
	ComputedAt time.Time           `json:"computed_at"`
	Entries    []*LeaderboardEntry `json:"entries"`
}

// Page is a slice of a snapshot. Every entry in a page belongs to Version.
type Page struct {
	ScopeID    string              `json:"scope_id"`
	Version    int64               `json:"version"`
	ComputedAt time.Time           `json:"computed_at"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"page_size"`
	Total      int                 `json:"total"`
	Entries    []*LeaderboardEntry `json:"entries"`
}

// HistoryCursor marks the last event of a history page. The next page starts
// strictly after it in (score desc, played_at desc, id desc) order.
type HistoryCursor struct {
	Score    int64     `json:"score"`
	PlayedAt time.Time `json:"played_at"`
	ID       uuid.UUID `json:"id"`
}

// Cursor returns the cursor positioned at e.
func (e *ScoreEvent) Cursor() *HistoryCursor {
	return &HistoryCursor{Score: e.Score, PlayedAt: e.PlayedAt, ID: e.ID}
}
