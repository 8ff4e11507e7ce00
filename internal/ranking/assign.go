package ranking

import (
	"sort"

	"leaderboard-engine/internal/model"
)

// Less reports whether a ranks strictly ahead of b. Higher totals first;
// equal totals fall back to the tie-break mode and finally to user id, so
// the order is total for distinct users.
func Less(a, b *model.Aggregate, tb model.TieBreak) bool {
	if a.TotalScore != b.TotalScore {
		return a.TotalScore > b.TotalScore
	}
	if tb != model.TieBreakUserID && !a.AchievedAt.Equal(b.AchievedAt) {
		return a.AchievedAt.Before(b.AchievedAt)
	}
	return a.UserID < b.UserID
}

// Assign orders the aggregates of one scope and numbers them 1..n.
// Aggregates with a negative total are excluded. The input is not modified.
func Assign(scopeID string, aggregates []*model.Aggregate, tb model.TieBreak) []*model.LeaderboardEntry {
	ranked := make([]*model.Aggregate, 0, len(aggregates))
	for _, a := range aggregates {
		if a.TotalScore < 0 {
			continue
		}
		ranked = append(ranked, a)
	}

	sort.Slice(ranked, func(i, j int) bool {
		return Less(ranked[i], ranked[j], tb)
	})

	entries := make([]*model.LeaderboardEntry, len(ranked))
	for i, a := range ranked {
		entries[i] = &model.LeaderboardEntry{
			ScopeID:    scopeID,
			UserID:     a.UserID,
			TotalScore: a.TotalScore,
			Rank:       i + 1,
			AchievedAt: a.AchievedAt,
		}
	}
	return entries
}

// NormalizePage clamps a requested page and page size. Pages are 1-based.
func NormalizePage(page, pageSize, defaultSize, maxSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultSize
	}
	if maxSize > 0 && pageSize > maxSize {
		pageSize = maxSize
	}
	return page, pageSize
}

// Paginate returns the entries of a 1-based page. Pages past the end are
// empty, never an error.
func Paginate(entries []*model.LeaderboardEntry, page, pageSize int) []*model.LeaderboardEntry {
	if page < 1 || pageSize < 1 || page-1 > len(entries)/pageSize {
		return []*model.LeaderboardEntry{}
	}
	start := (page - 1) * pageSize
	if start >= len(entries) {
		return []*model.LeaderboardEntry{}
	}
	end := start + pageSize
	if end > len(entries) {
		end = len(entries)
	}
	return entries[start:end]
}
