// Package handler provides Telegram bot command handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"leaderboard-engine/internal/config"
	"leaderboard-engine/internal/model"
	"leaderboard-engine/internal/repository"
	"leaderboard-engine/internal/service"
)

const (
	handlerTimeout = 10 * time.Second
	topPageSize    = 10
)

var medals = []string{"🥇", "🥈", "🥉"}

// LeaderboardHandler handles leaderboard commands.
type LeaderboardHandler struct {
	cfg         *config.Config
	leaderboard *service.LeaderboardService
	scopes      *service.ScopeService
}

// NewLeaderboardHandler creates a new LeaderboardHandler.
func NewLeaderboardHandler(cfg *config.Config, leaderboard *service.LeaderboardService, scopes *service.ScopeService) *LeaderboardHandler {
	return &LeaderboardHandler{
		cfg:         cfg,
		leaderboard: leaderboard,
		scopes:      scopes,
	}
}

// HandleStart handles /start and /help.
func (h *LeaderboardHandler) HandleStart(c tele.Context) error {
	msg := "🏆 Leaderboards\n" +
		"━━━━━━━━━━━━━━━\n" +
		"/boards - list active leaderboards\n" +
		"/top <board> [page] - show the standings\n" +
		"/rank <board> - show your rank and stats\n" +
		"/score <board> <points> - record a score"
	if sender := c.Sender(); sender != nil && h.cfg.IsAdmin(sender.ID) {
		msg += "\n\n🔧 Admin\n/recompute <board> - rebuild the standings now"
	}
	return c.Reply(msg)
}

// HandleBoards handles /boards.
func (h *LeaderboardHandler) HandleBoards(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	scopes, err := h.scopes.List(ctx, true)
	if err != nil {
		return h.replyError(c, err)
	}
	if len(scopes) == 0 {
		return c.Reply("No active leaderboards yet")
	}

	var sb strings.Builder
	sb.WriteString("📋 Active leaderboards\n")
	for _, s := range scopes {
		fmt.Fprintf(&sb, "• %s (%s, %s)\n", s.ID, s.Name, s.Policy)
	}
	return c.Reply(sb.String())
}

// HandleTop handles /top <board> [page].
func (h *LeaderboardHandler) HandleTop(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Reply("Usage: /top <board> [page]")
	}

	page := 1
	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil || p < 1 {
			return c.Reply("❌ Page must be a positive number")
		}
		page = p
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	result, err := h.leaderboard.GetPage(ctx, args[0], page, topPageSize)
	if err != nil {
		return h.replyError(c, err)
	}

	return c.Reply(formatPage(result))
}

func formatPage(p *model.Page) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🏆 %s\n", p.ScopeID)
	sb.WriteString("━━━━━━━━━━━━━━━\n")

	if len(p.Entries) == 0 {
		sb.WriteString("No scores yet")
		return sb.String()
	}

	for _, e := range p.Entries {
		rank := fmt.Sprintf("%d.", e.Rank)
		if e.Rank <= len(medals) {
			rank = medals[e.Rank-1]
		}
		fmt.Fprintf(&sb, "%s User%d: %d\n", rank, e.UserID, e.TotalScore)
	}

	if p.PageSize < 1 {
		return sb.String()
	}
	if pages := (p.Total + p.PageSize - 1) / p.PageSize; pages > 1 {
		fmt.Fprintf(&sb, "\nPage %d/%d", p.Page, pages)
	}
	return sb.String()
}

// HandleRank handles /rank <board>.
func (h *LeaderboardHandler) HandleRank(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	args := c.Args()
	if len(args) < 1 {
		return c.Reply("Usage: /rank <board>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	agg, err := h.leaderboard.GetAggregate(ctx, sender.ID, args[0])
	if errors.Is(err, repository.ErrAggregateNotFound) {
		return c.Reply("You have no verified scores on this board yet")
	}
	if err != nil {
		return h.replyError(c, err)
	}

	msg := fmt.Sprintf("📊 %s\n━━━━━━━━━━━━━━━\n", args[0])

	entry, err := h.leaderboard.GetUserEntry(ctx, sender.ID, args[0])
	switch {
	case err == nil:
		msg += fmt.Sprintf("Rank: #%d\n", entry.Rank)
	case errors.Is(err, model.ErrNotFound):
		msg += "Rank: pending\n"
	default:
		return h.replyError(c, err)
	}

	msg += fmt.Sprintf("Total: %d\nBest: %d\nGames: %d\nStreak: %d (best %d)",
		agg.TotalScore, agg.HighScore, agg.GamesPlayed, agg.CurrentStreak, agg.BestStreak)
	return c.Reply(msg)
}

// HandleScore handles /score <board> <points>. Scores from admins are
// recorded as verified, everyone else's are kept as unverified history.
func (h *LeaderboardHandler) HandleScore(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	args := c.Args()
	if len(args) < 2 {
		return c.Reply("Usage: /score <board> <points>")
	}

	points, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return c.Reply("❌ Points must be a whole number")
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	verified := h.cfg.IsAdmin(sender.ID)
	result, err := h.leaderboard.SubmitScore(ctx, service.SubmitRequest{
		UserID:   sender.ID,
		ScopeID:  args[0],
		Score:    points,
		Verified: verified,
	})
	if err != nil {
		return h.replyError(c, err)
	}

	if !verified {
		return c.Reply(fmt.Sprintf("📝 Recorded %d on %s (unverified, not ranked)", points, args[0]))
	}
	if result.Aggregate == nil {
		return c.Reply(fmt.Sprintf("✅ Recorded %d on %s", points, args[0]))
	}
	return c.Reply(fmt.Sprintf("✅ Recorded %d on %s\nTotal: %d | Best: %d",
		points, args[0], result.Aggregate.TotalScore, result.Aggregate.HighScore))
}

// HandleRecompute handles /recompute <board>. Admin only.
func (h *LeaderboardHandler) HandleRecompute(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Reply("Usage: /recompute <board>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	snap, err := h.leaderboard.Recompute(ctx, args[0])
	if errors.Is(err, service.ErrSuperseded) {
		return c.Reply("⏳ A newer rebuild is already running")
	}
	if err != nil {
		return h.replyError(c, err)
	}

	return c.Reply(fmt.Sprintf("✅ %s rebuilt: %d ranked (version %d)", args[0], len(snap.Entries), snap.Version))
}

func (h *LeaderboardHandler) replyError(c tele.Context, err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return c.Reply("❌ Unknown leaderboard")
	case errors.Is(err, model.ErrValidation):
		return c.Reply("❌ " + userMessage(err))
	}

	log.Error().Err(err).Str("command", c.Text()).Msg("Leaderboard command failed")
	return c.Reply("❌ Something went wrong, please try again later")
}

// userMessage drops the error kind prefix from validation errors.
func userMessage(err error) string {
	msg := err.Error()
	prefix := model.ErrValidation.Error() + ": "
	return strings.TrimPrefix(msg, prefix)
}
