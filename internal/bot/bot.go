// Package bot provides the Telegram bot initialization and handler registration.
package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"leaderboard-engine/internal/config"
	"leaderboard-engine/internal/handler"
	"leaderboard-engine/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot     *tele.Bot
	cfg     *config.Config
	private *PrivateUsers

	leaderboardHandler *handler.LeaderboardHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config      *config.Config
	Leaderboard *service.LeaderboardService
	Scopes      *service.ScopeService
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			log.Error().Err(err).Msg("Bot handler error")
		},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot:                teleBot,
		cfg:                deps.Config,
		private:            NewPrivateUsers(),
		leaderboardHandler: handler.NewLeaderboardHandler(deps.Config, deps.Leaderboard, deps.Scopes),
	}

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

// registerMiddleware registers all middleware.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(WhitelistMiddleware(b.cfg, b.private))
	b.bot.Use(LoggingMiddleware())
}

// registerHandlers registers all command handlers.
func (b *Bot) registerHandlers() {
	h := b.leaderboardHandler

	b.bot.Handle("/start", h.HandleStart)
	b.bot.Handle("/help", h.HandleStart)
	b.bot.Handle("/boards", h.HandleBoards)
	b.bot.Handle("/top", h.HandleTop)
	b.bot.Handle("/rank", h.HandleRank)
	b.bot.Handle("/score", h.HandleScore)

	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/recompute", h.HandleRecompute)
}

// Start polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	log.Info().Str("username", b.bot.Me.Username).Msg("Starting bot...")

	go func() {
		<-ctx.Done()
		log.Info().Msg("Stopping bot...")
		b.bot.Stop()
	}()

	b.bot.Start()
}
