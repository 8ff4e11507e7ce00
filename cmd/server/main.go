// Package main is the entry point for the leaderboard server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"leaderboard-engine/internal/api"
	"leaderboard-engine/internal/bot"
	"leaderboard-engine/internal/config"
	"leaderboard-engine/internal/jobs"
	"leaderboard-engine/internal/metrics"
	"leaderboard-engine/internal/model"
	"leaderboard-engine/internal/pkg/db"
	"leaderboard-engine/internal/repository"
	"leaderboard-engine/internal/repository/memory"
	"leaderboard-engine/internal/service"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log)
	log.Info().Str("storage", cfg.Storage.Driver).Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		stop()
		os.Exit(1)
	}

	log.Info().Msg("Server stopped gracefully")
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// openStores connects the configured storage backend. The returned close
// func is always safe to call.
func openStores(ctx context.Context, cfg *config.Config) (service.Stores, api.HealthFunc, func(), error) {
	if cfg.Storage.Driver == config.DriverMemory {
		log.Warn().Msg("Using in-memory storage; data is lost on restart")
		store := memory.New()
		return service.Stores{
			Scopes:     store.Scopes(),
			Scores:     store.Scores(),
			Aggregates: store.Aggregates(),
			Entries:    store.Entries(),
		}, store.HealthCheck, func() {}, nil
	}

	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		return service.Stores{}, nil, func() {}, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Migrate(ctx, dbPool.Pool); err != nil {
		dbPool.Close()
		return service.Stores{}, nil, func() {}, fmt.Errorf("failed to run database migrations: %w", err)
	}

	if err := metrics.RegisterPool(prometheus.DefaultRegisterer, dbPool.Stats); err != nil {
		dbPool.Close()
		return service.Stores{}, nil, func() {}, err
	}

	return service.Stores{
		Scopes:     repository.NewScopeRepository(dbPool.Pool),
		Scores:     repository.NewScoreRepository(dbPool.Pool),
		Aggregates: repository.NewAggregateRepository(dbPool.Pool),
		Entries:    repository.NewEntryRepository(dbPool.Pool),
	}, dbPool.HealthCheck, dbPool.Close, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	stores, health, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	// Initialize services
	scores := service.NewScoreService(stores.Scopes, stores.Scores, cfg.Storage.EventPageSize)

	aggregator := service.NewAggregator(stores.Scopes, stores.Scores, stores.Aggregates, service.AggregatorConfig{
		Retries:     cfg.Ranking.ConflictRetries,
		StreakGap:   cfg.Ranking.StreakGap,
		LockTimeout: cfg.Ranking.LockTimeout,
	})
	aggregator.OnAggregateCreated(func(_ context.Context, agg *model.Aggregate) {
		metrics.AggregatesCreated.Inc()
		log.Info().
			Int64("user_id", agg.UserID).
			Str("scope", agg.ScopeID).
			Msg("New leaderboard participant")
	})

	ranker := service.NewRanker(stores.Scopes, stores.Aggregates, stores.Entries, cfg.Ranking.LockTimeout)

	scheduler := service.NewScheduler(ranker, service.SchedulerConfig{
		Debounce:   cfg.Ranking.Debounce,
		MaxDelay:   cfg.Ranking.MaxDelay,
		Workers:    cfg.Ranking.Workers,
		RunTimeout: cfg.Ranking.RunTimeout,
	})

	reconciler := service.NewReconciler(stores.Scopes, stores.Scores, aggregator, ranker, cfg.Ranking.ReconcileInterval)

	leaderboard := service.NewLeaderboardService(stores, scores, aggregator, ranker, scheduler, service.PageLimits{
		Default: cfg.HTTP.DefaultPageSize,
		Max:     cfg.HTTP.MaxPageSize,
	})
	scopes := service.NewScopeService(stores.Scopes, scheduler, ranker)

	ips, err := api.NewIPResolver(cfg.HTTP.TrustedProxies)
	if err != nil {
		return fmt.Errorf("failed to parse trusted proxies: %w", err)
	}
	limiter := api.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst, ips)

	// Background jobs
	manager := jobs.New()
	manager.Register("reorder-scheduler", scheduler)
	manager.Register("reconciler", reconciler)
	manager.Register("rate-limit-cleanup", limiter)

	if cfg.Bot.Token != "" {
		telegramBot, err := bot.New(&bot.Dependencies{
			Config:      cfg,
			Leaderboard: leaderboard,
			Scopes:      scopes,
		})
		if err != nil {
			return err
		}
		manager.Register("telegram-bot", telegramBot)
	} else {
		log.Info().Msg("Bot token not set; Telegram bot disabled")
	}

	if cfg.Admin.APIKey == "" {
		log.Warn().Msg("Admin API key not set; admin endpoints and verified submissions are disabled")
	}

	router := api.NewRouter(api.RouterConfig{
		Handler:        api.NewHandler(leaderboard, scopes, health, cfg.Admin.APIKey),
		Limiter:        limiter,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		manager.Start(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
