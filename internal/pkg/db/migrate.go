package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// migrations are applied in order at startup. Each statement is idempotent.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "scopes table",
		sql: `
		CREATE TABLE IF NOT EXISTS scopes (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category VARCHAR(50) NOT NULL DEFAULT '',
			policy VARCHAR(16) NOT NULL CHECK (policy IN ('sum', 'max')),
			tie_break VARCHAR(16) NOT NULL DEFAULT 'earliest' CHECK (tie_break IN ('earliest', 'user_id')),
			allow_negative BOOLEAN NOT NULL DEFAULT FALSE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_scopes_category ON scopes(category);
		`,
	},
	{
		name: "score_events table",
		sql: `
		CREATE TABLE IF NOT EXISTS score_events (
			id UUID PRIMARY KEY,
			user_id BIGINT NOT NULL,
			scope_id VARCHAR(64) NOT NULL REFERENCES scopes(id) ON DELETE CASCADE,
			score BIGINT NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			played_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, scope_id, played_at)
		);
		CREATE INDEX IF NOT EXISTS idx_score_events_history
			ON score_events(user_id, scope_id, score DESC, played_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_score_events_verified
			ON score_events(scope_id, user_id, played_at) WHERE verified;
		`,
	},
	{
		name: "aggregates table",
		sql: `
		CREATE TABLE IF NOT EXISTS aggregates (
			user_id BIGINT NOT NULL,
			scope_id VARCHAR(64) NOT NULL REFERENCES scopes(id) ON DELETE CASCADE,
			total_score BIGINT NOT NULL,
			high_score BIGINT NOT NULL,
			games_played BIGINT NOT NULL,
			current_streak INT NOT NULL DEFAULT 0,
			best_streak INT NOT NULL DEFAULT 0,
			total_playtime_ms BIGINT NOT NULL DEFAULT 0,
			last_played TIMESTAMPTZ NOT NULL,
			achieved_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, scope_id)
		);
		CREATE INDEX IF NOT EXISTS idx_aggregates_scope ON aggregates(scope_id);
		`,
	},
	{
		name: "leaderboard snapshot tables",
		sql: `
		CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
			scope_id VARCHAR(64) PRIMARY KEY REFERENCES scopes(id) ON DELETE CASCADE,
			version BIGINT NOT NULL,
			participants INT NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS leaderboard_entries (
			scope_id VARCHAR(64) NOT NULL REFERENCES scopes(id) ON DELETE CASCADE,
			version BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			total_score BIGINT NOT NULL,
			rank INT NOT NULL CHECK (rank > 0),
			achieved_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope_id, version, rank),
			UNIQUE (scope_id, version, user_id)
		);
		`,
	},
}

// Migrate applies the schema. It is safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running database migrations...")

	for i, m := range migrations {
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", i+1, m.name, err)
		}
		log.Info().Int("migration", i+1).Str("name", m.name).Msg("Migration applied")
	}

	log.Info().Msg("All migrations completed successfully")
	return nil
}
