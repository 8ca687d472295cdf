package postgres

import (
	"context"
	"fmt"
)

// schemaDDL is applied on startup. Statements are idempotent so repeated
// runs against an existing database are safe.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		raw_text TEXT NOT NULL,
		clean_text TEXT NOT NULL,
		author_handle TEXT NOT NULL,
		author_name TEXT NOT NULL DEFAULT '',
		post_url TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		scraped_at TIMESTAMPTZ NOT NULL,
		location TEXT,
		reply_count INTEGER NOT NULL DEFAULT 0,
		retweet_count INTEGER NOT NULL DEFAULT 0,
		like_count INTEGER NOT NULL DEFAULT 0,
		sentiment_analyzed BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS posts_created_at_idx
		ON posts (created_at)`,
	`CREATE INDEX IF NOT EXISTS posts_clean_text_gin
		ON posts USING GIN (to_tsvector('simple', clean_text))`,
	`CREATE TABLE IF NOT EXISTS harvest_checkpoints (
		query TEXT NOT NULL,
		range_start TIMESTAMPTZ NOT NULL,
		range_end TIMESTAMPTZ NOT NULL,
		cursor TIMESTAMPTZ NOT NULL,
		run_id TEXT NOT NULL,
		total_persisted BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (query, range_start, range_end)
	)`,
	`CREATE TABLE IF NOT EXISTS rollups (
		granularity TEXT NOT NULL,
		period TEXT NOT NULL,
		post_count INTEGER NOT NULL DEFAULT 0,
		reply_sum BIGINT NOT NULL DEFAULT 0,
		retweet_sum BIGINT NOT NULL DEFAULT 0,
		like_sum BIGINT NOT NULL DEFAULT 0,
		sentiment_analyzed_count INTEGER NOT NULL DEFAULT 0,
		computed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (granularity, period)
	)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool dbPool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
