// Package postgres provides Postgres-backed persistence for harvested
// records, checkpoints, and rollups.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sentipol/harvester/internal/harvest"
)

// PoolConfig controls the shared Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// dbPool is the pool surface the stores need. pgxpool.Pool and
// pgxmock.PgxPoolIface both satisfy it.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool creates and configures a pgx connection pool.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// PostStore persists harvested records. It implements harvest.RecordStore.
type PostStore struct {
	pool   dbPool
	logger *zap.Logger
}

// NewPostStore constructs a store from an existing pool.
func NewPostStore(pool dbPool, logger *zap.Logger) (*PostStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostStore{pool: pool, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *PostStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// upsertPostSQL preserves the first-write created_at and raw_text by
// leaving them out of the conflict SET list. Location only fills in when
// a later scrape finally carries one. (xmax = 0) distinguishes a fresh
// insert from a conflict update.
const upsertPostSQL = `
INSERT INTO posts (
	id,
	raw_text,
	clean_text,
	author_handle,
	author_name,
	post_url,
	created_at,
	scraped_at,
	location,
	reply_count,
	retweet_count,
	like_count,
	sentiment_analyzed
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (id) DO UPDATE SET
	clean_text = EXCLUDED.clean_text,
	author_handle = EXCLUDED.author_handle,
	author_name = EXCLUDED.author_name,
	post_url = EXCLUDED.post_url,
	scraped_at = EXCLUDED.scraped_at,
	location = COALESCE(EXCLUDED.location, posts.location),
	reply_count = EXCLUDED.reply_count,
	retweet_count = EXCLUDED.retweet_count,
	like_count = EXCLUDED.like_count,
	sentiment_analyzed = EXCLUDED.sentiment_analyzed
RETURNING (xmax = 0) AS inserted`

// Upsert writes the batch record by record so one malformed row cannot
// poison the rest, and reports how many rows were inserts versus updates.
func (s *PostStore) Upsert(ctx context.Context, batch []harvest.Record) (harvest.UpsertResult, error) {
	var res harvest.UpsertResult
	for _, rec := range batch {
		if rec.ID == "" {
			res.Failed++
			continue
		}
		var inserted bool
		err := s.pool.QueryRow(ctx, upsertPostSQL,
			rec.ID,
			rec.RawText,
			rec.CleanText,
			rec.AuthorHandle,
			rec.AuthorName,
			rec.PostURL,
			rec.CreatedAt,
			rec.ScrapedAt,
			rec.Location,
			rec.Metrics.ReplyCount,
			rec.Metrics.RetweetCount,
			rec.Metrics.LikeCount,
			rec.SentimentAnalyzed,
		).Scan(&inserted)
		if err != nil {
			s.logger.Warn("post upsert failed",
				zap.String("id", rec.ID), zap.Error(err))
			res.Failed++
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if res.Failed > 0 && res.Yield() == 0 && len(batch) > 0 {
		return res, fmt.Errorf("no row in batch of %d was accepted: %w",
			len(batch), harvest.ErrPersistence)
	}
	return res, nil
}

const selectRangeSQL = `
SELECT id, raw_text, clean_text, author_handle, author_name, post_url,
	created_at, scraped_at, location, reply_count, retweet_count, like_count,
	sentiment_analyzed
FROM posts
WHERE created_at >= $1 AND created_at < $2
ORDER BY created_at`

// ForEachInRange streams every record whose created_at falls in the
// half-open window, in chronological order.
func (s *PostStore) ForEachInRange(
	ctx context.Context,
	dr harvest.DateRange,
	fn func(harvest.Record) error,
) error {
	rows, err := s.pool.Query(ctx, selectRangeSQL, dr.Start, dr.End)
	if err != nil {
		return fmt.Errorf("query posts in range %s: %w", dr.Key(), err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec harvest.Record
		if err := rows.Scan(
			&rec.ID,
			&rec.RawText,
			&rec.CleanText,
			&rec.AuthorHandle,
			&rec.AuthorName,
			&rec.PostURL,
			&rec.CreatedAt,
			&rec.ScrapedAt,
			&rec.Location,
			&rec.Metrics.ReplyCount,
			&rec.Metrics.RetweetCount,
			&rec.Metrics.LikeCount,
			&rec.SentimentAnalyzed,
		); err != nil {
			return fmt.Errorf("scan post row: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate posts in range %s: %w", dr.Key(), err)
	}
	return nil
}
