package postgres

import (
	"context"
	"fmt"

	"github.com/sentipol/harvester/internal/harvest"
)

// RollupStore persists per-period aggregates.
type RollupStore struct {
	pool dbPool
}

// NewRollupStore constructs a store from an existing pool.
func NewRollupStore(pool dbPool) (*RollupStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RollupStore{pool: pool}, nil
}

// saveRollupSQL overwrites the whole row on conflict so recomputing a
// period is idempotent.
const saveRollupSQL = `
INSERT INTO rollups (
	granularity, period, post_count, reply_sum, retweet_sum, like_sum,
	sentiment_analyzed_count, computed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (granularity, period) DO UPDATE SET
	post_count = EXCLUDED.post_count,
	reply_sum = EXCLUDED.reply_sum,
	retweet_sum = EXCLUDED.retweet_sum,
	like_sum = EXCLUDED.like_sum,
	sentiment_analyzed_count = EXCLUDED.sentiment_analyzed_count,
	computed_at = EXCLUDED.computed_at`

// Save writes one rollup row.
func (s *RollupStore) Save(ctx context.Context, r harvest.Rollup) error {
	_, err := s.pool.Exec(ctx, saveRollupSQL,
		r.Granularity,
		r.Period,
		r.PostCount,
		r.ReplySum,
		r.RetweetSum,
		r.LikeSum,
		r.SentimentAnalyzedCount,
		r.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("save rollup %s/%s: %w", r.Granularity, r.Period, err)
	}
	return nil
}
