package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/sentipol/harvester/internal/harvest"
)

// CheckpointStore persists crawl progress markers keyed by
// (query, range_start, range_end). It implements harvest.CheckpointStore.
type CheckpointStore struct {
	pool   dbPool
	logger *zap.Logger
}

// NewCheckpointStore constructs a store from an existing pool.
func NewCheckpointStore(pool dbPool, logger *zap.Logger) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointStore{pool: pool, logger: logger}, nil
}

const loadCheckpointSQL = `
SELECT cursor, run_id, total_persisted, updated_at
FROM harvest_checkpoints
WHERE query = $1 AND range_start = $2 AND range_end = $3`

// Load returns the checkpoint for the key, or (nil, nil) when none exists.
func (s *CheckpointStore) Load(
	ctx context.Context,
	query string,
	dr harvest.DateRange,
) (*harvest.Checkpoint, error) {
	cp := harvest.Checkpoint{Query: query, Range: dr}
	err := s.pool.QueryRow(ctx, loadCheckpointSQL, query, dr.Start, dr.End).
		Scan(&cp.Cursor, &cp.RunID, &cp.TotalPersisted, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %q %s: %w", query, dr.Key(), err)
	}
	return &cp, nil
}

const saveCheckpointSQL = `
INSERT INTO harvest_checkpoints (
	query, range_start, range_end, cursor, run_id, total_persisted, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (query, range_start, range_end) DO UPDATE SET
	cursor = EXCLUDED.cursor,
	run_id = EXCLUDED.run_id,
	total_persisted = EXCLUDED.total_persisted,
	updated_at = EXCLUDED.updated_at`

// Save writes the checkpoint for its key, replacing any previous marker.
func (s *CheckpointStore) Save(ctx context.Context, cp harvest.Checkpoint) error {
	_, err := s.pool.Exec(ctx, saveCheckpointSQL,
		cp.Query,
		cp.Range.Start,
		cp.Range.End,
		cp.Cursor,
		cp.RunID,
		cp.TotalPersisted,
		cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %q %s: %w", cp.Query, cp.Range.Key(), err)
	}
	return nil
}
