// Package rollup recomputes per-period aggregates over persisted posts.
package rollup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sentipol/harvester/internal/harvest"
)

// Granularities accepted by the job.
const (
	GranularityDay   = "day"
	GranularityMonth = "month"
)

// Source streams the records a rollup is computed over.
type Source interface {
	ForEachInRange(ctx context.Context, dr harvest.DateRange, fn func(harvest.Record) error) error
}

// Sink persists computed rollup rows.
type Sink interface {
	Save(ctx context.Context, r harvest.Rollup) error
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Job recomputes aggregates for every period touched by a date range.
// Recomputation is idempotent: each period row is derived solely from the
// posts table and overwrites any previous value.
type Job struct {
	source Source
	sink   Sink
	clock  Clock
	logger *zap.Logger
}

// NewJob wires a rollup job.
func NewJob(source Source, sink Sink, clock Clock, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{source: source, sink: sink, clock: clock, logger: logger}
}

// Run aggregates all posts inside dr at the given granularity and writes
// one rollup row per period. It returns the number of periods written.
func (j *Job) Run(ctx context.Context, granularity string, dr harvest.DateRange) (int, error) {
	layout, err := periodLayout(granularity)
	if err != nil {
		return 0, err
	}

	acc := make(map[string]*harvest.Rollup)
	err = j.source.ForEachInRange(ctx, dr, func(rec harvest.Record) error {
		period := rec.CreatedAt.UTC().Format(layout)
		r, ok := acc[period]
		if !ok {
			r = &harvest.Rollup{Granularity: granularity, Period: period}
			acc[period] = r
		}
		r.PostCount++
		r.ReplySum += int64(rec.Metrics.ReplyCount)
		r.RetweetSum += int64(rec.Metrics.RetweetCount)
		r.LikeSum += int64(rec.Metrics.LikeCount)
		if rec.SentimentAnalyzed {
			r.SentimentAnalyzedCount++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("aggregate posts: %w", err)
	}

	periods := make([]string, 0, len(acc))
	for p := range acc {
		periods = append(periods, p)
	}
	sort.Strings(periods)

	now := j.clock.Now().UTC()
	for _, p := range periods {
		r := acc[p]
		r.ComputedAt = now
		if err := j.sink.Save(ctx, *r); err != nil {
			return 0, fmt.Errorf("write rollup: %w", err)
		}
		j.logger.Info("rollup written",
			zap.String("granularity", granularity),
			zap.String("period", p),
			zap.Int("post_count", r.PostCount))
	}
	return len(periods), nil
}

func periodLayout(granularity string) (string, error) {
	switch granularity {
	case GranularityDay:
		return "2006-01-02", nil
	case GranularityMonth:
		return "2006-01", nil
	default:
		return "", fmt.Errorf("unknown rollup granularity %q", granularity)
	}
}
