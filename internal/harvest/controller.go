package harvest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentipol/harvester/internal/metrics"
)

// ControllerConfig bounds one crawl run.
type ControllerConfig struct {
	// MaxRecords caps the total yield (inserted + updated) of a run.
	MaxRecords int

	// EmptyBatchThreshold is the circuit breaker: reaching this many
	// consecutive zero-yield cycles finishes the current query.
	EmptyBatchThreshold int

	// PersistRetries bounds how often a failed batch write is retried
	// before the run aborts.
	PersistRetries int

	// WaitTimeout bounds the wait for the first batch of post containers
	// after navigation.
	WaitTimeout time.Duration

	// RecoverAttempts bounds interstitial retry-button clicks per cycle.
	RecoverAttempts int

	// ArchivePrefix, when non-empty, enables raw fragment archival under
	// this object prefix.
	ArchivePrefix string

	// PublishTopic, when non-empty, enables batch-persisted notifications.
	PublishTopic string
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.MaxRecords <= 0 {
		c.MaxRecords = 5000
	}
	if c.EmptyBatchThreshold <= 0 {
		c.EmptyBatchThreshold = 5
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = 3
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.RecoverAttempts <= 0 {
		c.RecoverAttempts = 3
	}
	return c
}

// Progress is a read-only snapshot of the run for the ops API.
type Progress struct {
	RunID            string    `json:"run_id"`
	State            State     `json:"state"`
	Query            string    `json:"query,omitempty"`
	TotalPersisted   int       `json:"total_persisted"`
	ConsecutiveEmpty int       `json:"consecutive_empty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Controller orchestrates the fetch/extract/persist loop for a set of
// queries through one authenticated browsing context. Queries run
// sequentially to keep the detection surface small.
type Controller struct {
	browser     Browser
	store       RecordStore
	checkpoints CheckpointStore
	extract     ExtractFunc
	backoff     *BackoffPolicy
	pacer       *Pacer
	clock       Clock
	publisher   Publisher
	archiver    Archiver
	logger      *zap.Logger
	cfg         ControllerConfig
	runID       string

	// sleep performs the actual suspension; injectable so tests run
	// without waiting.
	sleep func(ctx context.Context, d time.Duration)

	mu       sync.RWMutex
	progress Progress
}

// NewController wires a controller. browser, store, checkpoints, extract
// and logger are required; publisher and archiver may be nil.
func NewController(
	browser Browser,
	store RecordStore,
	checkpoints CheckpointStore,
	extract ExtractFunc,
	backoff *BackoffPolicy,
	pacer *Pacer,
	clock Clock,
	runID string,
	cfg ControllerConfig,
	logger *zap.Logger,
) *Controller {
	if backoff == nil {
		backoff = NewBackoffPolicy(0, 0)
	}
	if pacer == nil {
		pacer = NewPacer()
	}
	return &Controller{
		browser:     browser,
		store:       store,
		checkpoints: checkpoints,
		extract:     extract,
		backoff:     backoff,
		pacer:       pacer,
		clock:       clock,
		logger:      logger,
		cfg:         cfg.withDefaults(),
		runID:       runID,
		sleep:       timerSleep,
		progress:    Progress{RunID: runID, State: StateInit},
	}
}

// WithPublisher attaches a batch notification publisher.
func (c *Controller) WithPublisher(p Publisher) *Controller {
	c.publisher = p
	return c
}

// WithArchiver attaches a raw fragment archiver.
func (c *Controller) WithArchiver(a Archiver) *Controller {
	c.archiver = a
	return c
}

// WithSleep replaces the suspension function (tests).
func (c *Controller) WithSleep(fn func(ctx context.Context, d time.Duration)) *Controller {
	c.sleep = fn
	return c
}

// Progress returns the current run snapshot.
func (c *Controller) Progress() Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progress
}

// Run processes every query against the date range. With resume=true each
// query continues from its last committed cursor; otherwise the full range
// is rescanned (safe: upserts are idempotent). The session must already be
// authenticated; Run trusts its Browser.
//
// A graceful cancel is honored only between cycles, after the in-flight
// batch is persisted and the checkpoint committed.
func (c *Controller) Run(ctx context.Context, queries []string, dr DateRange, resume bool) error {
	c.setState(StateAuthenticated, "")
	total := 0
	rateLimitHits := 0

	for _, query := range queries {
		if err := ctx.Err(); err != nil {
			c.finish(StateDone)
			return nil
		}
		n, err := c.runQuery(ctx, query, dr, resume, total, &rateLimitHits)
		total += n
		if err != nil {
			c.finish(StateFailed)
			return err
		}
		if total >= c.cfg.MaxRecords {
			c.logger.Info("max record count reached",
				zap.Int("total", total),
				zap.Int("max", c.cfg.MaxRecords))
			break
		}
	}

	c.finish(StateDone)
	return nil
}

// runQuery drives the cycle loop for a single query. It returns the number
// of records the run yielded for this query.
func (c *Controller) runQuery(ctx context.Context, query string, dr DateRange, resume bool, runTotal int, rateLimitHits *int) (int, error) {
	log := c.logger.With(zap.String("query", query), zap.String("range", dr.Key()))

	window := dr
	var cp Checkpoint
	if resume && c.checkpoints != nil {
		loaded, err := c.checkpoints.Load(ctx, query, dr)
		if err != nil {
			return 0, fmt.Errorf("load checkpoint: %w: %w", err, ErrPersistence)
		}
		if loaded != nil {
			cp = *loaded
			window = NarrowUntil(dr, cp.Cursor)
			log.Info("resuming from checkpoint",
				zap.Time("cursor", cp.Cursor),
				zap.Int("already_persisted", cp.TotalPersisted))
		}
	}
	cp.Query = query
	cp.Range = dr
	cp.RunID = c.runID

	c.setState(StateSearching, query)
	if err := c.openSearch(ctx, query, window, log); err != nil {
		return 0, err
	}

	seen := make(map[string]struct{})
	queryTotal := 0
	consecutiveEmpty := 0
	attempt := 0
	processed := 0

	for {
		if err := ctx.Err(); err != nil {
			log.Info("graceful stop", zap.Int("persisted", queryTotal))
			return queryTotal, nil
		}

		limited, err := c.browser.RateLimited(ctx)
		if err != nil {
			log.Warn("rate limit probe failed", zap.Error(err))
		}
		if limited {
			metrics.ObserveRateLimitSignal()
			*rateLimitHits++
			if *rateLimitHits > 1 {
				return queryTotal, fmt.Errorf("repeated block indicator in one run: %w", ErrRateLimited)
			}
			delay := c.backoff.MaxDelay()
			log.Warn("rate limit signal, escalating to max backoff", zap.Duration("delay", delay))
			c.setState(StateBackingOff, query)
			c.pause(ctx, delay)
			c.setState(StateSearching, query)
			continue
		}

		c.setState(StateExtracting, query)
		records, fragments := c.extractBatch(ctx, seen, log)

		result, err := c.persistBatch(ctx, records, fragments, log)
		if err != nil {
			return queryTotal, err
		}
		yield := result.Yield()
		metrics.ObserveBatch(yield > 0)

		if yield > 0 {
			queryTotal += yield
			consecutiveEmpty = 0
			attempt = 0

			cp.Cursor = advanceCursor(cp.Cursor, records)
			cp.TotalPersisted += yield
			cp.UpdatedAt = c.clock.Now()
			if c.checkpoints != nil {
				if err := c.checkpoints.Save(ctx, cp); err != nil {
					return queryTotal, fmt.Errorf("save checkpoint: %w: %w", err, ErrPersistence)
				}
				metrics.ObserveCheckpointSave()
			}
			c.noteYield(queryTotal, consecutiveEmpty)

			before := processed
			processed += len(records)
			if c.pacer.LongPauseDue(before, processed) {
				c.pause(ctx, c.pacer.LongPause())
			}

			if runTotal+queryTotal >= c.cfg.MaxRecords {
				log.Info("query reached run record cap", zap.Int("persisted", queryTotal))
				return queryTotal, nil
			}
		} else {
			consecutiveEmpty++
			c.noteYield(queryTotal, consecutiveEmpty)
			if consecutiveEmpty >= c.cfg.EmptyBatchThreshold {
				log.Info("circuit breaker tripped, query exhausted",
					zap.Int("consecutive_empty", consecutiveEmpty),
					zap.Int("persisted", queryTotal))
				return queryTotal, nil
			}
			for i := 0; i < c.cfg.RecoverAttempts; i++ {
				recovered, rerr := c.browser.Recover(ctx)
				if rerr != nil || !recovered {
					break
				}
				log.Debug("interstitial recovery action taken", zap.Int("attempt", i+1))
			}
			if consecutiveEmpty > 1 {
				attempt++
				delay := c.backoff.Delay(attempt)
				metrics.ObserveBackoff(delay)
				log.Debug("backing off",
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay))
				c.setState(StateBackingOff, query)
				c.pause(ctx, delay)
				c.setState(StateExtracting, query)
			}
		}

		if err := c.browser.Scroll(ctx, c.pacer.ScrollDistance()); err != nil {
			log.Warn("scroll failed", zap.Error(err))
		}
		c.pause(ctx, c.pacer.ScrollPause())
	}
}

// openSearch navigates to the query endpoint and waits for the first batch
// of post containers, retrying both steps through backoff up to the
// circuit breaker threshold. A window that never shows containers is
// treated as empty; a window that never even navigates is a fetch failure.
func (c *Controller) openSearch(ctx context.Context, query string, window DateRange, log *zap.Logger) error {
	target := SearchURL(query, window)
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		openErr := c.browser.Navigate(ctx, target)
		navFailed := openErr != nil
		if !navFailed {
			openErr = c.browser.WaitForPosts(ctx, c.cfg.WaitTimeout)
			if openErr == nil {
				return nil
			}
		}
		attempt++
		if attempt >= c.cfg.EmptyBatchThreshold {
			if navFailed {
				return fmt.Errorf("navigate search after %d attempts: %w: %w", attempt, openErr, ErrTransientFetch)
			}
			log.Warn("no post containers after repeated navigation, treating query as empty",
				zap.Int("attempts", attempt))
			return nil
		}
		delay := c.backoff.Delay(attempt)
		metrics.ObserveBackoff(delay)
		log.Debug("search open failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(openErr))
		c.setState(StateBackingOff, query)
		c.pause(ctx, delay)
		c.setState(StateSearching, query)
	}
}

// extractBatch reads the visible fragments and extracts each one. A parse
// failure on one fragment never aborts the rest of the batch. The returned
// fragment slice is aligned with the records so the source markup of each
// kept record stays available for archival.
func (c *Controller) extractBatch(ctx context.Context, seen map[string]struct{}, log *zap.Logger) ([]Record, []string) {
	fragments, err := c.browser.Fragments(ctx)
	if err != nil {
		log.Warn("fragment collection failed", zap.Error(err))
		return nil, nil
	}

	now := c.clock.Now()
	var records []Record
	var kept []string
	for _, fragment := range fragments {
		rec, err := c.extract(fragment, now)
		if err != nil {
			metrics.ObserveExtractionReject()
			log.Debug("fragment rejected", zap.Error(err))
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		records = append(records, rec)
		kept = append(kept, fragment)
	}
	return records, kept
}

// persistBatch upserts with bounded retries. Exhausting the retries is
// fatal for the run; the checkpoint stays at the last committed state.
func (c *Controller) persistBatch(ctx context.Context, records []Record, fragments []string, log *zap.Logger) (UpsertResult, error) {
	if len(records) == 0 {
		return UpsertResult{}, nil
	}

	var result UpsertResult
	var err error
	for attempt := 1; ; attempt++ {
		result, err = c.store.Upsert(ctx, records)
		if err == nil {
			break
		}
		if attempt >= c.cfg.PersistRetries {
			return UpsertResult{}, fmt.Errorf("upsert batch after %d attempts: %w: %w", attempt, err, ErrPersistence)
		}
		delay := c.backoff.Delay(attempt)
		log.Warn("batch upsert failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		c.pause(ctx, delay)
	}

	metrics.ObserveUpsert(result.Inserted, result.Updated, result.Failed)
	c.archiveBatch(ctx, fragments, log)
	c.publishBatch(ctx, result, len(records), log)
	return result, nil
}

// archiveBatch stores the batch's source markup so extraction can be
// replayed against it later.
func (c *Controller) archiveBatch(ctx context.Context, fragments []string, log *zap.Logger) {
	if c.archiver == nil || len(fragments) == 0 {
		return
	}
	path := fmt.Sprintf("%s/%s/%d.html", c.cfg.ArchivePrefix, c.runID, c.clock.Now().UnixNano())
	if uri, err := c.archiver.Archive(ctx, path, fragments); err != nil {
		log.Warn("batch archive failed", zap.Error(err))
	} else {
		log.Debug("batch archived", zap.String("uri", uri))
	}
}

func (c *Controller) publishBatch(ctx context.Context, result UpsertResult, size int, log *zap.Logger) {
	if c.publisher == nil || result.Yield() == 0 {
		return
	}
	payload := map[string]any{
		"run_id":   c.runID,
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"size":     size,
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.PublishTopic, payload); err != nil {
		log.Warn("batch publish failed", zap.Error(err))
	}
}

func (c *Controller) pause(ctx context.Context, d time.Duration) {
	if d <= 0 || c.sleep == nil {
		return
	}
	c.sleep(ctx, d)
}

func (c *Controller) setState(s State, query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.State = s
	c.progress.Query = query
	c.progress.UpdatedAt = c.clock.Now()
}

func (c *Controller) noteYield(total, empty int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.TotalPersisted = total
	c.progress.ConsecutiveEmpty = empty
	c.progress.UpdatedAt = c.clock.Now()
}

func (c *Controller) finish(s State) {
	c.setState(s, "")
	metrics.ObserveRun(string(s))
}

// advanceCursor moves the cursor to the oldest created_at in the batch.
// The cursor never rewinds forward for a given (query, range).
func advanceCursor(cursor time.Time, records []Record) time.Time {
	for _, rec := range records {
		if cursor.IsZero() || rec.CreatedAt.Before(cursor) {
			cursor = rec.CreatedAt
		}
	}
	return cursor
}

func timerSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
