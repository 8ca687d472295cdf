package harvest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedBrowser serves pre-planned fragment batches. Once the script is
// exhausted it keeps returning empty batches.
type scriptedBrowser struct {
	batches     [][]string
	cycle       int
	navigations []string
	navFailures int
	scrolls     int
	limited     []bool
	probeCount  int
	recovers    int
	recoverable bool
}

func (b *scriptedBrowser) Navigate(_ context.Context, url string) error {
	b.navigations = append(b.navigations, url)
	if b.navFailures > 0 {
		b.navFailures--
		return errors.New("net::ERR_CONNECTION_RESET")
	}
	return nil
}

func (b *scriptedBrowser) WaitForPosts(context.Context, time.Duration) error { return nil }

func (b *scriptedBrowser) Fragments(context.Context) ([]string, error) {
	if b.cycle >= len(b.batches) {
		return nil, nil
	}
	batch := b.batches[b.cycle]
	b.cycle++
	return batch, nil
}

func (b *scriptedBrowser) Scroll(context.Context, int) error {
	b.scrolls++
	return nil
}

func (b *scriptedBrowser) RateLimited(context.Context) (bool, error) {
	if b.probeCount >= len(b.limited) {
		return false, nil
	}
	limited := b.limited[b.probeCount]
	b.probeCount++
	return limited, nil
}

func (b *scriptedBrowser) Recover(context.Context) (bool, error) {
	b.recovers++
	return b.recoverable, nil
}

// memoryStore keeps upserted records keyed by ID and can be scripted to
// fail a number of times.
type memoryStore struct {
	records  map[string]Record
	failures int
	upserts  int
	onUpsert func()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string]Record{}}
}

func (s *memoryStore) Upsert(_ context.Context, batch []Record) (UpsertResult, error) {
	s.upserts++
	if s.failures > 0 {
		s.failures--
		return UpsertResult{}, errors.New("store unavailable")
	}
	var res UpsertResult
	for _, rec := range batch {
		if prev, ok := s.records[rec.ID]; ok {
			// First-write wins for creation facts.
			rec.CreatedAt = prev.CreatedAt
			rec.RawText = prev.RawText
			res.Updated++
		} else {
			res.Inserted++
		}
		s.records[rec.ID] = rec
	}
	if s.onUpsert != nil {
		s.onUpsert()
	}
	return res, nil
}

// memoryCheckpoints records every save and serves one stored checkpoint.
type memoryCheckpoints struct {
	stored *Checkpoint
	saves  []Checkpoint
}

func (c *memoryCheckpoints) Load(_ context.Context, query string, dr DateRange) (*Checkpoint, error) {
	if c.stored == nil || c.stored.Query != query || c.stored.Range.Key() != dr.Key() {
		return nil, nil
	}
	cp := *c.stored
	return &cp, nil
}

func (c *memoryCheckpoints) Save(_ context.Context, cp Checkpoint) error {
	c.saves = append(c.saves, cp)
	return nil
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

// parseFragment is the extractor used in these tests: "id|2024-03-05T10:00:00Z".
func parseFragment(fragment string, scrapedAt time.Time) (Record, error) {
	parts := strings.SplitN(fragment, "|", 2)
	if len(parts) != 2 {
		return Record{}, errors.New("bad fragment")
	}
	created, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:        parts[0],
		RawText:   fragment,
		CreatedAt: created,
		ScrapedAt: scrapedAt,
	}, nil
}

func fragmentBatch(start, n int, day time.Time) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ts := day.Add(-time.Duration(start+i) * time.Minute)
		out = append(out, fmt.Sprintf("p%04d|%s", start+i, ts.Format(time.RFC3339)))
	}
	return out
}

func testRange(t *testing.T) DateRange {
	t.Helper()
	start, err := time.Parse("2006-01-02", "2024-03-01")
	require.NoError(t, err)
	return DateRange{Start: start, End: start.AddDate(0, 0, 7)}
}

type testRig struct {
	browser     *scriptedBrowser
	store       *memoryStore
	checkpoints *memoryCheckpoints
	controller  *Controller
	sleeps      []time.Duration
}

func newTestRig(t *testing.T, browser *scriptedBrowser, cfg ControllerConfig) *testRig {
	t.Helper()
	rig := &testRig{
		browser:     browser,
		store:       newMemoryStore(),
		checkpoints: &memoryCheckpoints{},
	}
	backoff := NewBackoffPolicy(8*time.Second, 45*time.Second).WithRand(func() float64 { return 0 })
	pacer := &Pacer{} // zero pauses and distances keep the loop silent
	rig.controller = NewController(
		browser,
		rig.store,
		rig.checkpoints,
		parseFragment,
		backoff,
		pacer,
		&fixedClock{t: time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)},
		"run-1",
		cfg,
		zap.NewNop(),
	).WithSleep(func(_ context.Context, d time.Duration) {
		rig.sleeps = append(rig.sleeps, d)
	})
	return rig
}

// Cycle yields 5, 5, 0, 0, 0, 0, 0, 2. With the default threshold of five
// the fifth consecutive empty cycle trips the breaker before the trailing
// batch is ever reached.
func breakerScript(t *testing.T) [][]string {
	t.Helper()
	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	return [][]string{
		fragmentBatch(0, 5, day),
		fragmentBatch(5, 5, day),
		nil, nil, nil, nil, nil,
		fragmentBatch(10, 2, day),
	}
}

func TestRunBreakerStopsBeforeTrailingBatch(t *testing.T) {
	t.Parallel()

	browser := &scriptedBrowser{batches: breakerScript(t)}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 5})

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.NoError(t, err)

	require.Len(t, rig.store.records, 10, "the trailing batch must not be reached")
	require.Equal(t, StateDone, rig.controller.Progress().State)

	// Only the two yielding cycles commit checkpoints.
	require.Len(t, rig.checkpoints.saves, 2)
	last := rig.checkpoints.saves[1]
	require.Equal(t, 10, last.TotalPersisted)
	require.Equal(t, "run-1", last.RunID)
}

func TestRunHigherThresholdReachesTrailingBatch(t *testing.T) {
	t.Parallel()

	browser := &scriptedBrowser{batches: breakerScript(t)}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 6})

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.NoError(t, err)

	require.Len(t, rig.store.records, 12, "threshold six leaves room for the trailing batch")
	require.Equal(t, 12, rig.checkpoints.saves[len(rig.checkpoints.saves)-1].TotalPersisted)
}

func TestRunBackoffOnlyAfterSecondConsecutiveEmpty(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	browser := &scriptedBrowser{batches: [][]string{
		fragmentBatch(0, 3, day),
		nil,
		fragmentBatch(3, 3, day),
	}}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 5})

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.NoError(t, err)

	// One isolated empty cycle between two yielding ones never backs off;
	// the terminal empty streak backs off from its second empty cycle on,
	// doubling each time, and the fifth empty trips the breaker first.
	require.Equal(t, []time.Duration{
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}, rig.sleeps)
}

func TestRunCursorTracksOldestCreatedAt(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	browser := &scriptedBrowser{batches: [][]string{
		fragmentBatch(0, 4, day),
		fragmentBatch(4, 4, day),
	}}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 2})

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.NoError(t, err)

	require.Len(t, rig.checkpoints.saves, 2)
	first := rig.checkpoints.saves[0]
	second := rig.checkpoints.saves[1]
	require.Equal(t, day.Add(-3*time.Minute), first.Cursor)
	require.Equal(t, day.Add(-7*time.Minute), second.Cursor)
	require.True(t, second.Cursor.Before(first.Cursor), "cursor only moves earlier")
}

func TestRunResumeNarrowsWindow(t *testing.T) {
	t.Parallel()

	dr := testRange(t)
	cursor := time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)
	day := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	browser := &scriptedBrowser{batches: [][]string{fragmentBatch(0, 3, day)}}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 2})
	rig.checkpoints.stored = &Checkpoint{
		Query:          "econ",
		Range:          dr,
		Cursor:         cursor,
		RunID:          "run-0",
		TotalPersisted: 40,
	}

	err := rig.controller.Run(context.Background(), []string{"econ"}, dr, true)
	require.NoError(t, err)

	require.NotEmpty(t, browser.navigations)
	require.Contains(t, browser.navigations[0], "until%3A2024-03-06",
		"resume clips the window to the cursor's day")

	last := rig.checkpoints.saves[len(rig.checkpoints.saves)-1]
	require.Equal(t, 43, last.TotalPersisted, "resumed totals accumulate")
	require.Equal(t, "run-1", last.RunID, "checkpoint is stamped with the new run")
	require.True(t, last.Cursor.Before(cursor))
}

func TestRunFullRescanIgnoresCheckpoint(t *testing.T) {
	t.Parallel()

	dr := testRange(t)
	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	browser := &scriptedBrowser{batches: [][]string{fragmentBatch(0, 2, day)}}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 2})
	rig.checkpoints.stored = &Checkpoint{
		Query:          "econ",
		Range:          dr,
		Cursor:         time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
		TotalPersisted: 99,
	}

	err := rig.controller.Run(context.Background(), []string{"econ"}, dr, false)
	require.NoError(t, err)

	require.Contains(t, browser.navigations[0], "until%3A2024-03-08",
		"full rescan covers the whole range")
	last := rig.checkpoints.saves[len(rig.checkpoints.saves)-1]
	require.Equal(t, 2, last.TotalPersisted, "full rescan restarts the count")
}

func TestRunRepeatUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	batch := fragmentBatch(0, 3, day)
	// The same posts appear again in a later cycle, deduplicated in-run by
	// ID before they ever reach the store.
	browser := &scriptedBrowser{batches: [][]string{batch, batch}}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 2})

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.NoError(t, err)

	require.Len(t, rig.store.records, 3)
	require.Equal(t, 3, rig.checkpoints.saves[len(rig.checkpoints.saves)-1].TotalPersisted)
}

func TestRunRateLimitEscalatesThenAborts(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	browser := &scriptedBrowser{
		batches: [][]string{fragmentBatch(0, 2, day)},
		limited: []bool{true, false, true},
	}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 5})

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, StateFailed, rig.controller.Progress().State)

	// First signal pauses for the policy maximum instead of aborting.
	require.NotEmpty(t, rig.sleeps)
	require.Equal(t, 45*time.Second, rig.sleeps[0])

	// The batch between the two signals was still persisted and committed.
	require.Len(t, rig.store.records, 2)
	require.Len(t, rig.checkpoints.saves, 1)
}

func TestRunPersistRetriesThenFails(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	browser := &scriptedBrowser{batches: [][]string{fragmentBatch(0, 2, day)}}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 5, PersistRetries: 3})
	rig.store.failures = 3

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.ErrorIs(t, err, ErrPersistence)
	require.Equal(t, StateFailed, rig.controller.Progress().State)
	require.Equal(t, 3, rig.store.upserts)
	require.Empty(t, rig.checkpoints.saves, "no checkpoint moves past a failed batch")
}

func TestRunPersistRetrySucceeds(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	browser := &scriptedBrowser{batches: [][]string{fragmentBatch(0, 2, day)}}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 2, PersistRetries: 3})
	rig.store.failures = 2

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.NoError(t, err)
	require.Len(t, rig.store.records, 2)
}

func TestRunGracefulStopAfterCommittedBatch(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	browser := &scriptedBrowser{batches: [][]string{
		fragmentBatch(0, 3, day),
		fragmentBatch(3, 3, day),
	}}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 5})

	ctx, cancel := context.WithCancel(context.Background())
	rig.store.onUpsert = cancel // stop request lands mid-cycle

	err := rig.controller.Run(ctx, []string{"econ"}, testRange(t), false)
	require.NoError(t, err)
	require.Equal(t, StateDone, rig.controller.Progress().State)

	// The in-flight batch was persisted and checkpointed before exiting;
	// the second scripted batch was never fetched.
	require.Len(t, rig.store.records, 3)
	require.Len(t, rig.checkpoints.saves, 1)
	require.Equal(t, 3, rig.checkpoints.saves[0].TotalPersisted)
}

func TestRunMaxRecordsCapsRun(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	browser := &scriptedBrowser{batches: [][]string{
		fragmentBatch(0, 4, day),
		fragmentBatch(4, 4, day),
		fragmentBatch(8, 4, day),
	}}
	rig := newTestRig(t, browser, ControllerConfig{MaxRecords: 7, EmptyBatchThreshold: 5})

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.NoError(t, err)
	require.Equal(t, 8, len(rig.store.records), "run stops at the first cap-crossing batch boundary")
	require.Equal(t, StateDone, rig.controller.Progress().State)
}

func TestRunMalformedFragmentsRejectedIndividually(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	batch := append(fragmentBatch(0, 2, day), "garbage-without-separator")
	browser := &scriptedBrowser{batches: [][]string{batch}}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 2})

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.NoError(t, err)
	require.Len(t, rig.store.records, 2, "the malformed fragment is dropped, the rest persist")
}

func TestRunSecondQueryRunsAfterFirstExhausts(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	browser := &scriptedBrowser{batches: [][]string{fragmentBatch(0, 2, day)}}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 1})

	err := rig.controller.Run(context.Background(), []string{"econ", "prices"}, testRange(t), false)
	require.NoError(t, err)
	require.Len(t, browser.navigations, 2)
	require.Contains(t, browser.navigations[0], "econ")
	require.Contains(t, browser.navigations[1], "prices")
}

// captureArchiver records every archived batch for inspection.
type captureArchiver struct {
	paths   []string
	batches [][]string
}

func (a *captureArchiver) Archive(_ context.Context, path string, fragments []string) (string, error) {
	a.paths = append(a.paths, path)
	a.batches = append(a.batches, append([]string(nil), fragments...))
	return "mem://" + path, nil
}

func TestRunArchivesSourceFragments(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	first := fragmentBatch(0, 2, day)
	second := []string{first[0], fragmentBatch(2, 1, day)[0]}
	browser := &scriptedBrowser{batches: [][]string{first, second}}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 2, ArchivePrefix: "raw"})

	// The stored record keeps only the flattened text, so a correct
	// archive must carry the fragment the record came from, not the record.
	rig.controller.extract = func(fragment string, scrapedAt time.Time) (Record, error) {
		rec, err := parseFragment(fragment, scrapedAt)
		if err != nil {
			return Record{}, err
		}
		rec.RawText = "text only " + rec.ID
		return rec, nil
	}
	arch := &captureArchiver{}
	rig.controller.WithArchiver(arch)

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.NoError(t, err)
	require.Len(t, arch.batches, 2)
	require.Equal(t, first, arch.batches[0], "the archive gets the source markup verbatim")
	require.Equal(t, second[1:], arch.batches[1], "already-seen fragments are not re-archived")
	for _, path := range arch.paths {
		require.True(t, strings.HasPrefix(path, "raw/run-1/"), path)
		require.True(t, strings.HasSuffix(path, ".html"), path)
	}
}

func TestRunNavigateFailureRetriesThroughBackoff(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	browser := &scriptedBrowser{
		batches:     [][]string{fragmentBatch(0, 2, day)},
		navFailures: 2,
	}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 5})

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.NoError(t, err)
	require.Len(t, rig.store.records, 2, "the query proceeds once navigation recovers")
	require.Len(t, browser.navigations, 3)
	require.GreaterOrEqual(t, len(rig.sleeps), 2)
	require.Equal(t, []time.Duration{8 * time.Second, 16 * time.Second}, rig.sleeps[:2],
		"each failed navigation backs off before the next try")
}

func TestRunNavigateFailurePersistentAborts(t *testing.T) {
	t.Parallel()

	browser := &scriptedBrowser{navFailures: 99}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 5})

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.ErrorIs(t, err, ErrTransientFetch)
	require.Equal(t, StateFailed, rig.controller.Progress().State)
	require.Len(t, browser.navigations, 5, "navigation stops at the threshold")
	require.Equal(t,
		[]time.Duration{8 * time.Second, 16 * time.Second, 32 * time.Second, 45 * time.Second},
		rig.sleeps)
}

func TestRunRecoveryClicksBounded(t *testing.T) {
	t.Parallel()

	browser := &scriptedBrowser{recoverable: true}
	rig := newTestRig(t, browser, ControllerConfig{EmptyBatchThreshold: 5, RecoverAttempts: 3})

	err := rig.controller.Run(context.Background(), []string{"econ"}, testRange(t), false)
	require.NoError(t, err)
	require.Equal(t, StateDone, rig.controller.Progress().State)
	// Four empty cycles run a recovery pass before the breaker trips on
	// the fifth; an always-recoverable page is clicked at most the
	// configured number of times per pass.
	require.Equal(t, 4*3, browser.recovers)
}
