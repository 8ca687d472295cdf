package harvest

import (
	"context"
	"time"
)

// Browser is the authenticated browsing context the controller drives. The
// concrete implementation lives in internal/session; tests use fakes.
type Browser interface {
	// Navigate loads the given URL in the browsing context.
	Navigate(ctx context.Context, url string) error

	// WaitForPosts blocks until at least one post container is rendered or
	// the timeout elapses. A timeout is reported as ErrTransientFetch.
	WaitForPosts(ctx context.Context, timeout time.Duration) error

	// Fragments returns the outer markup of every post container currently
	// visible in the view.
	Fragments(ctx context.Context) ([]string, error)

	// Scroll advances the view by px pixels to load more content.
	Scroll(ctx context.Context, px int) error

	// RateLimited probes the page for explicit block or limit indicators.
	RateLimited(ctx context.Context) (bool, error)

	// Recover attempts to dismiss an interstitial error ("Something went
	// wrong" with a retry affordance). It returns true when a retry action
	// was actually taken.
	Recover(ctx context.Context) (bool, error)
}

// RecordStore persists extracted records. Upsert is idempotent per ID and
// per-record independent inside a batch.
type RecordStore interface {
	Upsert(ctx context.Context, batch []Record) (UpsertResult, error)
}

// CheckpointStore loads and saves durable crawl progress markers. Load
// returns (nil, nil) when no checkpoint exists for the key.
type CheckpointStore interface {
	Load(ctx context.Context, query string, dr DateRange) (*Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}

// Publisher notifies downstream consumers that a batch was persisted.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archiver stores the raw markup of a persisted batch for replay and
// debugging. It returns the URI of the written object.
type Archiver interface {
	Archive(ctx context.Context, path string, fragments []string) (string, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ExtractFunc turns one raw post fragment into a record. It returns
// (zero, error) when the fragment is rejected.
type ExtractFunc func(fragment string, scrapedAt time.Time) (Record, error)
