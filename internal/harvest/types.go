// Package harvest defines the core types and interfaces for the post
// harvesting engine, and the controller that drives one crawl run.
package harvest

import (
	"fmt"
	"time"
)

// Metrics holds per-post engagement counters.
type Metrics struct {
	ReplyCount   int `json:"reply_count"`
	RetweetCount int `json:"retweet_count"`
	LikeCount    int `json:"like_count"`
}

// Record is one structured post as extracted from the platform markup.
// ID is globally unique across the store. CreatedAt and RawText are
// immutable after the first write; metrics and processing flags are not.
type Record struct {
	ID                string     `json:"id"`
	RawText           string     `json:"raw_text"`
	CleanText         string     `json:"clean_text"`
	AuthorHandle      string     `json:"author_handle"`
	AuthorName        string     `json:"author_name"`
	PostURL           string     `json:"post_url"`
	CreatedAt         time.Time  `json:"created_at"`
	ScrapedAt         time.Time  `json:"scraped_at"`
	Location          *string    `json:"location,omitempty"`
	Metrics           Metrics    `json:"metrics"`
	SentimentAnalyzed bool       `json:"sentiment_analyzed"`
}

// DateRange is a half-open [Start, End) window of UTC days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Key renders the range in the compact form used for checkpoint identity.
func (r DateRange) Key() string {
	return fmt.Sprintf("%s..%s", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
}

// Contains reports whether t falls inside the window.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// UpsertResult summarizes one batch write.
type UpsertResult struct {
	Inserted int
	Updated  int
	Failed   int
}

// Yield is the number of records the store actually accepted.
func (r UpsertResult) Yield() int {
	return r.Inserted + r.Updated
}

// Checkpoint is the durable progress marker for one (query, date range).
// Cursor is the oldest created_at committed so far inside the window; the
// live search pages backwards in time, so the cursor only ever moves
// earlier. A full rescan discards it.
type Checkpoint struct {
	Query          string
	Range          DateRange
	Cursor         time.Time
	RunID          string
	TotalPersisted int
	UpdatedAt      time.Time
}

// Rollup is a per-period aggregate over persisted records, overwritten
// idempotently on recomputation.
type Rollup struct {
	Granularity            string
	Period                 string
	PostCount              int
	ReplySum               int64
	RetweetSum             int64
	LikeSum                int64
	SentimentAnalyzedCount int
	ComputedAt             time.Time
}

// State names a phase of the controller state machine.
type State string

// Controller states.
const (
	StateInit          State = "INIT"
	StateAuthenticated State = "AUTHENTICATED"
	StateSearching     State = "SEARCHING"
	StateExtracting    State = "EXTRACTING"
	StateBackingOff    State = "BACKING_OFF"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)
