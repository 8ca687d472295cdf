package harvest

import (
	"fmt"
	"net/url"
	"time"
)

// Origin is the platform origin the harvester targets.
const Origin = "https://x.com"

// SearchURL builds the live-search URL for one query constrained to the
// given window. The platform's since:/until: operators take civil dates;
// until is exclusive, matching the half-open DateRange.
func SearchURL(query string, dr DateRange) string {
	q := fmt.Sprintf("%s since:%s until:%s",
		query,
		dr.Start.Format("2006-01-02"),
		dr.End.Format("2006-01-02"),
	)
	return fmt.Sprintf("%s/search?q=%s&src=typed_query&f=live", Origin, url.QueryEscape(q))
}

// NarrowUntil clips the window's end to the cursor's day (exclusive of
// anything later), so a resumed run re-covers at most one partial day of
// already-committed records. The overlap is harmless: upserts are
// idempotent.
func NarrowUntil(dr DateRange, cursor time.Time) DateRange {
	if cursor.IsZero() {
		return dr
	}
	day := cursor.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	if day.Before(dr.End) {
		return DateRange{Start: dr.Start, End: day}
	}
	return dr
}
