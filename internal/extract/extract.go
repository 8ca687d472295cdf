// Package extract turns raw per-post markup fragments into structured
// records. Extraction is deterministic and side-effect free: a fragment
// either yields a fully populated record or a rejection error, never a
// partial record.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/sentipol/harvester/internal/harvest"
)

// Rejection reasons. All are wrapped in ErrRejected for callers that only
// care whether the fragment produced a record.
var (
	ErrRejected    = errors.New("fragment rejected")
	ErrNoText      = fmt.Errorf("%w: no usable post text", ErrRejected)
	ErrNoPermalink = fmt.Errorf("%w: no status permalink", ErrRejected)
	ErrNoTimestamp = fmt.Errorf("%w: missing or invalid timestamp", ErrRejected)
	ErrBadFragment = fmt.Errorf("%w: unparseable markup", ErrRejected)
)

var statusPathRE = regexp.MustCompile(`^(?:https?://[^/]+)?/([^/]+)/status/(\d+)`)

// minTextLen filters out degenerate fragments (icons, stray whitespace
// nodes) that sometimes match the post text selector.
const minTextLen = 5

// Post parses one post fragment. scrapedAt stamps the record; it never
// substitutes for a missing created_at. A fragment without a
// machine-readable timestamp is rejected outright.
func Post(fragment string, scrapedAt time.Time) (harvest.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return harvest.Record{}, fmt.Errorf("%w: %w", ErrBadFragment, err)
	}

	raw := postText(doc)
	if len(strings.TrimSpace(raw)) < minTextLen {
		return harvest.Record{}, ErrNoText
	}

	id, postURL, handle := permalink(doc)
	if id == "" {
		// Typically promoted or non-post timeline furniture.
		return harvest.Record{}, ErrNoPermalink
	}

	createdAt, ok := timestamp(doc)
	if !ok {
		return harvest.Record{}, ErrNoTimestamp
	}

	rec := harvest.Record{
		ID:           id,
		RawText:      raw,
		CleanText:    CleanText(raw),
		AuthorHandle: handle,
		AuthorName:   authorName(doc),
		PostURL:      postURL,
		CreatedAt:    createdAt,
		ScrapedAt:    scrapedAt.UTC(),
		Metrics:      engagement(doc),
	}
	if loc := location(doc); loc != "" {
		rec.Location = &loc
	}
	return rec, nil
}

// postText concatenates every text-bearing sub-fragment of the post's text
// container with single spaces, preserving case. Emoji images contribute
// their alt text.
func postText(doc *goquery.Document) string {
	sel := doc.Find(`div[data-testid="tweetText"]`).First()
	if sel.Length() == 0 {
		sel = doc.Find(`div[lang]`).First()
	}
	if sel.Length() == 0 {
		return ""
	}

	var parts []string
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		var t string
		if goquery.NodeName(s) == "img" {
			t = s.AttrOr("alt", "")
		} else {
			t = s.Text()
		}
		t = strings.Join(strings.Fields(t), " ")
		if t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, " ")
}

// permalink scans outbound links for the first .../status/<id> shape that
// is not a media sub-link, and derives the post id, canonical URL, and
// author handle from it.
func permalink(doc *goquery.Document) (id, postURL, handle string) {
	doc.Find(`a[href*="/status/"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		lower := strings.ToLower(href)
		if strings.Contains(lower, "/photo") || strings.Contains(lower, "/video") || strings.Contains(lower, "/analytics") {
			return true
		}
		m := statusPathRE.FindStringSubmatch(href)
		if m == nil {
			return true
		}
		handle = m[1]
		id = m[2]
		if strings.HasPrefix(href, "http") {
			postURL = href
		} else {
			postURL = harvest.Origin + href
		}
		return false
	})
	return id, postURL, handle
}

// timestamp reads the machine-readable datetime attribute on the post's
// time indicator.
func timestamp(doc *goquery.Document) (time.Time, bool) {
	attr, ok := doc.Find("time[datetime]").First().Attr("datetime")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, attr)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func authorName(doc *goquery.Document) string {
	for _, selector := range []string{
		`div[data-testid="User-Name"] span`,
		`div[data-testid="User-Names"] span`,
	} {
		if name := strings.TrimSpace(doc.Find(selector).First().Text()); name != "" {
			return name
		}
	}
	return ""
}

// location returns the rare on-post location marker. No interactive
// probing happens here; profile-location enrichment is a separate
// asynchronous pass.
func location(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find(`span[data-testid="UserLocation"]`).First().Text())
}

// engagement reads the reply/repost/like counters from the action bar.
// Missing or unparseable counters default to zero rather than rejecting
// the record.
func engagement(doc *goquery.Document) harvest.Metrics {
	return harvest.Metrics{
		ReplyCount:   counter(doc, "reply"),
		RetweetCount: counter(doc, "retweet"),
		LikeCount:    counter(doc, "like"),
	}
}

func counter(doc *goquery.Document, action string) int {
	sel := doc.Find(fmt.Sprintf(`[data-testid="%s"]`, action)).First()
	if sel.Length() == 0 {
		return 0
	}
	if label, ok := sel.Attr("aria-label"); ok {
		if n, ok := ParseCount(label); ok {
			return n
		}
	}
	if n, ok := ParseCount(sel.Text()); ok {
		return n
	}
	return 0
}

var countRE = regexp.MustCompile(`([\d.,]+)\s*([KkMm]?)`)

// ParseCount reads the leading numeric token of a counter label, accepting
// grouped digits ("1,234") and compact suffixes ("1.2K", "3M").
func ParseCount(s string) (int, bool) {
	m := countRE.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	num := m[1]
	mult := 1.0
	switch strings.ToUpper(m[2]) {
	case "K":
		mult = 1e3
	case "M":
		mult = 1e6
	}
	if mult == 1.0 {
		num = strings.ReplaceAll(num, ",", "")
		// A bare "1.2" without a suffix is a grouped thousand in some
		// locales; strip the separator rather than rounding.
		if strings.Count(num, ".") == 1 && len(num)-strings.Index(num, ".") == 4 {
			num = strings.ReplaceAll(num, ".", "")
		}
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return int(f * mult), true
}
