package extract

import (
	"regexp"
	"strings"
)

// Placeholders substituted into clean text.
const (
	LinkPlaceholder    = "[LINK]"
	MentionPlaceholder = "[MENTION]"
)

var (
	urlRE     = regexp.MustCompile(`https?://\S+|www\.\S+`)
	mentionRE = regexp.MustCompile(`@\w+`)
	hashtagRE = regexp.MustCompile(`#(\w+)`)
)

// CleanText normalizes raw post text for analytics: URL-shaped tokens and
// @-mentions become fixed placeholders, hashtags keep their bare word,
// whitespace collapses, and the result is lowercased.
func CleanText(text string) string {
	text = urlRE.ReplaceAllString(text, LinkPlaceholder)
	text = mentionRE.ReplaceAllString(text, MentionPlaceholder)
	text = hashtagRE.ReplaceAllString(text, "$1")
	text = strings.Join(strings.Fields(text), " ")
	return strings.ToLower(text)
}
