package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "urls become placeholders",
			in:   "Prices here https://example.com/article and www.shop.example too",
			want: "prices here [link] and [link] too",
		},
		{
			name: "mentions become placeholders",
			in:   "Ask @CentralBank about @inflation_watch",
			want: "ask [mention] about [mention]",
		},
		{
			name: "hashtags keep the bare word",
			in:   "Groceries up 8% #inflation #CostOfLiving",
			want: "groceries up 8% inflation costofliving",
		},
		{
			name: "whitespace collapses",
			in:   "too   many\n\nspaces\there",
			want: "too many spaces here",
		},
		{
			name: "lowercased",
			in:   "EGGS Cost MORE",
			want: "eggs cost more",
		},
		{
			name: "empty input",
			in:   "",
			want: "",
		},
		{
			name: "mixed",
			in:   "Check https://x.com/p/1 via @sue #prices  NOW",
			want: "check [link] via [mention] prices now",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, CleanText(tc.in))
		})
	}
}
