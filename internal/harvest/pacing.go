package harvest

import (
	"math/rand"
	"time"
)

// Pacer produces the randomized scroll distances and human-like pauses that
// keep the request signature irregular. All methods are pure draws from the
// injected random source; the controller performs the actual suspension.
type Pacer struct {
	ScrollPauseMin time.Duration
	ScrollPauseMax time.Duration
	ScrollMinPx    int
	ScrollMaxPx    int

	// Every LongPauseEvery processed posts an additional longer pause is
	// inserted regardless of backoff state.
	LongPauseEvery int
	LongPauseMin   time.Duration
	LongPauseMax   time.Duration

	rand func() float64
}

// NewPacer builds a Pacer with the harvester defaults for any unset bound.
func NewPacer() *Pacer {
	return &Pacer{
		ScrollPauseMin: time.Second,
		ScrollPauseMax: 3 * time.Second,
		ScrollMinPx:    600,
		ScrollMaxPx:    1400,
		LongPauseEvery: 20,
		LongPauseMin:   5 * time.Second,
		LongPauseMax:   10 * time.Second,
		rand:           rand.Float64,
	}
}

// WithRand returns a copy of the pacer using the given random source.
func (p *Pacer) WithRand(r func() float64) *Pacer {
	cp := *p
	cp.rand = r
	return &cp
}

// ScrollPause draws a short pause from the configured [min, max] range.
func (p *Pacer) ScrollPause() time.Duration {
	return p.between(p.ScrollPauseMin, p.ScrollPauseMax)
}

// ScrollDistance draws a scroll advance in pixels within the configured
// bounds.
func (p *Pacer) ScrollDistance() int {
	if p.ScrollMaxPx <= p.ScrollMinPx {
		return p.ScrollMinPx
	}
	return p.ScrollMinPx + int(p.draw()*float64(p.ScrollMaxPx-p.ScrollMinPx))
}

// LongPauseDue reports whether the extra cadence pause should fire, given
// the counts of processed posts before and after the last cycle.
func (p *Pacer) LongPauseDue(before, after int) bool {
	if p.LongPauseEvery <= 0 || after <= before {
		return false
	}
	return after/p.LongPauseEvery > before/p.LongPauseEvery
}

// LongPause draws the longer cadence pause.
func (p *Pacer) LongPause() time.Duration {
	return p.between(p.LongPauseMin, p.LongPauseMax)
}

func (p *Pacer) between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(p.draw()*float64(max-min))
}

func (p *Pacer) draw() float64 {
	if p.rand == nil {
		return rand.Float64()
	}
	return p.rand()
}
