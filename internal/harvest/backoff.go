package harvest

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays for consecutive empty fetch cycles:
// min(max, base*2^attempt + jitter), jitter uniform in [0s, 1s). It holds no
// mutable state; the controller owns the attempt counter and resets it to
// zero whenever a cycle yields at least one record.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration

	// rand returns a float in [0,1). Defaults to math/rand; tests inject a
	// fixed source.
	rand func() float64
}

// NewBackoffPolicy builds a policy with the given bounds. Non-positive
// values fall back to the defaults used by the harvester (8s base, 45s cap).
func NewBackoffPolicy(base, max time.Duration) *BackoffPolicy {
	if base <= 0 {
		base = 8 * time.Second
	}
	if max <= 0 {
		max = 45 * time.Second
	}
	return &BackoffPolicy{Base: base, Max: max, rand: rand.Float64}
}

// WithRand returns a copy of the policy using the given jitter source.
func (p *BackoffPolicy) WithRand(r func() float64) *BackoffPolicy {
	cp := *p
	cp.rand = r
	return &cp
}

// Delay returns the pause before the next attempt. Attempt counts from 1;
// values below 1 are clamped.
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	jitter := time.Duration(p.jitter() * float64(time.Second))
	delay := time.Duration(float64(p.Base)*math.Pow(2, float64(attempt-1))) + jitter
	if delay > p.Max || delay < 0 {
		return p.Max
	}
	return delay
}

// MaxDelay is the escalation target for an explicit rate limit signal.
func (p *BackoffPolicy) MaxDelay() time.Duration {
	return p.Max
}

func (p *BackoffPolicy) jitter() float64 {
	if p.rand == nil {
		return rand.Float64()
	}
	return p.rand()
}
