package traffic

import (
	"sync"
	"time"
)

// DefaultRetention bounds how long outcomes are kept; windows longer than this
// undercount.
const DefaultRetention = 5 * time.Minute

// Outcome classifies a finished /sale-price request.
type Outcome int

const (
	// Success is a served record, or a client error (bad input, no data).
	Success Outcome = iota
	// Error is a server-side failure: scrape failed, store down, circuit open.
	Error
	// Denied is a 429 from the ingress rate limiter.
	Denied
)

// Tracker keeps sliding windows of request outcomes. It feeds the overloaded
// and degraded health states and the rate-limit gauges. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time
	times     [3][]time.Time
}

// New returns a Tracker keeping outcomes for retention (DefaultRetention when <= 0).
func New(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{retention: retention, now: time.Now}
}

// Record adds one outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	if o < Success || o > Denied {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.times[o] = append(t.times[o], now)
	t.pruneLocked(now)
}

// RequestCount returns all outcomes (success + error + denied) within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return countSince(t.times[Success], cutoff) +
		countSince(t.times[Error], cutoff) +
		countSince(t.times[Denied], cutoff)
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.times[Denied], t.now().Add(-window))
}

// ErrorRate returns (errors, total) within the window; denials are not counted.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errors = countSince(t.times[Error], cutoff)
	return errors, errors + countSince(t.times[Success], cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = [3][]time.Time{}
}

// countSince counts timestamps not before cutoff. Slices are append-ordered,
// so the first match ends the scan.
func countSince(times []time.Time, cutoff time.Time) int {
	for i, ts := range times {
		if !ts.Before(cutoff) {
			return len(times) - i
		}
	}
	return 0
}

// pruneLocked drops outcomes older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	for o := range t.times {
		times := t.times[o]
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			t.times[o] = append(times[:0], times[i:]...)
		}
	}
}
