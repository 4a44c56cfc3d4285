package useragent

import (
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// DefaultPool is the set of browser identities rotated across outbound requests.
var DefaultPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Edge/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
}

// Selector picks the User-Agent for the next outbound request or browser session.
type Selector interface {
	UserAgent() string
}

// Random picks uniformly from a pool. Safe for concurrent use.
type Random struct {
	mu   sync.Mutex
	rng  *rand.Rand
	pool []string
}

// NewRandom returns a Random over pool (DefaultPool when empty). seed 0 uses the clock.
func NewRandom(pool []string, seed int64) *Random {
	if len(pool) == 0 {
		pool = DefaultPool
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Random{rng: rand.New(rand.NewSource(seed)), pool: pool}
}

// UserAgent implements Selector.
func (r *Random) UserAgent() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool[r.rng.Intn(len(r.pool))]
}

// Fixed always returns the same identity.
type Fixed string

// UserAgent implements Selector.
func (f Fixed) UserAgent() string { return string(f) }

// ApplyHeaders sets the identity plus the headers a desktop browser sends with an XHR.
func ApplyHeaders(h http.Header, userAgent string) {
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("DNT", "1")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
}

// PageHeaders are the extra headers sent with browser page loads.
func PageHeaders() map[string]string {
	return map[string]string{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.5",
		"DNT":                       "1",
		"Upgrade-Insecure-Requests": "1",
	}
}
