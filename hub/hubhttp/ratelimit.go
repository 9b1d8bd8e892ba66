package hubhttp

import (
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// RateLimitConfig sets per-window request budgets per client IP. Zero
// values take the defaults; a negative limit disables that limit.
type RateLimitConfig struct {
	Window  time.Duration
	Default int
	Quote   int
	Issue   int
	Refunds int
}

type rateLimiter struct {
	window  time.Duration
	def     int
	quote   int
	issue   int
	refunds int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	l := &rateLimiter{
		window:  cfg.Window,
		def:     cfg.Default,
		quote:   cfg.Quote,
		issue:   cfg.Issue,
		refunds: cfg.Refunds,
		buckets: make(map[string]*bucket),
	}
	if l.window <= 0 {
		l.window = time.Minute
	}
	if l.def == 0 {
		l.def = 600
	}
	if l.quote == 0 {
		l.quote = 240
	}
	if l.issue == 0 {
		l.issue = 240
	}
	if l.refunds == 0 {
		l.refunds = 60
	}
	return l
}

func (l *rateLimiter) limitFor(method, path string) int {
	if method == http.MethodPost {
		switch path {
		case "/v1/tickets/quote":
			return l.quote
		case "/v1/tickets/issue":
			return l.issue
		case "/v1/refunds":
			return l.refunds
		}
	}
	return l.def
}

// allow reports whether the request fits its budget; when it does not, it
// also returns the seconds until the window resets.
func (l *rateLimiter) allow(method, path, ip string) (retryAfter int, ok bool) {
	limit := l.limitFor(method, path)
	if limit < 0 {
		return 0, true
	}
	now := time.Now()
	key := method + ":" + path + ":" + ip

	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	switch {
	case b == nil || !now.Before(b.resetAt):
		l.buckets[key] = &bucket{count: 1, resetAt: now.Add(l.window)}
	case b.count >= limit:
		retry := int(time.Until(b.resetAt).Seconds())
		if retry < 1 {
			retry = 1
		}
		return retry, false
	default:
		b.count++
	}

	// Occasionally drop stale buckets so the map stays bounded.
	if rand.Intn(50) == 0 {
		for k, b := range l.buckets {
			if !now.Before(b.resetAt) {
				delete(l.buckets, k)
			}
		}
	}
	return 0, true
}
