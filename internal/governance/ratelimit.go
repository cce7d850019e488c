package governance

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const defaultRate = 100

// Limit is the token bucket setting for one endpoint.
type Limit struct {
	RequestsPerSecond int
	Burst             int
}

// Decision is the outcome of taking a token.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the next token is available.
	RetryAfter time.Duration
}

// RateLimiter implements token bucket rate limiting per endpoint.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the provided limits.
func NewRateLimiter(limits map[string]Limit) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
	rl.Configure(limits)
	return rl
}

// Configure replaces the per-endpoint limits. Buckets for endpoints that stay
// limited keep their remaining tokens.
func (rl *RateLimiter) Configure(limits map[string]Limit) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	buckets := make(map[string]*tokenBucket, len(limits))
	for endpoint, limit := range limits {
		if bucket, ok := rl.buckets[endpoint]; ok {
			bucket.configure(limit, now)
			buckets[endpoint] = bucket
			continue
		}
		buckets[endpoint] = newTokenBucket(limit, now)
	}
	rl.buckets = buckets
}

// Allow takes a token for endpoint. Endpoints without a limit always pass.
func (rl *RateLimiter) Allow(endpoint string) Decision {
	rl.mu.RLock()
	bucket, ok := rl.buckets[endpoint]
	now := rl.now()
	rl.mu.RUnlock()

	if !ok {
		return Decision{Allowed: true}
	}
	return bucket.take(now)
}

// Stats exposes the current state of a bucket.
type Stats struct {
	Limit     int     `json:"limit"`
	Burst     int     `json:"burst"`
	Available float64 `json:"available"`
}

// Stats returns current rate limit statistics for all endpoints.
func (rl *RateLimiter) Stats() map[string]Stats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	stats := make(map[string]Stats, len(rl.buckets))
	for endpoint, bucket := range rl.buckets {
		stats[endpoint] = bucket.stats(now)
	}
	return stats
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func normalize(limit Limit) (rate, capacity float64) {
	rps := limit.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRate
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = rps
	}
	return float64(rps), float64(burst)
}

func newTokenBucket(limit Limit, now time.Time) *tokenBucket {
	rate, capacity := normalize(limit)
	return &tokenBucket{
		rate:       rate,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: now,
	}
}

func (tb *tokenBucket) configure(limit Limit, now time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	old := tb.capacity
	tb.rate, tb.capacity = normalize(limit)

	// Growing the burst grants the difference right away.
	if tb.capacity > old {
		tb.tokens += tb.capacity - old
	}
	tb.tokens = math.Min(tb.tokens, tb.capacity)
}

func (tb *tokenBucket) take(now time.Time) Decision {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)

	d := Decision{Limit: int(tb.capacity)}
	if tb.tokens >= 1 {
		tb.tokens--
		d.Allowed = true
	} else {
		missing := 1 - tb.tokens
		d.RetryAfter = time.Duration(missing / tb.rate * float64(time.Second))
	}
	d.Remaining = int(math.Floor(tb.tokens))
	return d
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(tb.tokens+elapsed*tb.rate, tb.capacity)
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) Stats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return Stats{
		Limit:     int(tb.rate),
		Burst:     int(tb.capacity),
		Available: tb.tokens,
	}
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed {
		seconds := int(math.Ceil(d.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
	}
}
