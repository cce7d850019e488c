package governance

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limits map[string]Limit) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := &RateLimiter{buckets: make(map[string]*tokenBucket), now: clock.Now}
	rl.Configure(limits)
	return rl, clock
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl, clock := newTestLimiter(map[string]Limit{"invoke": {RequestsPerSecond: 2, Burst: 3}})

	for i := range 3 {
		d := rl.Allow("invoke")
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
	}

	denied := rl.Allow("invoke")
	assert.False(t, denied.Allowed)
	assert.Equal(t, 500*time.Millisecond, denied.RetryAfter)

	clock.Advance(500 * time.Millisecond)
	assert.True(t, rl.Allow("invoke").Allowed)
	assert.False(t, rl.Allow("invoke").Allowed)
}

func TestRateLimiter_UnlimitedEndpoint(t *testing.T) {
	rl, _ := newTestLimiter(map[string]Limit{"invoke": {RequestsPerSecond: 1, Burst: 1}})

	for range 10 {
		assert.True(t, rl.Allow("check").Allowed)
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl, _ := newTestLimiter(map[string]Limit{"invoke": {}})

	stats := rl.Stats()["invoke"]
	assert.Equal(t, defaultRate, stats.Limit)
	assert.Equal(t, defaultRate, stats.Burst)
	assert.InDelta(t, float64(defaultRate), stats.Available, 0.001)
}

func TestRateLimiter_ConfigureKeepsState(t *testing.T) {
	rl, _ := newTestLimiter(map[string]Limit{"invoke": {RequestsPerSecond: 1, Burst: 2}})

	require.True(t, rl.Allow("invoke").Allowed)
	require.True(t, rl.Allow("invoke").Allowed)
	require.False(t, rl.Allow("invoke").Allowed)

	// Same limit: the drained bucket stays drained.
	rl.Configure(map[string]Limit{"invoke": {RequestsPerSecond: 1, Burst: 2}})
	assert.False(t, rl.Allow("invoke").Allowed)

	// Larger burst: the difference is granted immediately.
	rl.Configure(map[string]Limit{"invoke": {RequestsPerSecond: 1, Burst: 3}})
	assert.True(t, rl.Allow("invoke").Allowed)
	assert.False(t, rl.Allow("invoke").Allowed)

	// Removed limit: the endpoint is unlimited.
	rl.Configure(nil)
	assert.True(t, rl.Allow("invoke").Allowed)
	assert.Empty(t, rl.Stats())
}

func TestWriteRateLimitHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRateLimitHeaders(rec, Decision{Allowed: false, Limit: 5, Remaining: 0, RetryAfter: 1500 * time.Millisecond})

	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	WriteRateLimitHeaders(rec, Decision{Allowed: true})
	assert.Empty(t, rec.Header())
}

func TestRateLimiter_NeverExceedsBurst(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		burst := rapid.IntRange(1, 20).Draw(t, "burst")
		attempts := rapid.IntRange(0, 60).Draw(t, "attempts")
		rl, _ := newTestLimiter(map[string]Limit{"invoke": {RequestsPerSecond: 1, Burst: burst}})

		allowed := 0
		for range attempts {
			if rl.Allow("invoke").Allowed {
				allowed++
			}
		}
		assert.Equal(t, min(attempts, burst), allowed)
	})
}
