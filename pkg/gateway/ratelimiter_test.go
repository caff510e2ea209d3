package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, limit int) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit)
	rl.now = clock.Now
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, _ := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"), "request %d should pass", i+1)
	}
	assert.False(t, rl.Allow("10.0.0.1"))

	t.Run("other IPs are independent", func(t *testing.T) {
		assert.True(t, rl.Allow("10.0.0.2"))
	})
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl, clock := newTestLimiter(t, 2)

	assert.True(t, rl.Allow("ip"))
	clock.Advance(30 * time.Second)
	assert.True(t, rl.Allow("ip"))
	assert.False(t, rl.Allow("ip"))
	assert.Equal(t, 30, rl.RetryAfter("ip"))

	clock.Advance(30*time.Second + time.Millisecond)
	assert.True(t, rl.Allow("ip"), "first request left the window")
	assert.False(t, rl.Allow("ip"))
}

func TestRateLimiter_RetryAfterRoundsUp(t *testing.T) {
	rl, clock := newTestLimiter(t, 1)

	assert.Equal(t, 0, rl.RetryAfter("ip"))
	assert.True(t, rl.Allow("ip"))
	clock.Advance(59*time.Second + 500*time.Millisecond)
	assert.Equal(t, 1, rl.RetryAfter("ip"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl, _ := newTestLimiter(t, 0)

	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("ip"))
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl, clock := newTestLimiter(t, 5)

	rl.Allow("old")
	clock.Advance(2 * time.Minute)
	rl.Allow("fresh")
	rl.cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.requests, "old")
	assert.Contains(t, rl.requests, "fresh")
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Stop()
	assert.NotPanics(t, rl.Stop)
}
