package gateway

import (
	"sync"
	"time"
)

const rateLimitWindow = time.Minute

// RateLimiter implements per-IP rate limiting with a one-minute sliding window.
// A limit of zero or less disables it.
type RateLimiter struct {
	mu                sync.Mutex
	requests          map[string][]time.Time
	maxRequestsPerMin int
	cleanupInterval   time.Duration
	now               func() time.Time
	stopCleanup       chan struct{}
	stopOnce          sync.Once
}

// NewRateLimiter creates a rate limiter and starts its cleanup goroutine
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		requests:          make(map[string][]time.Time),
		maxRequestsPerMin: maxRequestsPerMinute,
		cleanupInterval:   5 * time.Minute,
		now:               time.Now,
		stopCleanup:       make(chan struct{}),
	}

	go rl.startCleanup()

	return rl
}

// Allow records a request from ip and reports whether it is within the limit
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.maxRequestsPerMin <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := pruneBefore(rl.requests[ip], now.Add(-rateLimitWindow))

	if len(valid) >= rl.maxRequestsPerMin {
		rl.requests[ip] = valid
		return false
	}

	rl.requests[ip] = append(valid, now)
	return true
}

// RetryAfter returns the number of seconds until ip may send again
func (rl *RateLimiter) RetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	times := rl.requests[ip]
	if len(times) == 0 {
		return 0
	}

	wait := times[0].Add(rateLimitWindow).Sub(rl.now())
	if wait <= 0 {
		return 0
	}
	// round up to whole seconds
	return int((wait + time.Second - 1) / time.Second)
}

func (rl *RateLimiter) startCleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops IPs without requests in the current window
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rateLimitWindow)
	for ip, times := range rl.requests {
		valid := pruneBefore(times, cutoff)
		if len(valid) == 0 {
			delete(rl.requests, ip)
			continue
		}
		rl.requests[ip] = valid
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
