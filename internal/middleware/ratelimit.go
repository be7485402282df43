package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter implements a sliding-window limiter per key.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	recent := pruneBefore(r.requests[key], now.Add(-r.window))

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// Middleware rejects requests over the limit with 429. key picks the bucket
// of a request; requests with an empty key are not limited.
func (r *RateLimiter) Middleware(key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if k := key(req); k != "" && !r.Allow(k) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter(r.window))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func retryAfter(window time.Duration) string {
	secs := int(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	var fresh []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				if fresh := pruneBefore(times, cutoff); len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}
