package mux

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a per-remote token bucket: each remote address gets
// max tokens refilled continuously over window. Requests that find the
// bucket empty are answered 429 with Retry-After.
type rateLimiter struct {
	mu      sync.Mutex
	max     float64
	window  time.Duration
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		max:     float64(max),
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// allow consumes one token for remote, reporting whether the request
// may proceed.
func (rl *rateLimiter) allow(remote string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[remote]
	if !ok {
		b = &bucket{tokens: rl.max, lastFill: now}
		rl.buckets[remote] = b
	}

	refill := rl.max * float64(now.Sub(b.lastFill)) / float64(rl.window)
	b.tokens += refill
	if b.tokens > rl.max {
		b.tokens = rl.max
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--

	// Opportunistic pruning keeps the map from growing without bound
	// under remote-address churn.
	if len(rl.buckets) > 4096 {
		for addr, bk := range rl.buckets {
			if now.Sub(bk.lastFill) > 2*rl.window {
				delete(rl.buckets, addr)
			}
		}
	}
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remote := r.RemoteAddr
		if host, _, err := net.SplitHostPort(remote); err == nil {
			remote = host
		}
		if !rl.allow(remote) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
