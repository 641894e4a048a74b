package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pbi-labs/pbi/pkg/api"
)

// Limiter is the coarse per-caller rate limit. Keys are the raw
// Authorization header (or "anon" for unauthenticated callers).
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter keeps a token bucket per key in process memory.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter allows maxRequests per windowSeconds for each key.
func NewLocalLimiter(maxRequests, windowSeconds int) *LocalLimiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	l := &LocalLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(maxRequests) / float64(windowSeconds)),
		burst:   maxRequests,
	}
	go l.cleanup()
	return l
}

func (l *LocalLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow(), nil
}

// cleanup removes stale buckets to prevent unbounded growth.
func (l *LocalLimiter) cleanup() {
	for {
		time.Sleep(1 * time.Minute)
		l.mu.Lock()
		for key, b := range l.buckets {
			if time.Since(b.lastSeen) > 3*time.Minute {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

// RateLimitMiddleware enforces the limiter per Authorization header. Limiter
// errors fail open to avoid blocking all traffic on limiter outages.
func RateLimitMiddleware(limiter Limiter, retryAfterSecs int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Authorization")
			if key == "" {
				key = "anon"
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				api.WriteRateLimited(w, retryAfterSecs)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
