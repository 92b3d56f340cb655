package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// memoryRateLimiter keeps one counter per key. Expired counters are dropped
// lazily, at most once per sweepEvery.
type memoryRateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*rateBucket
	lastSweep  time.Time
	sweepEvery time.Duration
	now        func() time.Time
}

type rateBucket struct {
	hits    int
	resetAt time.Time
}

// NewMemoryRateLimiter returns a process-local limiter. Counters are lost on
// restart and are not shared between replicas.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{
		buckets:    map[string]*rateBucket{},
		sweepEvery: 5 * time.Minute,
		now:        time.Now,
	}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastSweep) >= rl.sweepEvery {
		rl.sweepLocked(now)
	}

	b := rl.buckets[key]
	if b == nil || !now.Before(b.resetAt) {
		b = &rateBucket{resetAt: now.Add(window)}
		rl.buckets[key] = b
	}
	if b.hits >= limit {
		return rateDecision{count: b.hits, windowEnd: b.resetAt}
	}
	b.hits++
	return rateDecision{allowed: true, count: b.hits, windowEnd: b.resetAt}
}

func (rl *memoryRateLimiter) sweepLocked(now time.Time) {
	for key, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, key)
		}
	}
	rl.lastSweep = now
}

// Close is a no-op; the limiter holds no background resources.
func (rl *memoryRateLimiter) Close() {}

func (r *Router) withRateLimit(route string, limit int, window time.Duration, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	if limit <= 0 || r.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		key := keyFn(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(key, limit, window)
		applyRateHeaders(w, limit, decision)
		if decision.allowed {
			next(w, req)
			return
		}
		kind, _, _ := strings.Cut(key, ":")
		r.recordRateLimitHit(route, kind)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	}
}

// handlerAuthRate authenticates first so the limit is keyed per user.
func (r *Router) handlerAuthRate(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(route, limit, window, rateLimitKeyUser, next))
}

func rateLimitKeyUser(req *http.Request) string {
	info, ok := authInfoFromContext(req.Context())
	if !ok || info.UserID == "" {
		return ""
	}
	return "user:" + info.UserID
}

func rateLimitKeyIP(req *http.Request) string {
	if ip := clientIP(req); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
