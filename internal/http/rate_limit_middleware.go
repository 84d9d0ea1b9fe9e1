package httpx

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts requests per key within fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateRule limits one route. Authenticated routes count per user, the rest per client IP.
type rateRule struct {
	route   string
	limit   int
	window  time.Duration
	perUser bool
}

func (rule rateRule) key(req *http.Request, ip string) string {
	subject := "ip:" + ip
	if rule.perUser {
		if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
			subject = "user:" + info.UserID
		}
	}
	return rule.route + "|" + subject
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateState
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type rateState struct {
	count     int
	windowEnd time.Time
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryRateLimiter(time.Now)
	go rl.sweepLoop()
	return rl
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		entries: make(map[string]rateState),
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.entries[key]
	if !ok || !now.Before(state.windowEnd) {
		state = rateState{windowEnd: now.Add(window)}
	}
	if state.count >= limit {
		return rateDecision{allowed: false, count: state.count, windowEnd: state.windowEnd}
	}
	state.count++
	rl.entries[key] = state
	return rateDecision{allowed: true, count: state.count, windowEnd: state.windowEnd}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, state := range rl.entries {
		if !now.Before(state.windowEnd) {
			delete(rl.entries, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

// limit rejects requests over rule with 429 and records the hit.
func (r *Router) limit(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if rule.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		decision := r.limiter.Allow(req.Context(), rule.key(req, r.clientIP(req)), rule.limit, rule.window)
		setRateHeaders(w, rule.limit, decision)
		if !decision.allowed {
			r.metrics.RecordRateLimitHit(rule.route)
			if !decision.windowEnd.IsZero() {
				wait := math.Ceil(time.Until(decision.windowEnd).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(max(int(wait), 1)))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// authed requires a bearer token, then applies rule per user.
func (r *Router) authed(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	rule.perUser = true
	return r.requireAuth(r.limit(rule, next))
}

func setRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-decision.count, 0)))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
