package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TokenBucket represents a token bucket for rate limiting
type TokenBucket struct {
	tokens     float64 // current number of tokens
	capacity   float64 // maximum tokens
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket that starts full
func NewTokenBucket(capacity float64, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can be allowed and consumes a token
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}

	return false
}

// refill adds tokens based on elapsed time
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Tokens returns the current number of tokens
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// untilFull returns how long the bucket needs to refill completely.
func (tb *TokenBucket) untilFull() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	missing := tb.capacity - tb.tokens
	if missing <= 0 || tb.refillRate <= 0 {
		return 0
	}
	return time.Duration(missing / tb.refillRate * float64(time.Second))
}

// idleSince reports whether the bucket is full and untouched since cutoff.
func (tb *TokenBucket) idleSince(cutoff time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	idle := tb.lastRefill.Before(cutoff)
	tb.refill()
	return idle && tb.tokens >= tb.capacity
}

// RateLimiter manages a token bucket per client.
type RateLimiter struct {
	buckets   map[string]*TokenBucket
	mu        sync.RWMutex
	rpm       int // requests per minute
	burstSize int // maximum burst size
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rpm, burstSize int) *RateLimiter {
	return &RateLimiter{
		buckets:   make(map[string]*TokenBucket),
		rpm:       rpm,
		burstSize: burstSize,
	}
}

// Allow checks if a request from the given key is allowed
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	bucket, exists := rl.buckets[key]
	if !exists {
		bucket = NewTokenBucket(float64(rl.burstSize), float64(rl.rpm)/60.0)
		rl.buckets[key] = bucket
	}
	rl.mu.Unlock()

	return bucket.Allow()
}

// GetRemainingTokens returns remaining tokens for a key
func (rl *RateLimiter) GetRemainingTokens(key string) int {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if exists {
		return int(bucket.Tokens())
	}
	return rl.burstSize
}

// GetResetTime returns when the bucket will be fully refilled
func (rl *RateLimiter) GetResetTime(key string) time.Time {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if exists {
		return time.Now().Add(bucket.untilFull())
	}
	return time.Now()
}

// Cleanup removes full buckets that haven't been used within maxAge
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, bucket := range rl.buckets {
		if bucket.idleSince(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// Run periodically removes idle buckets until the context is cancelled.
func (rl *RateLimiter) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup(maxAge)
		}
	}
}

// Stats returns rate limiter statistics
func (rl *RateLimiter) Stats() (buckets int, totalTokens float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	buckets = len(rl.buckets)
	for _, bucket := range rl.buckets {
		totalTokens += bucket.Tokens()
	}

	return buckets, totalTokens
}

// getClientKey extracts a client identifier from the request. The
// X-Forwarded-For header is honoured only when the server sits behind a
// trusted proxy, since clients can set it freely.
func getClientKey(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}

	return "unknown"
}

// RateLimitMiddleware rejects clients that exceed their request budget with
// 429 responses. A nil limiter disables limiting. Clients are keyed by remote
// address, or by X-Forwarded-For when trustForwarded is set.
func RateLimitMiddleware(limiter *RateLimiter, trustForwarded bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		clientKey := getClientKey(r, trustForwarded)
		header := w.Header()
		header.Set("X-RateLimit-Limit", strconv.Itoa(limiter.rpm))

		if !limiter.Allow(clientKey) {
			resetTime := limiter.GetResetTime(clientKey)
			retryAfter := int(time.Until(resetTime).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}

			header.Set("X-RateLimit-Remaining", "0")
			header.Set("X-RateLimit-Reset", resetTime.Format(time.RFC3339))
			header.Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}

		header.Set("X-RateLimit-Remaining", strconv.Itoa(limiter.GetRemainingTokens(clientKey)))
		header.Set("X-RateLimit-Reset", limiter.GetResetTime(clientKey).Format(time.RFC3339))

		next.ServeHTTP(w, r)
	})
}
