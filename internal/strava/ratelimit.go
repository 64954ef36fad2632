package strava

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"stravasync/internal/metrics"
)

// Strava rate limits (defaults, overwritten by response headers):
// - 100 requests per 15 minutes
// - 1000 requests per day

// RateLimiter tracks the usage Strava reports on every response
type RateLimiter struct {
	mu sync.Mutex

	// 15-minute window
	shortLimit int
	shortUsage int

	// Daily window
	dailyLimit int
	dailyUsage int
}

// NewRateLimiter creates a rate limiter with Strava's default limits
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		shortLimit: 100,
		dailyLimit: 1000,
	}
}

// UpdateFromHeaders updates rate limit state from Strava response headers
func (r *RateLimiter) UpdateFromHeaders(h http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Strava returns: X-RateLimit-Limit: "100,1000" and X-RateLimit-Usage: "34,512"
	if short, daily, ok := parseWindowPair(h.Get("X-RateLimit-Usage")); ok {
		r.shortUsage = short
		r.dailyUsage = daily
		metrics.RateLimitUsage.WithLabelValues("15m").Set(float64(short))
		metrics.RateLimitUsage.WithLabelValues("24h").Set(float64(daily))
	}

	if short, daily, ok := parseWindowPair(h.Get("X-RateLimit-Limit")); ok {
		r.shortLimit = short
		r.dailyLimit = daily
		metrics.RateLimitLimit.WithLabelValues("15m").Set(float64(short))
		metrics.RateLimitLimit.WithLabelValues("24h").Set(float64(daily))
	}
}

// Usage returns current usage counts
func (r *RateLimiter) Usage() (shortUsage, dailyUsage int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shortUsage, r.dailyUsage
}

// Limits returns the current window limits
func (r *RateLimiter) Limits() (shortLimit, dailyLimit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shortLimit, r.dailyLimit
}

func parseWindowPair(v string) (short, daily int, ok bool) {
	parts := strings.Split(v, ",")
	if len(parts) < 2 {
		return 0, 0, false
	}
	short, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	daily, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return short, daily, true
}
