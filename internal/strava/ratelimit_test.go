package strava

import (
	"net/http"
	"testing"
)

func TestRateLimiterUpdateFromHeaders(t *testing.T) {
	r := NewRateLimiter()

	h := http.Header{}
	h.Set("X-RateLimit-Limit", "200, 2000")
	h.Set("X-RateLimit-Usage", "34,512")
	r.UpdateFromHeaders(h)

	shortUsage, dailyUsage := r.Usage()
	if shortUsage != 34 || dailyUsage != 512 {
		t.Errorf("Usage() = %d,%d, want 34,512", shortUsage, dailyUsage)
	}
	shortLimit, dailyLimit := r.Limits()
	if shortLimit != 200 || dailyLimit != 2000 {
		t.Errorf("Limits() = %d,%d, want 200,2000", shortLimit, dailyLimit)
	}
}

func TestRateLimiterIgnoresMalformedHeaders(t *testing.T) {
	r := NewRateLimiter()

	h := http.Header{}
	h.Set("X-RateLimit-Usage", "garbage")
	h.Set("X-RateLimit-Limit", "1")
	r.UpdateFromHeaders(h)

	shortLimit, dailyLimit := r.Limits()
	if shortLimit != 100 || dailyLimit != 1000 {
		t.Errorf("Limits() = %d,%d, want defaults 100,1000", shortLimit, dailyLimit)
	}
	shortUsage, dailyUsage := r.Usage()
	if shortUsage != 0 || dailyUsage != 0 {
		t.Errorf("Usage() = %d,%d, want 0,0", shortUsage, dailyUsage)
	}
}
