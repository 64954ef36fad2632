package strava

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"stravasync/internal/metrics"
)

const (
	// RateLimitWindow is the size of Strava's short rate limit bucket
	RateLimitWindow = 15 * time.Minute
	// BackoffMargin is added after the window boundary before retrying
	BackoffMargin = 5 * time.Second

	// DefaultTimeout bounds a single attempt, including reading the body
	DefaultTimeout = 30 * time.Second
	// maxResponseSize caps the body read from Strava (high resolution streams are large)
	maxResponseSize = 64 << 20
)

// BackoffDelay returns how long to wait after a 429 at now: until the next
// 15 minute boundary plus the safety margin, or nothing when now is exactly on
// a boundary.
func BackoffDelay(now time.Time) time.Duration {
	window := int64(RateLimitWindow / time.Second)
	mod := now.Unix() % window
	if mod == 0 {
		return 0
	}
	return time.Duration(window-mod)*time.Second + BackoffMargin
}

// Fetcher is the single path through which requests reach Strava. It waits out
// 429 responses and classifies everything else. It also implements
// http.RoundTripper (backoff only) so the oauth2 token exchange goes through it.
type Fetcher struct {
	base    http.RoundTripper
	limiter *RateLimiter
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// FetcherOption configures a Fetcher
type FetcherOption func(*Fetcher)

// WithTransport sets the underlying transport (default http.DefaultTransport)
func WithTransport(rt http.RoundTripper) FetcherOption {
	return func(f *Fetcher) { f.base = rt }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = l }
}

// WithTimeout sets the per-attempt timeout
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.timeout = d }
}

// WithClock replaces time.Now and the backoff sleep, for tests
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) FetcherOption {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
		if sleep != nil {
			f.sleep = sleep
		}
	}
}

// NewFetcher creates a Fetcher
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		base:    http.DefaultTransport,
		limiter: NewRateLimiter(),
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RateLimits returns the limiter fed by response headers
func (f *Fetcher) RateLimits() *RateLimiter {
	return f.limiter
}

// HTTPClient returns a client whose transport is this fetcher
func (f *Fetcher) HTTPClient() *http.Client {
	return &http.Client{Transport: f}
}

// Call issues req and returns the body of a 2xx response. Any other status
// is returned as an *APIError wrapping one of the Err* classes.
func (f *Fetcher) Call(req *http.Request) ([]byte, error) {
	resp, body, err := f.do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}

	if Classify(resp.StatusCode) == nil {
		return body, nil
	}

	apiErr := NewAPIError(resp.StatusCode, req.URL.Path, body)
	switch {
	case errors.Is(apiErr, ErrAuthInvalid):
		f.logger.Error("Strava API credentials invalid or session expired",
			"status", resp.StatusCode, "path", req.URL.Path, "body", apiErr.Body)
	case errors.Is(apiErr, ErrNotFound):
		f.logger.Warn("No data for url, can happen for manually added activities",
			"status", resp.StatusCode, "path", req.URL.Path)
	case errors.Is(apiErr, ErrUpstreamData):
		f.logger.Warn("No data received from Strava, it might be corrupt or invalid",
			"status", resp.StatusCode, "path", req.URL.Path)
	default:
		f.logger.Error("Unexpected Strava API error",
			"status", resp.StatusCode, "path", req.URL.Path, "body", apiErr.Body)
	}
	return body, apiErr
}

// RoundTrip implements http.RoundTripper. 429 responses are waited out and
// the request re-issued; every other response is returned unchanged.
func (f *Fetcher) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, _, err := f.do(req)
	return resp, err
}

// do runs the backoff loop. The returned response body is already buffered.
func (f *Fetcher) do(req *http.Request) (*http.Response, []byte, error) {
	for attempt := 0; ; attempt++ {
		r, err := requestForAttempt(req, attempt)
		if err != nil {
			return nil, nil, err
		}

		resp, body, err := f.attempt(r)
		if err != nil {
			return nil, nil, err
		}

		f.limiter.UpdateFromHeaders(resp.Header)
		metrics.RequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, body, nil
		}

		delay := BackoffDelay(f.now())
		usage15, usage24 := f.limiter.Usage()
		limit15, limit24 := f.limiter.Limits()
		f.logger.Warn("Strava API rate limit hit",
			"path", req.URL.Path,
			"usage_15m", usage15, "limit_15m", limit15,
			"usage_24h", usage24, "limit_24h", limit24,
			"sleep", delay.String())
		metrics.RateLimitBackoffs.Inc()

		if err := f.sleep(req.Context(), delay); err != nil {
			return nil, nil, fmt.Errorf("%w: backoff interrupted: %w", ErrRateLimited, err)
		}
	}
}

func (f *Fetcher) attempt(req *http.Request) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(req.Context(), f.timeout)
	defer cancel()

	resp, err := f.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, fmt.Errorf("reading response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, body, nil
}

// requestForAttempt returns the request to send on the given attempt. Retries
// need a fresh body, which http.NewRequest provides through GetBody.
func requestForAttempt(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 0 {
		return req, nil
	}
	r := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errors.New("cannot retry request: body is not replayable")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("cannot retry request: %w", err)
		}
		r.Body = body
	}
	return r, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
