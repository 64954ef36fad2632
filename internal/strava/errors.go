package strava

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// MaxErrorBodySize is the maximum size of error body kept on an APIError
const MaxErrorBodySize = 500

// Error classes returned by the Fetcher. RateLimited is normally absorbed by
// the backoff loop and only surfaces when the wait is cancelled.
var (
	ErrRateLimited  = errors.New("strava rate limit exceeded")
	ErrAuthInvalid  = errors.New("strava credentials invalid or authorization expired")
	ErrNotFound     = errors.New("strava resource not found")
	ErrUpstreamData = errors.New("strava returned no usable data")
	ErrUnclassified = errors.New("unexpected strava api error")
)

// APIError is a non-2xx response from Strava
type APIError struct {
	StatusCode int
	URL        string
	Body       string
	kind       error
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%v: %d %s from %s: %s", e.kind, e.StatusCode, http.StatusText(e.StatusCode), e.URL, e.Body)
	}
	return fmt.Sprintf("%v: %d %s from %s", e.kind, e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Unwrap exposes the error class for errors.Is
func (e *APIError) Unwrap() error {
	return e.kind
}

// BodyContains reports whether the error body mentions text. Strava reuses
// status codes for different failures and only the message tells them apart.
func (e *APIError) BodyContains(text string) bool {
	return strings.Contains(e.Body, text)
}

// Classify maps a status code to an error class, nil for 2xx.
func Classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusBadRequest, status == http.StatusUnauthorized:
		return ErrAuthInvalid
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusInternalServerError:
		return ErrUpstreamData
	default:
		return ErrUnclassified
	}
}

// NewAPIError builds an APIError for a response status, truncating the body
func NewAPIError(status int, url string, body []byte) *APIError {
	kind := Classify(status)
	if kind == nil {
		kind = ErrUnclassified
	}
	return &APIError{
		StatusCode: status,
		URL:        url,
		Body:       truncate(string(body), MaxErrorBodySize),
		kind:       kind,
	}
}

// Outcome is how the sync engine should react to a call result
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeSkip
	OutcomeFatalAuth
	OutcomeFatalOther
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeSkip:
		return "skip"
	case OutcomeFatalAuth:
		return "fatal_auth"
	default:
		return "fatal"
	}
}

// OutcomeOf classifies a call error
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUpstreamData):
		return OutcomeSkip
	case errors.Is(err, ErrAuthInvalid):
		return OutcomeFatalAuth
	default:
		return OutcomeFatalOther
	}
}

// IsSkip reports whether err means the unit of work should be skipped
func IsSkip(err error) bool {
	return OutcomeOf(err) == OutcomeSkip
}

// SkipReason is a short label for a skip error, used in logs and metrics
func SkipReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUpstreamData):
		return "upstream_error"
	default:
		return "other"
	}
}

// truncate truncates a string to maxLen, adding "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
