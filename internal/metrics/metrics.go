// Package metrics holds the Prometheus collectors shared by the poller and
// the webhook receiver.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stravasync"

var (
	// RequestsTotal counts responses from Strava by status class.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetcher",
		Name:      "requests_total",
		Help:      "Responses received from the Strava API, labeled by status code.",
	}, []string{"code"})

	// RateLimitBackoffs counts 429 responses that triggered a sleep.
	RateLimitBackoffs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetcher",
		Name:      "rate_limit_backoffs_total",
		Help:      "Number of times a 429 response caused a backoff until the next 15 minute window.",
	})

	// RateLimitUsage mirrors X-RateLimit-Usage by window.
	RateLimitUsage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fetcher",
		Name:      "rate_limit_usage",
		Help:      "Requests used in the current Strava rate limit window.",
	}, []string{"window"})

	// RateLimitLimit mirrors X-RateLimit-Limit by window.
	RateLimitLimit = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fetcher",
		Name:      "rate_limit_limit",
		Help:      "Request limit of the Strava rate limit window.",
	}, []string{"window"})

	// ActivitiesWritten counts activity detail records handed to the sink.
	ActivitiesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "activities_written_total",
		Help:      "Activity detail records written to the sink, labeled by phase.",
	}, []string{"account", "phase"})

	// SamplesWritten counts reshaped stream samples handed to the sink.
	SamplesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "stream_samples_written_total",
		Help:      "Stream sample records written to the sink.",
	}, []string{"account"})

	// ActivitiesSkipped counts activities or streams skipped on 404/500 or bad data.
	ActivitiesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "skipped_total",
		Help:      "Activity details or streams skipped, labeled by what was skipped and why.",
	}, []string{"account", "what", "reason"})

	// Runs counts finished sync runs by terminal state.
	Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Sync runs per account, labeled by terminal state.",
	}, []string{"account", "state"})

	// SyncCursor is the persisted cursor per account.
	SyncCursor = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "cursor_timestamp_seconds",
		Help:      "Start time of the last successfully processed activity.",
	}, []string{"account"})

	// WebhookEvents counts accepted push notifications.
	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Push notifications accepted, labeled by object and aspect type.",
	}, []string{"object_type", "aspect_type"})

	// WebhookRejected counts requests answered with 400.
	WebhookRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "rejected_total",
		Help:      "Webhook requests rejected with 400, labeled by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, RateLimitBackoffs, RateLimitUsage, RateLimitLimit,
		ActivitiesWritten, SamplesWritten, ActivitiesSkipped, Runs, SyncCursor,
		WebhookEvents, WebhookRejected,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
