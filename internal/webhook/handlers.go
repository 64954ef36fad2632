package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"stravasync/internal/metrics"
	"stravasync/internal/sink"
	"stravasync/internal/store"
)

// maxBodySize caps a notification body; Strava events are a few hundred bytes
const maxBodySize = 1 << 20

// Queue receives activity ids announced by the webhook
type Queue interface {
	AppendPending(ctx context.Context, athleteID, activityID int64, source string) error
}

// TriggerFunc asks the poller to run soon. It must not block.
type TriggerFunc func(reason string) bool

// Event is a Strava push notification
type Event struct {
	AspectType     string         `json:"aspect_type"`
	ObjectType     string         `json:"object_type"`
	ObjectID       int64          `json:"object_id"`
	OwnerID        int64          `json:"owner_id"`
	SubscriptionID int64          `json:"subscription_id,omitempty"`
	EventTime      int64          `json:"event_time,omitempty"`
	Updates        map[string]any `json:"updates,omitempty"`
}

// Handler serves the subscription handshake and push notifications
type Handler struct {
	verifyToken string
	queue       Queue
	sink        sink.Sink
	trigger     TriggerFunc
	logger      *slog.Logger
}

// NewHandler creates a Handler. A nil trigger disables waking the poller.
func NewHandler(verifyToken string, queue Queue, out sink.Sink, trigger TriggerFunc, logger *slog.Logger) *Handler {
	if trigger == nil {
		trigger = func(string) bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		verifyToken: verifyToken,
		queue:       queue,
		sink:        out,
		trigger:     trigger,
		logger:      logger,
	}
}

// Challenge answers the GET Strava sends when a subscription is created
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge := q.Get("hub.challenge")
	token := q.Get("hub.verify_token")

	h.logger.Info("Subscription challenge", "remote", r.RemoteAddr)

	if challenge == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		metrics.WebhookRejected.WithLabelValues("verify_token").Inc()
		h.logger.Warn("Rejected subscription challenge", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"hub.challenge": challenge})
}

// Notify accepts a push notification. Once the event parses it is always
// acknowledged with 200; Strava retries and eventually drops subscriptions
// that answer otherwise.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		h.reject(w, "content_type", "content_type", r.Header.Get("Content-Type"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.reject(w, "body", "error", err)
		return
	}
	if len(body) == 0 {
		h.reject(w, "empty_body")
		return
	}

	evt, err := parseEvent(body)
	if err != nil {
		h.reject(w, "invalid_event", "error", err)
		return
	}

	deliveryID := uuid.NewString()
	log := h.logger.With(
		"delivery_id", deliveryID,
		"aspect_type", evt.AspectType,
		"object_type", evt.ObjectType,
		"object_id", evt.ObjectID,
		"owner_id", evt.OwnerID,
	)
	log.Info("Incoming push notification", "remote", r.RemoteAddr)
	metrics.WebhookEvents.WithLabelValues(evt.ObjectType, evt.AspectType).Inc()

	// The request context ends with the response; queueing must not
	ctx := context.WithoutCancel(r.Context())

	// Creations arrive through pagination; only updates need a refetch
	if evt.AspectType == "update" && evt.ObjectType == "activity" {
		if err := h.queue.AppendPending(ctx, evt.OwnerID, evt.ObjectID, store.SourceWebhook); err != nil {
			log.Error("Could not queue activity update", "error", err)
		}
	}

	record := sink.Record{
		Category: sink.CategoryWebhook,
		Key:      strconv.FormatInt(evt.ObjectID, 10),
		Time:     eventTime(evt),
		Data:     compact(body),
	}
	if err := h.sink.Write(ctx, record); err != nil {
		log.Error("Could not write webhook event", "error", err)
	}

	w.WriteHeader(http.StatusOK)

	if evt.AspectType != "delete" {
		queued := h.trigger("webhook")
		log.Info("Requested sync run for push notification", "queued", queued)
	}
}

func (h *Handler) reject(w http.ResponseWriter, reason string, attrs ...any) {
	metrics.WebhookRejected.WithLabelValues(reason).Inc()
	h.logger.Warn("Rejected push notification", append([]any{"reason", reason}, attrs...)...)
	w.WriteHeader(http.StatusBadRequest)
}

// parseEvent decodes and checks the fields every notification must carry
func parseEvent(body []byte) (*Event, error) {
	var raw struct {
		AspectType     *string        `json:"aspect_type"`
		ObjectType     *string        `json:"object_type"`
		ObjectID       *int64         `json:"object_id"`
		OwnerID        *int64         `json:"owner_id"`
		SubscriptionID int64          `json:"subscription_id"`
		EventTime      int64          `json:"event_time"`
		Updates        map[string]any `json:"updates"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if raw.AspectType == nil || raw.ObjectType == nil || raw.ObjectID == nil || raw.OwnerID == nil {
		return nil, errors.New("aspect_type, object_type, object_id and owner_id are required")
	}
	return &Event{
		AspectType:     *raw.AspectType,
		ObjectType:     *raw.ObjectType,
		ObjectID:       *raw.ObjectID,
		OwnerID:        *raw.OwnerID,
		SubscriptionID: raw.SubscriptionID,
		EventTime:      raw.EventTime,
		Updates:        raw.Updates,
	}, nil
}

func eventTime(evt *Event) time.Time {
	if evt.EventTime > 0 {
		return time.Unix(evt.EventTime, 0).UTC()
	}
	return time.Now().UTC()
}

func compact(body []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return json.RawMessage(body)
	}
	return json.RawMessage(buf.Bytes())
}
