package strava

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok", TokenType: "Bearer"})
	return NewClient(NewFetcher(), tokens, srv.URL)
}

func TestListActivities(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/athlete/activities", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "1700000000", r.URL.Query().Get("after"))
		assert.Equal(t, "30", r.URL.Query().Get("per_page"))
		io.WriteString(w, `[{"id":1,"name":"Morning Run","start_date":"2023-11-14T22:13:20Z"},{"id":2,"start_date":"2023-11-15T06:00:00Z"}]`)
	}))

	got, err := c.ListActivities(context.Background(), 1700000000, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(1700000000), got[0].StartDate.Unix())
}

func TestGetActivityKeepsRawDocument(t *testing.T) {
	doc := `{"id":42,"name":"Ride","start_date":"1970-01-01T00:16:40Z","segment_efforts":[{"id":7}]}`
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activities/42", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("include_all_efforts"))
		io.WriteString(w, doc)
	}))

	got, err := c.GetActivity(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, time.Unix(1000, 0).UTC(), got.StartDate)
	assert.JSONEq(t, doc, string(got.Raw))
}

func TestGetActivityStreamsParameters(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/activities/42/streams", r.URL.Path)
		assert.Equal(t, strings.Join(StreamKeys, ","), q.Get("keys"))
		assert.Equal(t, "true", q.Get("key_by_type"))
		assert.Equal(t, "time", q.Get("series_type"))
		assert.Equal(t, "high", q.Get("resolution"))
		io.WriteString(w, `{
			"time": {"data": [0, 10, 20], "series_type": "time", "original_size": 3, "resolution": "high"},
			"latlng": {"data": [[1.0, 2.0], [1.1, 2.1], [1.2, 2.2]]},
			"watts": {"data": [100, null, 120]}
		}`)
	}))

	s, err := c.GetActivityStreams(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, s.Time)
	assert.Len(t, s.Time.Data, 3)
	assert.Equal(t, [2]float64{1.1, 2.1}, s.LatLng.Data[1])
	assert.Nil(t, s.Watts.Data[1])
	assert.Nil(t, s.Heartrate)
}

func TestGetAthleteNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := c.GetAthlete(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscriptionCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "id", r.PostForm.Get("client_id"))
		assert.Equal(t, "https://example.com/webhook", r.PostForm.Get("callback_url"))
		assert.Equal(t, "abc", r.PostForm.Get("verify_token"))
		io.WriteString(w, `{"id":99}`)
	}))
	defer srv.Close()

	c := NewSubscriptionClient(NewFetcher(), srv.URL, "id", "secret")
	sub, err := c.Create(context.Background(), "https://example.com/webhook", "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(99), sub.ID)
}
