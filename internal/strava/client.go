package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
)

const BaseURL = "https://www.strava.com/api/v3"

// DefaultPageSize is Strava's default page size for activity listings
const DefaultPageSize = 30

// StreamKeys are the stream types requested for every activity
var StreamKeys = []string{
	"time", "distance", "latlng", "altitude", "velocity_smooth",
	"heartrate", "cadence", "watts", "temp", "moving", "grade_smooth",
}

// Client is a Strava API client for one athlete
type Client struct {
	fetcher *Fetcher
	tokens  oauth2.TokenSource
	baseURL string
}

// NewClient creates a Strava client authenticating with tokens. An empty
// baseURL uses BaseURL.
func NewClient(fetcher *Fetcher, tokens oauth2.TokenSource, baseURL string) *Client {
	if baseURL == "" {
		baseURL = BaseURL
	}
	return &Client{
		fetcher: fetcher,
		tokens:  tokens,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// GetAthlete fetches the authenticated athlete's profile
func (c *Client) GetAthlete(ctx context.Context) (*Athlete, error) {
	var athlete Athlete
	if err := c.getJSON(ctx, "/athlete", nil, &athlete); err != nil {
		return nil, err
	}
	return &athlete, nil
}

// ListActivities returns up to perPage activities starting after the unix
// timestamp after, oldest first
func (c *Client) ListActivities(ctx context.Context, after int64, perPage int) ([]ActivitySummary, error) {
	if perPage <= 0 {
		perPage = DefaultPageSize
	}
	params := url.Values{}
	params.Set("after", strconv.FormatInt(after, 10))
	params.Set("per_page", strconv.Itoa(perPage))

	var activities []ActivitySummary
	if err := c.getJSON(ctx, "/athlete/activities", params, &activities); err != nil {
		return nil, err
	}
	return activities, nil
}

// GetActivity fetches the detailed activity including all efforts
func (c *Client) GetActivity(ctx context.Context, activityID int64) (*ActivityDetail, error) {
	params := url.Values{}
	params.Set("include_all_efforts", "true")

	var detail ActivityDetail
	if err := c.getJSON(ctx, fmt.Sprintf("/activities/%d", activityID), params, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetActivityStreams fetches every stream in StreamKeys at high resolution
func (c *Client) GetActivityStreams(ctx context.Context, activityID int64) (*Streams, error) {
	params := url.Values{}
	params.Set("keys", strings.Join(StreamKeys, ","))
	params.Set("key_by_type", "true")
	params.Set("series_type", "time")
	params.Set("resolution", "high")

	var streams Streams
	if err := c.getJSON(ctx, fmt.Sprintf("/activities/%d/streams", activityID), params, &streams); err != nil {
		return nil, err
	}
	return &streams, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, v any) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}

	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("getting access token: %w", err)
	}
	token.SetAuthHeader(req)

	body, err := c.fetcher.Call(req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
