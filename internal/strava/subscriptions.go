package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// SubscriptionClient manages the application's push subscription. It
// authenticates with the client credentials rather than an athlete token.
type SubscriptionClient struct {
	fetcher      *Fetcher
	baseURL      string
	clientID     string
	clientSecret string
}

// NewSubscriptionClient creates a SubscriptionClient. An empty baseURL uses BaseURL.
func NewSubscriptionClient(fetcher *Fetcher, baseURL, clientID, clientSecret string) *SubscriptionClient {
	if baseURL == "" {
		baseURL = BaseURL
	}
	return &SubscriptionClient{
		fetcher:      fetcher,
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// List returns the existing subscriptions (Strava allows one per application)
func (c *SubscriptionClient) List(ctx context.Context) ([]Subscription, error) {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/push_subscriptions?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	body, err := c.fetcher.Call(req)
	if err != nil {
		return nil, err
	}

	var subs []Subscription
	if err := json.Unmarshal(body, &subs); err != nil {
		return nil, fmt.Errorf("decoding subscriptions: %w", err)
	}
	return subs, nil
}

// Create registers callbackURL. Strava immediately validates it with a GET
// carrying verifyToken, so the receiver must already be listening.
func (c *SubscriptionClient) Create(ctx context.Context, callbackURL, verifyToken string) (*Subscription, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("callback_url", callbackURL)
	form.Set("verify_token", verifyToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/push_subscriptions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.fetcher.Call(req)
	if err != nil {
		return nil, err
	}

	var sub Subscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("decoding subscription: %w", err)
	}
	return &sub, nil
}
