package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"stravasync/internal/strava"
)

// SubscriptionAPI manages the application's push subscription
type SubscriptionAPI interface {
	List(ctx context.Context) ([]strava.Subscription, error)
	Create(ctx context.Context, callbackURL, verifyToken string) (*strava.Subscription, error)
}

// ErrCallbackUnreachable means Strava could not complete the challenge
var ErrCallbackUnreachable = errors.New("strava could not validate the callback url")

// EnsureSubscription creates the push subscription unless one exists. The
// receiver must already be serving since Strava challenges the callback
// before Create returns.
func EnsureSubscription(ctx context.Context, api SubscriptionAPI, callbackURL, verifyToken string, logger *slog.Logger) (*strava.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}

	subs, err := api.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing push subscriptions: %w", err)
	}
	if len(subs) > 0 {
		logger.Info("Existing push subscription", "id", subs[0].ID, "callback_url", subs[0].CallbackURL)
		if subs[0].CallbackURL != callbackURL {
			logger.Warn("Push subscription points at a different callback url",
				"id", subs[0].ID, "subscribed", subs[0].CallbackURL, "configured", callbackURL)
		}
		return &subs[0], nil
	}

	sub, err := api.Create(ctx, callbackURL, verifyToken)
	if err == nil {
		logger.Info("Push subscription created", "id", sub.ID, "callback_url", callbackURL)
		return sub, nil
	}

	var apiErr *strava.APIError
	if !errors.As(err, &apiErr) {
		return nil, fmt.Errorf("creating push subscription: %w", err)
	}

	// Strava answers these with the same status and only the message differs
	switch {
	case apiErr.BodyContains("already exists"):
		subs, lerr := api.List(ctx)
		if lerr == nil && len(subs) > 0 {
			logger.Info("Push subscription already exists", "id", subs[0].ID, "callback_url", subs[0].CallbackURL)
			return &subs[0], nil
		}
		return nil, fmt.Errorf("push subscription already exists but could not be listed: %w", err)
	case apiErr.BodyContains("GET to callback URL does not return 200"):
		logger.Error("Strava can't reach the callback url", "callback_url", callbackURL)
		return nil, fmt.Errorf("%w: strava can't reach %s: %w", ErrCallbackUnreachable, callbackURL, err)
	case apiErr.BodyContains("not verifiable"):
		logger.Error("Strava can't verify the callback url, it is incorrect or not served with a public CA certificate", "callback_url", callbackURL)
		return nil, fmt.Errorf("%w: strava can't verify %s (incorrect url or certificate not from a public CA): %w", ErrCallbackUnreachable, callbackURL, err)
	default:
		logger.Error("Could not create push subscription", "status", apiErr.StatusCode, "body", apiErr.Body)
		return nil, fmt.Errorf("creating push subscription: %w", err)
	}
}
