package webhook

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stravasync/internal/strava"
)

type fakeSubscriptions struct {
	subs      []strava.Subscription
	createErr error
	created   int
}

func (f *fakeSubscriptions) List(ctx context.Context) ([]strava.Subscription, error) {
	return f.subs, nil
}

func (f *fakeSubscriptions) Create(ctx context.Context, callbackURL, verifyToken string) (*strava.Subscription, error) {
	f.created++
	if f.createErr != nil {
		return nil, f.createErr
	}
	sub := strava.Subscription{ID: 5, CallbackURL: callbackURL}
	return &sub, nil
}

func TestEnsureSubscriptionExisting(t *testing.T) {
	api := &fakeSubscriptions{subs: []strava.Subscription{{ID: 3, CallbackURL: "https://example.com/webhook"}}}

	sub, err := EnsureSubscription(context.Background(), api, "https://example.com/webhook", "abc", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sub.ID)
	assert.Zero(t, api.created)
}

func TestEnsureSubscriptionCreates(t *testing.T) {
	api := &fakeSubscriptions{}

	sub, err := EnsureSubscription(context.Background(), api, "https://example.com/webhook", "abc", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sub.ID)
	assert.Equal(t, 1, api.created)
}

func TestEnsureSubscriptionCreateErrors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		unreachable bool
	}{
		{"unreachable", `{"message":"Bad Request","errors":[{"resource":"PushSubscription","field":"callback url","code":"GET to callback URL does not return 200"}]}`, true},
		{"not verifiable", `{"message":"Bad Request","errors":[{"field":"callback url","code":"not verifiable"}]}`, true},
		{"other", `{"message":"Bad Request"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeSubscriptions{createErr: strava.NewAPIError(http.StatusBadRequest, "/push_subscriptions", []byte(tt.body))}
			_, err := EnsureSubscription(context.Background(), api, "https://example.com/webhook", "abc", nil)
			require.Error(t, err)
			assert.Equal(t, tt.unreachable, errors.Is(err, ErrCallbackUnreachable))
		})
	}
}

// alreadyExists lists nothing until the create call reports the conflict
type alreadyExists struct {
	fakeSubscriptions
	listed int
}

func (a *alreadyExists) List(ctx context.Context) ([]strava.Subscription, error) {
	a.listed++
	if a.listed == 1 {
		return nil, nil
	}
	return []strava.Subscription{{ID: 9}}, nil
}

func TestEnsureSubscriptionAlreadyExists(t *testing.T) {
	api := &alreadyExists{}
	api.createErr = strava.NewAPIError(http.StatusBadRequest, "/push_subscriptions", []byte(`{"errors":[{"code":"already exists"}]}`))

	sub, err := EnsureSubscription(context.Background(), api, "https://example.com/webhook", "abc", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), sub.ID)
}
