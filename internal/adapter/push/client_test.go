package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-sentinel/internal/config"
	"github.com/couchcryptid/quake-sentinel/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(&config.Config{
		PushGatewayURL: server.URL,
		PushToken:      "test-token",
		PushEnabled:    true,
		PushTimeout:    time.Second,
	}, slog.Default())
}

func testNotification() domain.PushNotification {
	return domain.PushNotification{
		UserID:   "user-1",
		Title:    "Earthquake Warning",
		Body:     "Take cover now. Strong shaking expected in 3 seconds.",
		Priority: "max",
		Payload: map[string]any{
			"type": "earthquake_warning",
		},
	}
}

func TestSendPush_PostsNotification(t *testing.T) {
	var got domain.PushNotification
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/notifications", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})

	require.NoError(t, client.SendPush(context.Background(), testNotification()))
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "max", got.Priority)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestSendPush_GatewayErrorIsReturned(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := client.SendPush(context.Background(), testNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSendPush_DisabledClientDropsQuietly(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	t.Cleanup(server.Close)

	client := NewClient(&config.Config{
		PushGatewayURL: server.URL,
		PushEnabled:    false,
		PushTimeout:    time.Second,
	}, slog.Default())

	require.NoError(t, client.SendPush(context.Background(), testNotification()))
	assert.False(t, called)
}

func TestSendPush_RespectsContextCancellation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := client.SendPush(ctx, testNotification())
	assert.Error(t, err)
}
