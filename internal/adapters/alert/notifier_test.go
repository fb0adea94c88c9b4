package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/sceneroom/internal/config"
	"github.com/dkeye/sceneroom/internal/core"
)

func TestBreakerRetriesThenOpens(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker(3, time.Minute)
	b.now = func() time.Time { return now }
	calls := 0
	failing := func(context.Context) error {
		calls++
		return errors.New("down")
	}

	err := b.Do(context.Background(), failing)
	require.Error(t, err)
	require.Equal(t, 3, calls)

	// Open: no further attempts until the cooldown passes.
	require.ErrorIs(t, b.Do(context.Background(), failing), ErrCircuitOpen)
	require.Equal(t, 3, calls)

	now = now.Add(time.Minute)
	require.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestBreakerStopsOnFirstSuccess(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	calls := 0

	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestNotifierPostsToWebhook(t *testing.T) {
	var (
		got         core.Alert
		contentType string
		hits        atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(config.AlertConfig{WebhookURL: srv.URL, MaxAttempts: 2, Cooldown: time.Minute})
	n.Notify(context.Background(), core.Alert{Scene: "scene-1", Reason: "too many live streams"})

	require.EqualValues(t, 1, hits.Load())
	require.Equal(t, "application/json", contentType)
	require.Equal(t, "too many live streams", got.Reason)
}

func TestNotifierBoundsWebhookRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(config.AlertConfig{WebhookURL: srv.URL, MaxAttempts: 2, Cooldown: time.Minute})
	n.Notify(context.Background(), core.Alert{Scene: "scene-1", Reason: "first"})
	n.Notify(context.Background(), core.Alert{Scene: "scene-1", Reason: "second"})

	require.EqualValues(t, 2, hits.Load())
}
