// Package alert delivers operational alerts. Alerts are always written to a
// dedicated logger; when a webhook is configured they are also POSTed there
// with a bounded number of attempts behind a circuit breaker.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/config"
	"github.com/dkeye/sceneroom/internal/core"
)

var ErrCircuitOpen = errors.New("alert webhook circuit open")

type Notifier struct {
	logger  zerolog.Logger
	url     string
	client  *http.Client
	breaker *Breaker
}

func NewNotifier(cfg config.AlertConfig) *Notifier {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Notifier{
		logger:  log.With().Str("module", "alert").Bool("alert", true).Logger(),
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: NewBreaker(attempts, cfg.Cooldown),
	}
}

func (n *Notifier) Notify(ctx context.Context, a core.Alert) {
	n.logger.Warn().Str("scene", string(a.Scene)).Interface("details", a.Details).Msg(a.Reason)
	if n.url == "" {
		return
	}
	if err := n.breaker.Do(ctx, func(ctx context.Context) error { return n.post(ctx, a) }); err != nil {
		n.logger.Error().Err(err).Str("scene", string(a.Scene)).Msg("alert webhook delivery failed")
	}
}

func (n *Notifier) post(ctx context.Context, a core.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Breaker retries a call up to maxAttempts times. When every attempt of a
// call fails the breaker opens and rejects calls until cooldown elapses.
type Breaker struct {
	maxAttempts int
	cooldown    time.Duration
	now         func() time.Time

	mu        sync.Mutex
	openUntil time.Time
}

func NewBreaker(maxAttempts int, cooldown time.Duration) *Breaker {
	return &Breaker{maxAttempts: maxAttempts, cooldown: cooldown, now: time.Now}
}

func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	if b.now().Before(b.openUntil) {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.mu.Unlock()

	var err error
	for attempt := 0; attempt < b.maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	b.mu.Lock()
	b.openUntil = b.now().Add(b.cooldown)
	b.mu.Unlock()
	return fmt.Errorf("after %d attempts: %w", b.maxAttempts, err)
}
