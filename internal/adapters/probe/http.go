// Package probe checks live-video URLs over HTTP.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dkeye/sceneroom/internal/domain"
)

// HTTPProbe treats a 200 from the stream URL (typically an HLS playlist) as
// live. 403 and 404 are classified; every other outcome is a transport error.
type HTTPProbe struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPProbe(timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (p *HTTPProbe) CheckLive(ctx context.Context, url string) (bool, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, &domain.ProbeError{Kind: domain.ProbeTransport, URL: url, Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, &domain.ProbeError{Kind: domain.ProbeTransport, URL: url, Err: err}
	}
	defer resp.Body.Close()
	// Drain a little so the connection can be reused; playlists are small.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusForbidden:
		return false, &domain.ProbeError{Kind: domain.ProbeForbidden, URL: url}
	case http.StatusNotFound:
		return false, &domain.ProbeError{Kind: domain.ProbeNotFound, URL: url}
	default:
		return false, &domain.ProbeError{
			Kind: domain.ProbeTransport,
			URL:  url,
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
}
