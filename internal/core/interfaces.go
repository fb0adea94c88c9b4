package core

import (
	"context"

	"github.com/dkeye/sceneroom/internal/domain"
)

// Frame is a raw text payload sent to a client.
type Frame []byte

type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SessionValidator checks credentials against the external session service.
type SessionValidator interface {
	// ValidateHostSession accepts token, or refreshToken when token has
	// expired.
	ValidateHostSession(ctx context.Context, token, refreshToken string) (domain.HostSession, error)
	ValidateAnalyticsSession(ctx context.Context, token string, sceneID domain.SceneID) (domain.AnalyticsSession, error)
}

// LivenessProbe reports whether a live-video URL is currently streaming.
// Failures are *domain.ProbeError.
type LivenessProbe interface {
	CheckLive(ctx context.Context, url string) (bool, error)
}

// Alert is an operational event that needs a human, as opposed to a log line.
type Alert struct {
	Scene   domain.SceneID `json:"scene"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, a Alert)
}
