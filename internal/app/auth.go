package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

// Authenticator turns a handshake into the connection's auth context.
type Authenticator struct {
	sessions core.SessionValidator
	audit    *Emitter
}

func NewAuthenticator(sessions core.SessionValidator, audit *Emitter) *Authenticator {
	return &Authenticator{sessions: sessions, audit: audit}
}

// Authenticate validates hs for the room of scene. Every failure wraps
// domain.ErrAuthentication.
func (a *Authenticator) Authenticate(ctx context.Context, scene domain.SceneID, hs domain.Handshake) (domain.AuthContext, error) {
	if hs.SessionToken == "" {
		return nil, fmt.Errorf("%w: missing session token", domain.ErrAuthentication)
	}
	switch {
	case hs.Kind == domain.KindAnalytics:
		if hs.SceneID != scene {
			return nil, fmt.Errorf("%w: scene mismatch", domain.ErrAuthentication)
		}
		s, err := a.sessions.ValidateAnalyticsSession(ctx, hs.SessionToken, scene)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
		}
		s.SceneID = scene
		if s.ConnectedWallet == "" {
			s.ConnectedWallet = domain.GuestWallet
		}
		return s, nil
	case hs.Host:
		s, err := a.sessions.ValidateHostSession(ctx, hs.SessionToken, hs.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
		}
		s.SceneID = scene
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown client kind", domain.ErrAuthentication)
	}
}

// Admit joins m to r and runs the role's admission side effects: analytics
// participants are queued for a stream status push, hosts are recorded as
// having accessed the scene.
func (a *Authenticator) Admit(ctx context.Context, r *Room, m *Member) error {
	if err := r.Join(ctx, m); err != nil {
		return err
	}
	switch ac := m.Auth.(type) {
	case domain.AnalyticsSession:
		return r.Update(ctx, func(s *State) { s.Enqueue(ac.SessionID) })
	case domain.HostSession:
		if a.audit == nil {
			return nil
		}
		upd := a.audit.Entry(ac, domain.ActionAccessed, "", "", "", nil, nil)
		if err := a.audit.Record(ctx, r.ID, upd); err != nil {
			log.Error().Err(err).Str("module", "auth").Str("scene", string(r.ID)).Msg("record scene access")
		}
	}
	return nil
}
