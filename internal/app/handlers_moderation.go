package app

import (
	"context"
	"fmt"

	"github.com/dkeye/sceneroom/internal/domain"
)

type moderation struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
}

// moderatorMessage delivers a host notice to one visitor, or to everyone
// else in the room when no session is named.
func (h *Handlers) moderatorMessage(ctx context.Context, r *Room, m *Member, msg Message) (bool, error) {
	var p moderation
	if err := msg.Decode(&p); err != nil {
		return false, err
	}
	if p.Message == "" {
		return false, fmt.Errorf("%w: missing message", domain.ErrProtocol)
	}
	frame := encode(moderatorMsg{Type: TypeModeratorMessage, From: m.Auth.DisplayName(), Message: p.Message})
	filter := func(o *Member) bool { return o.ID != m.ID }
	if p.SessionID != "" {
		filter = visitor(p.SessionID)
	}
	if err := r.BroadcastTo(ctx, frame, filter); err != nil {
		return false, err
	}
	upd := h.audit.Entry(m.Auth, domain.ActionModeratorMsg, "", p.SessionID, "message", nil, p.Message)
	return false, h.audit.Record(ctx, r.ID, upd)
}

func (h *Handlers) forceDisconnect(ctx context.Context, r *Room, m *Member, msg Message) (bool, error) {
	var p moderation
	if err := msg.Decode(&p); err != nil {
		return false, err
	}
	if p.SessionID == "" {
		return false, fmt.Errorf("%w: missing sessionId", domain.ErrProtocol)
	}
	n, err := r.Disconnect(ctx, encode(forceDisconnectedMsg{Type: TypeForceDisconnected, Reason: p.Reason}), visitor(p.SessionID))
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("session %s: %w", p.SessionID, domain.ErrNotFound)
	}
	upd := h.audit.Entry(m.Auth, domain.ActionForceDisconnect, "", p.SessionID, "reason", nil, p.Reason)
	return false, h.audit.Record(ctx, r.ID, upd)
}

// visitor matches the connections of one analytics session.
func visitor(sessionID string) func(*Member) bool {
	return func(o *Member) bool {
		return !o.IsHost() && o.Auth.ActorID() == sessionID
	}
}
