package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/domain"
)

// Inbound message types.
const (
	MsgSessionStart        = "session_start"
	MsgSessionAction       = "session_action"
	MsgSessionEnd          = "session_end"
	MsgHostJoined          = "host_joined"
	MsgHostLeft            = "host_left"
	MsgAnalyticsUserJoined = "analytics_user_joined"
	MsgScenePresetUpdate   = "scene_preset_update"
	MsgSceneSettingUpdate  = "scene_setting_update"
	MsgSceneChangePreset   = "scene_change_preset"
	MsgGiveawayClaim       = "giveaway_claim"
	MsgSendActiveUsers     = "send_active_users"
	MsgModeratorMessage    = "moderator_message"
	MsgForceDisconnect     = "force_disconnect"
	MsgPing                = "ping"
)

// Message is one inbound frame. Raw keeps the exact bytes for rebroadcast.
type Message struct {
	Type string `json:"type"`
	Raw  []byte `json:"-"`
}

func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrProtocol, m.Type, err)
	}
	return nil
}

// HandlerFunc handles one message type. Returning true rebroadcasts the
// original frame to the other members of the room.
type HandlerFunc func(ctx context.Context, r *Room, m *Member, msg Message) (bool, error)

type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher(h *Handlers) *Dispatcher {
	return &Dispatcher{handlers: map[string]HandlerFunc{
		MsgSessionStart:        analyticsOnly(h.sessionStart),
		MsgSessionAction:       analyticsOnly(h.sessionAction),
		MsgSessionEnd:          analyticsOnly(h.sessionEnd),
		MsgHostJoined:          hostOnly(h.hostJoined),
		MsgHostLeft:            hostOnly(h.hostLeft),
		MsgAnalyticsUserJoined: analyticsOnly(h.analyticsUserJoined),
		MsgScenePresetUpdate:   hostOnly(h.scenePresetUpdate),
		MsgSceneSettingUpdate:  hostOnly(h.sceneSettingUpdate),
		MsgSceneChangePreset:   hostOnly(h.sceneChangePreset),
		MsgGiveawayClaim:       analyticsOnly(h.giveawayClaim),
		MsgSendActiveUsers:     hostOnly(h.sendActiveUsers),
		MsgModeratorMessage:    hostOnly(h.moderatorMessage),
		MsgForceDisconnect:     hostOnly(h.forceDisconnect),
		MsgPing:                h.ping,
	}}
}

// Dispatch routes one inbound frame from m. Frames that are not JSON or
// carry an unknown type are dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, r *Room, m *Member, raw []byte) {
	logger := log.With().Str("module", "dispatcher").Str("scene", string(r.ID)).Str("sid", string(m.ID)).Logger()
	if m.Auth == nil {
		logger.Warn().Msg("frame from unauthenticated connection")
		return
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Debug().Err(err).Msg("malformed frame")
		return
	}
	msg.Raw = raw
	h, ok := d.handlers[msg.Type]
	if !ok {
		logger.Debug().Err(domain.ErrProtocol).Str("type", msg.Type).Msg("unknown message type")
		return
	}

	broadcast, err := h(ctx, r, m, msg)
	if err != nil {
		logger.Warn().Err(err).Str("type", msg.Type).RawJSON("payload", raw).Msg("handler failed")
		if _, sendErr := r.SendTo(ctx, m.ID, ErrorFrame(msg.Type, err)); sendErr != nil {
			logger.Debug().Err(sendErr).Msg("send error frame")
		}
		return
	}
	if broadcast {
		if err := r.Broadcast(ctx, raw, m.ID); err != nil {
			logger.Debug().Err(err).Msg("broadcast")
		}
	}
}

func hostOnly(h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, r *Room, m *Member, msg Message) (bool, error) {
		if !m.IsHost() {
			return false, fmt.Errorf("%w: %s is for hosts", domain.ErrForbiddenRole, msg.Type)
		}
		return h(ctx, r, m, msg)
	}
}

func analyticsOnly(h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, r *Room, m *Member, msg Message) (bool, error) {
		if m.IsHost() {
			return false, fmt.Errorf("%w: %s is for analytics participants", domain.ErrForbiddenRole, msg.Type)
		}
		return h(ctx, r, m, msg)
	}
}
