package app

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

// Outbound message types.
const (
	TypeState                 = "state"
	TypeStatePatch            = "state_patch"
	TypeStreamStatusChanged   = "stream_status_changed"
	TypeSessionStarted        = "session_started"
	TypeActiveUsers           = "send_active_users"
	TypeGiveawayClaimResponse = "giveaway_claim_response"
	TypeModeratorMessage      = "moderator_message"
	TypeForceDisconnected     = "force_disconnected"
	TypeAck                   = "ack"
	TypeError                 = "error"
	TypePong                  = "pong"
)

type stateMsg struct {
	Type  string `json:"type"`
	State *State `json:"state"`
}

type statePatchMsg struct {
	Type  string          `json:"type"`
	Patch json.RawMessage `json:"patch"`
}

type streamStatusMsg struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Status bool   `json:"status"`
	URL    string `json:"url"`
}

type sessionStartedMsg struct {
	Type    string         `json:"type"`
	Session map[string]any `json:"session"`
	User    Participant    `json:"user"`
}

type activeUsersMsg struct {
	Type        string        `json:"type"`
	ActiveUsers []Participant `json:"activeUsers"`
}

type giveawayResponseMsg struct {
	Type         string `json:"type"`
	ResponseType string `json:"responseType"`
	Reason       string `json:"reason,omitempty"`
}

type moderatorMsg struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Message string `json:"message"`
}

type forceDisconnectedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ackMsg tells the sender the ts its accepted write produced, so its next
// conditional edit can use it.
type ackMsg struct {
	Type    string `json:"type"`
	Request string `json:"request"`
	ID      string `json:"id,omitempty"`
	TS      int64  `json:"ts,omitempty"`
}

type errorMsg struct {
	Type     string `json:"type"`
	Code     string `json:"error"`
	Message  string `json:"message"`
	Request  string `json:"request,omitempty"`
	Expected *int64 `json:"expectedTs,omitempty"`
	Actual   *int64 `json:"actualTs,omitempty"`
}

// Participant is the public view of a roster member.
type Participant struct {
	ConnID          core.SessionID `json:"connId"`
	Role            string         `json:"role"`
	ID              string         `json:"id"`
	DisplayName     string         `json:"displayName"`
	ConnectedWallet string         `json:"connectedWallet,omitempty"`
	Location        string         `json:"location,omitempty"`
}

// ErrorFrame maps err onto the error message sent to a client.
func ErrorFrame(request string, err error) core.Frame {
	msg := errorMsg{Type: TypeError, Message: err.Error(), Request: request}
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		msg.Code = "conflict"
		msg.Expected, msg.Actual = &conflict.Expected, &conflict.Actual
	case errors.Is(err, domain.ErrConcurrentModification):
		msg.Code = "conflict"
	case errors.Is(err, domain.ErrAuthentication):
		msg.Code = "authentication"
	case errors.Is(err, domain.ErrForbiddenRole):
		msg.Code = "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		msg.Code = "not_found"
	case errors.Is(err, domain.ErrProtocol):
		msg.Code = "protocol"
	default:
		msg.Code = "internal"
	}
	return encode(msg)
}

func encode(v any) core.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Msg("encode frame")
		return nil
	}
	return b
}
