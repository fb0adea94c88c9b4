package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

const (
	attrWallet    = "connectedWallet"
	attrLocation  = "location"
	attrStartedAt = "startedAt"
	attrEndedAt   = "endedAt"
)

type sessionStart struct {
	Session map[string]any `json:"session"`
}

// sessionStart records an analytics visit and tells the hosts about it. A
// session that already exists is resumed with its recorded actions.
func (h *Handlers) sessionStart(ctx context.Context, r *Room, m *Member, msg Message) (bool, error) {
	var p sessionStart
	if err := msg.Decode(&p); err != nil {
		return false, err
	}
	ac := m.Auth.(domain.AnalyticsSession)
	pk := domain.SessionPK(r.ID)
	data := copyData(p.Session)
	data[attrWallet] = ac.ConnectedWallet
	data[attrLocation] = ac.Location
	data[attrStartedAt] = h.now().UnixMilli()
	data[domain.AttrActions] = []any{}
	err := h.store.TransactWrite(ctx, []core.WriteOp{{
		Kind:   core.OpPut,
		PK:     pk,
		SK:     ac.SessionID,
		Cond:   core.IfNotExists(),
		Record: &core.Record{Data: data},
	}})
	if errors.Is(err, domain.ErrConcurrentModification) {
		rec, getErr := h.store.Get(ctx, pk, ac.SessionID)
		if getErr != nil {
			return false, fmt.Errorf("resume session: %w", getErr)
		}
		log.Debug().Str("module", "handlers").Str("scene", string(r.ID)).Str("session", ac.SessionID).Msg("session resumed")
		data, err = rec.Data, nil
	}
	if err != nil {
		return false, fmt.Errorf("store session: %w", err)
	}
	frame := encode(sessionStartedMsg{Type: TypeSessionStarted, Session: data, User: m.Participant()})
	return false, r.BroadcastTo(ctx, frame, (*Member).IsHost)
}

type sessionAction struct {
	Action any `json:"action"`
}

func (h *Handlers) sessionAction(ctx context.Context, r *Room, m *Member, msg Message) (bool, error) {
	var p sessionAction
	if err := msg.Decode(&p); err != nil {
		return false, err
	}
	if p.Action == nil {
		return false, fmt.Errorf("%w: missing action", domain.ErrProtocol)
	}
	entry := map[string]any{"action": p.Action, "ts": h.now().UnixMilli()}
	err := h.store.TransactWrite(ctx, []core.WriteOp{{
		Kind:   core.OpListAppend,
		PK:     domain.SessionPK(r.ID),
		SK:     m.Auth.ActorID(),
		Field:  domain.AttrActions,
		Value:  entry,
		Upsert: true,
	}})
	if err != nil {
		return false, fmt.Errorf("record action: %w", err)
	}
	return false, nil
}

func (h *Handlers) sessionEnd(ctx context.Context, r *Room, m *Member, _ Message) (bool, error) {
	err := h.store.TransactWrite(ctx, []core.WriteOp{{
		Kind:   core.OpSetField,
		PK:     domain.SessionPK(r.ID),
		SK:     m.Auth.ActorID(),
		Field:  attrEndedAt,
		Value:  h.now().UnixMilli(),
		Upsert: true,
	}})
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	return false, r.Update(ctx, func(s *State) { s.Dequeue(m.Auth.ActorID()) })
}

func (h *Handlers) hostJoined(ctx context.Context, r *Room, m *Member, _ Message) (bool, error) {
	return true, h.audit.Record(ctx, r.ID, h.audit.Entry(m.Auth, domain.ActionHostJoined, "", "", "", nil, nil))
}

func (h *Handlers) hostLeft(ctx context.Context, r *Room, m *Member, _ Message) (bool, error) {
	return true, h.audit.Record(ctx, r.ID, h.audit.Entry(m.Auth, domain.ActionHostLeft, "", "", "", nil, nil))
}

func (h *Handlers) analyticsUserJoined(context.Context, *Room, *Member, Message) (bool, error) {
	return true, nil
}

func (h *Handlers) sendActiveUsers(ctx context.Context, r *Room, m *Member, _ Message) (bool, error) {
	all, err := r.Participants(ctx)
	if err != nil {
		return false, err
	}
	users := make([]Participant, 0, len(all))
	for _, p := range all {
		if p.Role != "host" {
			users = append(users, p)
		}
	}
	_, err = r.SendTo(ctx, m.ID, encode(activeUsersMsg{Type: TypeActiveUsers, ActiveUsers: users}))
	return false, err
}

type giveawayClaim struct {
	GiveawayID string `json:"giveawayId"`
}

const (
	claimSuccess = "success"
	claimError   = "error"
)

// giveawayClaim adds the visitor to a giveaway's claims while it is under
// its limit. Refusals are answered with a response, not an error frame.
func (h *Handlers) giveawayClaim(ctx context.Context, r *Room, m *Member, msg Message) (bool, error) {
	var p giveawayClaim
	if err := msg.Decode(&p); err != nil {
		return false, err
	}
	reply := func(kind, reason string) (bool, error) {
		_, err := r.SendTo(ctx, m.ID, encode(giveawayResponseMsg{Type: TypeGiveawayClaimResponse, ResponseType: kind, Reason: reason}))
		return false, err
	}
	if p.GiveawayID == "" {
		return reply(claimError, "missing giveawayId")
	}

	pk := domain.GiveawayPK(p.GiveawayID)
	rec, err := h.store.Get(ctx, pk, domain.GiveawaySK)
	if errors.Is(err, domain.ErrNotFound) {
		return reply(claimError, "giveaway not found")
	}
	if err != nil {
		return false, err
	}
	sid := m.Auth.ActorID()
	claims := rec.Strings(domain.AttrClaims)
	for _, c := range claims {
		if c == sid {
			return reply(claimError, "already claimed")
		}
	}
	if limit, ok := number(rec.Data[domain.AttrClaimLimit]); ok && int64(len(claims)) >= limit {
		return reply(claimError, "claim limit reached")
	}

	err = h.store.TransactWrite(ctx, []core.WriteOp{{
		Kind:  core.OpListAppend,
		PK:    pk,
		SK:    domain.GiveawaySK,
		Cond:  core.IfTSEquals(rec.TS),
		Field: domain.AttrClaims,
		Value: sid,
	}})
	if errors.Is(err, domain.ErrConcurrentModification) {
		log.Debug().Err(err).Str("module", "handlers").Str("giveaway", p.GiveawayID).Msg("claim raced")
		return reply(claimError, "giveaway busy, try again")
	}
	if err != nil {
		return false, fmt.Errorf("claim giveaway: %w", err)
	}
	return reply(claimSuccess, "")
}

func number(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
