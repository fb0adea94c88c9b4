package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

var ErrRoomClosed = errors.New("room closed")

const inboxSize = 64

// Member is one authenticated connection in a room's roster. Auth is set
// before the member is admitted and never changes.
type Member struct {
	ID   core.SessionID
	Auth domain.AuthContext
	Conn core.SignalConnection
}

func (m *Member) IsHost() bool { return domain.IsHost(m.Auth) }

func (m *Member) Participant() Participant {
	p := Participant{ConnID: m.ID, ID: m.Auth.ActorID(), DisplayName: m.Auth.DisplayName()}
	switch a := m.Auth.(type) {
	case domain.HostSession:
		p.Role = "host"
		p.ConnectedWallet = a.ConnectedWallet
	case domain.AnalyticsSession:
		p.Role = "analytics"
		p.ConnectedWallet = a.ConnectedWallet
		p.Location = a.Location
	}
	return p
}

type SchedulerConfig struct {
	Tick        time.Duration
	Timeout     time.Duration
	Concurrency int
}

// RoomDeps are the collaborators shared by every room of a manager.
type RoomDeps struct {
	Store       core.Store
	Probe       core.LivenessProbe
	Notifier    core.Notifier
	Policy      Policy
	Scheduler   SchedulerConfig
	IdleTimeout time.Duration
}

type RoomInfo struct {
	SceneID domain.SceneID       `json:"sceneId"`
	Name    string               `json:"name"`
	Members int                  `json:"members"`
	Hosts   int                  `json:"hosts"`
	Streams []domain.SceneStream `json:"streams"`
}

// Room owns the replicated state and roster of one scene. Everything
// below the loop-owned marker is read and written only by Run.
type Room struct {
	ID     domain.SceneID
	deps   RoomDeps
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}
	onIdle func(*Room)
	log    zerolog.Logger

	polling atomic.Bool

	// loop-owned
	state        *State
	members      map[core.SessionID]*Member
	activePreset string
	overLimit    bool
	emptySince   time.Time
}

func NewRoom(ctx context.Context, cancel context.CancelFunc, id domain.SceneID, deps RoomDeps) *Room {
	if deps.Policy == nil {
		deps.Policy = SimplePolicy{}
	}
	if deps.Scheduler.Tick <= 0 {
		deps.Scheduler.Tick = time.Second
	}
	if deps.Scheduler.Concurrency < 1 {
		deps.Scheduler.Concurrency = 1
	}
	return &Room{
		ID:         id,
		deps:       deps,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan func(), inboxSize),
		done:       make(chan struct{}),
		log:        log.With().Str("module", "room").Str("scene", string(id)).Logger(),
		state:      NewState(id, ""),
		members:    make(map[core.SessionID]*Member),
		emptySince: time.Now(),
	}
}

func (r *Room) Run() {
	defer close(r.done)
	r.load(r.ctx)
	r.log.Info().Int("streams", len(r.state.Streams)).Msg("room started")

	ticker := time.NewTicker(r.deps.Scheduler.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			r.closeAll()
			r.log.Info().Msg("room stopped")
			return
		case fn := <-r.inbox:
			fn()
		case <-ticker.C:
			if r.idle() {
				r.emptySince = time.Time{}
				if r.onIdle != nil {
					go r.onIdle(r)
				}
				continue
			}
			if !r.polling.Load() {
				go func() {
					if err := r.pollOnce(r.ctx); err != nil && !errors.Is(err, ErrRoomClosed) {
						r.log.Warn().Err(err).Msg("poll streams")
					}
				}()
			}
		}
	}
}

// Stop cancels the loop without waiting; it is safe to call from the loop.
func (r *Room) Stop() { r.cancel() }

func (r *Room) Done() <-chan struct{} { return r.done }

// do runs fn on the loop and waits for it.
func (r *Room) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case r.inbox <- func() { fn(); close(finished) }:
	case <-r.ctx.Done():
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join admits m to the roster and sends it the full state.
func (r *Room) Join(ctx context.Context, m *Member) error {
	if m.Auth == nil {
		return domain.ErrAuthentication
	}
	return r.do(ctx, func() {
		r.members[m.ID] = m
		r.emptySince = time.Time{}
		r.sendLocked(m, encode(stateMsg{Type: TypeState, State: r.state}))
		r.log.Info().Str("sid", string(m.ID)).Bool("host", m.IsHost()).Int("members", len(r.members)).Msg("member joined")
	})
}

// Leave drops sid from the roster and from the status queue.
func (r *Room) Leave(ctx context.Context, sid core.SessionID) error {
	return r.do(ctx, func() {
		m, ok := r.members[sid]
		if !ok {
			return
		}
		r.removeLocked(m)
		r.log.Info().Str("sid", string(sid)).Int("members", len(r.members)).Msg("member left")
	})
}

// Update mutates the replicated state and broadcasts the resulting patch.
func (r *Room) Update(ctx context.Context, fn func(*State)) error {
	var err error
	if doErr := r.do(ctx, func() { err = r.applyLocked(fn) }); doErr != nil {
		return doErr
	}
	return err
}

// Broadcast sends frame to every member except the one with id except.
func (r *Room) Broadcast(ctx context.Context, frame core.Frame, except core.SessionID) error {
	return r.BroadcastTo(ctx, frame, func(m *Member) bool { return m.ID != except })
}

// BroadcastTo sends frame to every member accepted by filter.
func (r *Room) BroadcastTo(ctx context.Context, frame core.Frame, filter func(*Member) bool) error {
	return r.do(ctx, func() {
		for _, m := range r.roster() {
			if filter(m) {
				r.sendLocked(m, frame)
			}
		}
	})
}

// SendTo reports whether sid was still connected.
func (r *Room) SendTo(ctx context.Context, sid core.SessionID, frame core.Frame) (bool, error) {
	var sent bool
	err := r.do(ctx, func() {
		if m, ok := r.members[sid]; ok {
			sent = r.sendLocked(m, frame)
		}
	})
	return sent, err
}

// Disconnect sends frame to every member matching filter, then closes and
// removes them. It returns how many were removed.
func (r *Room) Disconnect(ctx context.Context, frame core.Frame, filter func(*Member) bool) (int, error) {
	var n int
	err := r.do(ctx, func() {
		for _, m := range r.roster() {
			if !filter(m) {
				continue
			}
			if frame != nil {
				_ = m.Conn.TrySend(frame)
			}
			r.removeLocked(m)
			m.Conn.Close()
			n++
		}
	})
	return n, err
}

func (r *Room) Participants(ctx context.Context) ([]Participant, error) {
	var out []Participant
	err := r.do(ctx, func() {
		out = make([]Participant, 0, len(r.members))
		for _, m := range r.roster() {
			out = append(out, m.Participant())
		}
	})
	return out, err
}

func (r *Room) Info(ctx context.Context) (RoomInfo, error) {
	var info RoomInfo
	err := r.do(ctx, func() {
		info = RoomInfo{
			SceneID: r.ID,
			Name:    r.state.Name,
			Members: len(r.members),
			Streams: append([]domain.SceneStream(nil), r.state.Streams...),
		}
		for _, m := range r.members {
			if m.IsHost() {
				info.Hosts++
			}
		}
	})
	return info, err
}

func (r *Room) ActivePreset(ctx context.Context) (string, error) {
	var id string
	err := r.do(ctx, func() { id = r.activePreset })
	return id, err
}

// ReplaceStreams switches the tracked streams to those of presetID.
func (r *Room) ReplaceStreams(ctx context.Context, presetID string, streams []domain.SceneStream) error {
	return r.Update(ctx, func(s *State) {
		r.activePreset = presetID
		s.Streams = streams
		s.StreamIndex = 0
	})
}

// TrackStream adds or refreshes st when it belongs to the active preset.
func (r *Room) TrackStream(ctx context.Context, st domain.SceneStream) error {
	return r.Update(ctx, func(s *State) {
		if st.PresetID == r.activePreset {
			s.UpsertStream(st)
		}
	})
}

func (r *Room) UntrackStream(ctx context.Context, id string) error {
	return r.Update(ctx, func(s *State) { s.RemoveStream(id) })
}

func (r *Room) applyLocked(fn func(*State)) error {
	patch, err := r.state.Apply(fn)
	if err != nil {
		return err
	}
	if patch == nil {
		return nil
	}
	frame := encode(statePatchMsg{Type: TypeStatePatch, Patch: patch})
	for _, m := range r.roster() {
		r.sendLocked(m, frame)
	}
	return nil
}

// sendLocked delivers frame or applies the backpressure policy.
func (r *Room) sendLocked(m *Member, frame core.Frame) bool {
	if frame == nil {
		return false
	}
	if err := m.Conn.TrySend(frame); err == nil {
		return true
	}
	switch r.deps.Policy.OnBackPressure(r, m) {
	case KickMember:
		r.log.Warn().Str("sid", string(m.ID)).Msg("slow member kicked")
		r.removeLocked(m)
		m.Conn.Close()
	case DropFrame:
		r.log.Debug().Str("sid", string(m.ID)).Msg("frame dropped")
	}
	return false
}

func (r *Room) removeLocked(m *Member) {
	if _, ok := r.members[m.ID]; !ok {
		return
	}
	delete(r.members, m.ID)
	if len(r.members) == 0 {
		r.emptySince = time.Now()
	}
	if !m.IsHost() {
		if err := r.applyLocked(func(s *State) { s.Dequeue(m.Auth.ActorID()) }); err != nil {
			r.log.Error().Err(err).Msg("dequeue participant")
		}
	}
}

// roster returns a copy so sends may remove members while iterating.
func (r *Room) roster() []*Member {
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

func (r *Room) idle() bool {
	if r.deps.IdleTimeout <= 0 || len(r.members) > 0 || r.emptySince.IsZero() {
		return false
	}
	return time.Since(r.emptySince) >= r.deps.IdleTimeout
}

func (r *Room) closeAll() {
	for _, m := range r.roster() {
		delete(r.members, m.ID)
		m.Conn.Close()
	}
}

// load reads the scene name and the active preset's streams.
func (r *Room) load(ctx context.Context) {
	store := r.deps.Store
	if store == nil {
		return
	}
	scene, err := store.Get(ctx, domain.ScenePK(r.ID), domain.SceneSK)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.log.Error().Err(err).Msg("load scene")
		}
		return
	}
	r.activePreset = scene.Str(domain.AttrActivePreset)
	streams, err := LoadStreams(ctx, store, r.ID, r.activePreset)
	if err != nil {
		r.log.Error().Err(err).Str("preset", r.activePreset).Msg("load streams")
	}
	r.state.Name = scene.Str(domain.AttrName)
	r.state.Streams = streams
	r.state.normalize()
}
