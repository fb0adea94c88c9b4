package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/sceneroom/internal/adapters/storage/memory"
	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	full   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.full {
		return errors.New("full")
	}
	c.frames = append(c.frames, append([]byte(nil), f...))
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ofType decodes every received frame whose type is typ.
func (c *fakeConn) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type probeOutcome struct {
	live bool
	err  error
}

type fakeProbe struct {
	mu      sync.Mutex
	results map[string]probeOutcome
	calls   []string
}

func newFakeProbe() *fakeProbe { return &fakeProbe{results: map[string]probeOutcome{}} }

func (p *fakeProbe) set(url string, live bool, err error) {
	p.mu.Lock()
	p.results[url] = probeOutcome{live: live, err: err}
	p.mu.Unlock()
}

func (p *fakeProbe) CheckLive(_ context.Context, url string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, url)
	o := p.results[url]
	return o.live, o.err
}

func (p *fakeProbe) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []core.Alert
}

func (n *fakeNotifier) Notify(_ context.Context, a core.Alert) {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
}

func (n *fakeNotifier) all() []core.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]core.Alert(nil), n.alerts...)
}

type fakeValidator struct {
	hosts    map[string]domain.HostSession
	visitors map[string]domain.AnalyticsSession
}

func (v *fakeValidator) ValidateHostSession(_ context.Context, token, refresh string) (domain.HostSession, error) {
	if s, ok := v.hosts[token]; ok {
		return s, nil
	}
	if s, ok := v.hosts[refresh]; ok && refresh != "" {
		return s, nil
	}
	return domain.HostSession{}, errors.New("invalid host token")
}

func (v *fakeValidator) ValidateAnalyticsSession(_ context.Context, token string, _ domain.SceneID) (domain.AnalyticsSession, error) {
	if s, ok := v.visitors[token]; ok {
		return s, nil
	}
	return domain.AnalyticsSession{}, errors.New("invalid analytics token")
}

type testEnv struct {
	store    *memory.Store
	probe    *fakeProbe
	notifier *fakeNotifier
	audit    *Emitter
	handlers *Handlers
	dispatch *Dispatcher
}

// fixedClock pins store ts values to 100 so conflicts are predictable.
func fixedClock() time.Time { return time.UnixMilli(100) }

func newTestEnv() *testEnv {
	store := memory.NewStore().WithClock(fixedClock)
	audit := NewEmitter(store)
	h := NewHandlers(store, audit, time.Hour)
	return &testEnv{
		store:    store,
		probe:    newFakeProbe(),
		notifier: &fakeNotifier{},
		audit:    audit,
		handlers: h,
		dispatch: NewDispatcher(h),
	}
}

func (e *testEnv) deps() RoomDeps {
	return RoomDeps{
		Store:     e.store,
		Probe:     e.probe,
		Notifier:  e.notifier,
		Scheduler: SchedulerConfig{Tick: time.Hour, Timeout: time.Second, Concurrency: 4},
	}
}

// room starts a room whose ticker never fires during a test; scheduler
// ticks are driven with pollOnce.
func (e *testEnv) room(t *testing.T, id domain.SceneID) *Room {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRoom(ctx, cancel, id, e.deps())
	go r.Run()
	t.Cleanup(func() {
		r.Stop()
		<-r.Done()
	})
	return r
}

func (e *testEnv) put(t *testing.T, pk, sk string, data map[string]any) {
	t.Helper()
	_, err := e.store.ConditionalPut(context.Background(), &core.Record{PK: pk, SK: sk, Data: data}, 0)
	require.NoError(t, err)
}

func (e *testEnv) get(t *testing.T, pk, sk string) *core.Record {
	t.Helper()
	rec, err := e.store.Get(context.Background(), pk, sk)
	require.NoError(t, err)
	return rec
}

// seedScene stores scene-1 with an empty active preset p1.
func (e *testEnv) seedScene(t *testing.T) {
	t.Helper()
	e.put(t, domain.ScenePK("scene-1"), domain.SceneSK, map[string]any{
		domain.AttrName:         "Lobby",
		domain.AttrPresets:      []any{"p1"},
		domain.AttrActivePreset: "p1",
	})
	e.put(t, domain.ScenePK("scene-1"), domain.PresetSK("p1"), map[string]any{"videos": []any{}})
}

func (e *testEnv) history(t *testing.T, scene domain.SceneID) []domain.HistoryUpdate {
	t.Helper()
	list, err := e.audit.History(context.Background(), scene)
	require.NoError(t, err)
	return list
}

func host(t *testing.T, r *Room, id string) (*Member, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	m := &Member{
		ID:   core.SessionID("conn-" + id),
		Auth: domain.HostSession{UserID: id, Name: "Host " + id, SceneID: r.ID},
		Conn: conn,
	}
	require.NoError(t, r.Join(context.Background(), m))
	return m, conn
}

func visitorMember(t *testing.T, r *Room, id string) (*Member, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	m := &Member{
		ID:   core.SessionID("conn-" + id),
		Auth: domain.AnalyticsSession{SessionID: id, ConnectedWallet: domain.GuestWallet, SceneID: r.ID},
		Conn: conn,
	}
	require.NoError(t, r.Join(context.Background(), m))
	return m, conn
}

func send(t *testing.T, e *testEnv, r *Room, m *Member, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	e.dispatch.Dispatch(context.Background(), r, m, raw)
}

func setStreams(t *testing.T, r *Room, n int) {
	t.Helper()
	streams := make([]domain.SceneStream, n)
	for i := range streams {
		streams[i] = domain.SceneStream{ID: fmt.Sprintf("s%d", i), URL: fmt.Sprintf("http://live/%d", i)}
	}
	require.NoError(t, r.Update(context.Background(), func(s *State) { s.Streams = streams }))
}

func stateOf(t *testing.T, r *Room) State {
	t.Helper()
	var s State
	require.NoError(t, r.do(context.Background(), func() {
		s = *r.state
		s.Streams = append([]domain.SceneStream(nil), r.state.Streams...)
		s.NeedsUpdate = append([]string(nil), r.state.NeedsUpdate...)
	}))
	return s
}
