package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/app"
	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

// CloseAuthFailed is the websocket close code sent when the handshake is
// rejected.
const CloseAuthFailed = 4001

const sendBuffer = 64

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
)

type Options struct {
	ReadLimit   int64
	PingPeriod  time.Duration
	AuthTimeout time.Duration
}

// SceneWSController serves the scene websocket endpoint.
type SceneWSController struct {
	Rooms      *app.RoomManager
	Auth       *app.Authenticator
	Dispatcher *app.Dispatcher
	Limiter    *ConnRateLimiter
	Opts       Options
}

func NewSceneWSController(rooms *app.RoomManager, auth *app.Authenticator, d *app.Dispatcher, limiter *ConnRateLimiter, opts Options) *SceneWSController {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	return &SceneWSController{Rooms: rooms, Auth: auth, Dispatcher: d, Limiter: limiter, Opts: opts}
}

// WsSignalConn is the core.SignalConnection of one websocket. Frames are
// queued and written by writePump.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleScene upgrades the request, authenticates the first frame and
// admits the connection to the scene's room.
func (ctl *SceneWSController) HandleScene(ctx context.Context, c *gin.Context) {
	scene := domain.SceneID(c.Param("sceneId"))
	sid := core.SessionID(uuid.NewString())
	logger := log.With().Str("module", "signal").Str("scene", string(scene)).Str("sid", string(sid)).
		Str("device", c.GetString("client_token")).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.Opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Opts.ReadLimit)
	}

	hs, err := ctl.readHandshake(ws)
	if err == nil {
		var ac domain.AuthContext
		if ac, err = ctl.Auth.Authenticate(ctx, scene, hs); err == nil {
			ctl.start(ctx, logger, scene, &app.Member{ID: sid, Auth: ac}, ws)
			return
		}
	}
	logger.Warn().Err(err).Msg("handshake rejected")
	reject(ws, err)
}

func (ctl *SceneWSController) start(ctx context.Context, logger zerolog.Logger, scene domain.SceneID, m *app.Member, ws *websocket.Conn) {
	conn := &WsSignalConn{conn: ws, send: make(chan core.Frame, sendBuffer)}
	m.Conn = conn
	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, logger, conn)

	room, err := ctl.admit(ctx, scene, m)
	if err != nil {
		logger.Error().Err(err).Msg("admit")
		cancel()
		conn.Close()
		return
	}
	logger.Info().Bool("host", m.IsHost()).Str("actor", m.Auth.ActorID()).Msg("connection admitted")
	go ctl.readPump(ctx, cancel, logger, room, m, conn)
}

// admit retries once when the room was evicted between lookup and join.
func (ctl *SceneWSController) admit(ctx context.Context, scene domain.SceneID, m *app.Member) (*app.Room, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		room := ctl.Rooms.GetOrCreate(scene)
		if err = ctl.Auth.Admit(ctx, room, m); !errors.Is(err, app.ErrRoomClosed) {
			return room, err
		}
	}
	return nil, err
}

func (ctl *SceneWSController) readHandshake(ws *websocket.Conn) (domain.Handshake, error) {
	var hs domain.Handshake
	if err := ws.SetReadDeadline(time.Now().Add(ctl.Opts.AuthTimeout)); err != nil {
		return hs, err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return hs, fmt.Errorf("%w: read handshake: %v", domain.ErrAuthentication, err)
	}
	if err := json.Unmarshal(data, &hs); err != nil {
		return hs, fmt.Errorf("%w: decode handshake: %v", domain.ErrAuthentication, err)
	}
	return hs, ws.SetReadDeadline(time.Time{})
}

func reject(ws *websocket.Conn, err error) {
	deadline := time.Now().Add(time.Second)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteMessage(websocket.TextMessage, app.ErrorFrame("handshake", err))
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseAuthFailed, "authentication failed"), deadline)
	_ = ws.Close()
}
