package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/sceneroom/internal/app"
	"github.com/dkeye/sceneroom/internal/domain"
)

const writeWait = 5 * time.Second

var ErrRateLimited = fmt.Errorf("%w: rate limit exceeded", domain.ErrProtocol)

func (ctl *SceneWSController) writePump(ctx context.Context, logger zerolog.Logger, c *WsSignalConn) {
	var ping <-chan time.Time
	if ctl.Opts.PingPeriod > 0 {
		t := time.NewTicker(ctl.Opts.PingPeriod)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug().Err(err).Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SceneWSController) readPump(ctx context.Context, cancel context.CancelFunc, logger zerolog.Logger, room *app.Room, m *app.Member, c *WsSignalConn) {
	defer func() {
		logger.Info().Msg("readPump closing")
		cancel()
		if err := room.Leave(context.Background(), m.ID); err != nil {
			logger.Debug().Err(err).Msg("leave room")
		}
		if ctl.Limiter != nil {
			ctl.Limiter.Forget(m.ID)
		}
		c.Close()
	}()

	if ctl.Opts.PingPeriod > 0 {
		pongWait := 2 * ctl.Opts.PingPeriod
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if ctl.Limiter != nil && !ctl.Limiter.Allow(m.ID) {
			logger.Warn().Msg("frame rate limited")
			_ = c.TrySend(app.ErrorFrame("", ErrRateLimited))
			continue
		}
		ctl.Dispatcher.Dispatch(ctx, room, m, data)
	}
}
