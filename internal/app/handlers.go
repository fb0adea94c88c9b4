package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

// Handlers carries the collaborators message handlers share.
type Handlers struct {
	store        core.Store
	audit        *Emitter
	tombstoneTTL time.Duration
	now          func() time.Time
}

func NewHandlers(store core.Store, audit *Emitter, tombstoneTTL time.Duration) *Handlers {
	return &Handlers{store: store, audit: audit, tombstoneTTL: tombstoneTTL, now: time.Now}
}

// ack reads back the record a request wrote and tells the sender its ts.
func (h *Handlers) ack(ctx context.Context, r *Room, m *Member, request, pk, sk, id string) *core.Record {
	rec, err := h.store.Get(ctx, pk, sk)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Str("module", "handlers").Str("scene", string(r.ID)).Msg("read back")
		}
		return nil
	}
	_, _ = r.SendTo(ctx, m.ID, encode(ackMsg{Type: TypeAck, Request: request, ID: id, TS: rec.TS}))
	return rec
}

func (h *Handlers) ping(ctx context.Context, r *Room, m *Member, _ Message) (bool, error) {
	_, err := r.SendTo(ctx, m.ID, encode(map[string]string{"type": TypePong}))
	return false, err
}
