package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

const historyRootField = "root"

// Emitter records History Updates in a scene's history log.
type Emitter struct {
	store core.Store
	now   func() time.Time
}

func NewEmitter(store core.Store) *Emitter {
	return &Emitter{store: store, now: time.Now}
}

// Entry builds a History Update attributed to ac.
func (e *Emitter) Entry(ac domain.AuthContext, action string, el domain.ElementKind, id, property string, from, to any) domain.HistoryUpdate {
	return domain.HistoryUpdate{
		ID:          ulid.Make().String(),
		ActorID:     ac.ActorID(),
		DisplayName: ac.DisplayName(),
		Action:      action,
		Element:     el,
		ElementID:   id,
		Property:    property,
		From:        from,
		To:          to,
		TS:          e.now().UnixMilli(),
	}
}

// Op is the transaction item appending upd to the log. It never conflicts,
// so edits to unrelated records of one scene do not contend on the log.
func (e *Emitter) Op(scene domain.SceneID, upd domain.HistoryUpdate) core.WriteOp {
	return core.WriteOp{
		Kind:  core.OpLogAppend,
		PK:    domain.HistoryPK(scene),
		SK:    domain.HistorySK,
		Value: upd,
	}
}

// History returns the scene's History Updates, oldest first.
func (e *Emitter) History(ctx context.Context, scene domain.SceneID) ([]domain.HistoryUpdate, error) {
	entries, err := e.store.ReadLog(ctx, domain.HistoryPK(scene), domain.HistorySK)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]domain.HistoryUpdate, 0, len(entries))
	for _, raw := range entries {
		var upd domain.HistoryUpdate
		if err := json.Unmarshal(raw, &upd); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		out = append(out, upd)
	}
	return out, nil
}

// Ensure creates the history root, a copy of the scene record taken before
// the first logged change, unless it already exists.
func (e *Emitter) Ensure(ctx context.Context, scene domain.SceneID) error {
	_, err := e.store.Get(ctx, domain.HistoryPK(scene), domain.HistorySK)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("read history: %w", err)
	}

	var root map[string]any
	if rec, err := e.store.Get(ctx, domain.ScenePK(scene), domain.SceneSK); err == nil {
		root = rec.Data
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("read scene: %w", err)
	}
	log.Debug().Str("module", "audit").Str("scene", string(scene)).Msg("creating history log")
	_, err = e.store.ConditionalPut(ctx, &core.Record{
		PK:   domain.HistoryPK(scene),
		SK:   domain.HistorySK,
		Data: map[string]any{historyRootField: root},
	}, 0)
	if err != nil && !errors.Is(err, domain.ErrConcurrentModification) {
		return fmt.Errorf("create history: %w", err)
	}
	return nil
}

// Record writes a standalone lifecycle event.
func (e *Emitter) Record(ctx context.Context, scene domain.SceneID, upd domain.HistoryUpdate) error {
	if err := e.Ensure(ctx, scene); err != nil {
		return err
	}
	if err := e.store.TransactWrite(ctx, []core.WriteOp{e.Op(scene, upd)}); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}
