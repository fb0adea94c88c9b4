package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

const (
	actionCreate = "create"
	actionUpdate = "update"
	actionDelete = "delete"

	attrPresetID  = "presetId"
	attrElementID = "elementId"
)

// presetUpdate is the scene_preset_update payload. ElementData addresses the
// preset or element being changed; for instances it is the parent element
// and InstanceData the instance. ScenePreset is the parent preset of an
// element. SceneTS is the scene ts a new preset is appended under.
type presetUpdate struct {
	Action       string             `json:"action"`
	Element      domain.ElementKind `json:"element"`
	Instance     bool               `json:"instance"`
	ElementData  *itemData          `json:"elementData"`
	InstanceData *itemData          `json:"instanceData"`
	ScenePreset  *itemData          `json:"scenePreset"`
	SceneTS      int64              `json:"sceneTs"`
}

// itemData identifies a record and, depending on the action, carries its
// expected ts, the property to set or the attributes to create it with.
type itemData struct {
	ID       string         `json:"id"`
	TS       int64          `json:"ts"`
	Property string         `json:"property,omitempty"`
	Value    any            `json:"value,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// mutation is a planned transaction and the record it targets.
type mutation struct {
	ops []core.WriteOp
	sk  string
	id  string
	// presetID is the preset an element belongs to.
	presetID string
}

func (h *Handlers) scenePresetUpdate(ctx context.Context, r *Room, m *Member, msg Message) (bool, error) {
	var p presetUpdate
	if err := msg.Decode(&p); err != nil {
		return false, err
	}
	if !p.Element.Valid() {
		return false, fmt.Errorf("%w: unknown element %q", domain.ErrProtocol, p.Element)
	}
	switch p.Action {
	case actionCreate, actionUpdate, actionDelete:
	default:
		return false, fmt.Errorf("%w: unknown action %q", domain.ErrProtocol, p.Action)
	}
	if err := h.audit.Ensure(ctx, r.ID); err != nil {
		return false, err
	}

	var (
		mut mutation
		err error
	)
	switch {
	case p.Element == domain.ElementPreset:
		mut, err = h.planPreset(ctx, r.ID, m.Auth, p)
	case p.Instance:
		mut, err = h.planInstance(ctx, r.ID, m.Auth, p)
	default:
		mut, err = h.planElement(ctx, r.ID, m.Auth, p)
	}
	if err != nil {
		return false, err
	}
	if err := h.store.TransactWrite(ctx, mut.ops); err != nil {
		return false, fmt.Errorf("%s %s %s: %w", p.Action, p.Element, mut.id, err)
	}
	log.Info().Str("module", "handlers").Str("scene", string(r.ID)).Str("sid", string(m.ID)).
		Str("action", p.Action).Str("element", string(p.Element)).Str("id", mut.id).Bool("instance", p.Instance).
		Msg("scene updated")

	var rec *core.Record
	if p.Action != actionDelete {
		rec = h.ack(ctx, r, m, msg.Type, domain.ScenePK(r.ID), mut.sk, mut.id)
	}
	if p.Element == domain.ElementVideo && !p.Instance {
		h.syncVideoStream(ctx, r, mut, rec)
	}
	return true, nil
}

// syncVideoStream keeps the room's tracked streams in line with a video
// element that was just written (rec nil after a delete).
func (h *Handlers) syncVideoStream(ctx context.Context, r *Room, mut mutation, rec *core.Record) {
	var err error
	if st, ok := StreamFromVideo(mut.id, mut.presetID, rec); rec != nil && ok {
		err = r.TrackStream(ctx, st)
	} else {
		err = r.UntrackStream(ctx, mut.id)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "handlers").Str("scene", string(r.ID)).Str("stream", mut.id).Msg("sync stream")
	}
}

func (h *Handlers) planPreset(ctx context.Context, scene domain.SceneID, ac domain.AuthContext, p presetUpdate) (mutation, error) {
	d, err := requireItem("elementData", p.ElementData)
	if err != nil {
		return mutation{}, err
	}
	pk, sk := domain.ScenePK(scene), domain.PresetSK(d.ID)
	mut := mutation{sk: sk, id: d.ID, presetID: d.ID}

	switch p.Action {
	case actionCreate:
		data := copyData(d.Data)
		for _, kind := range elementKinds() {
			field, _ := kind.ListField()
			if _, ok := data[field]; !ok {
				data[field] = []any{}
			}
		}
		mut.ops = []core.WriteOp{
			{Kind: core.OpPut, PK: pk, SK: sk, Cond: core.IfNotExists(), Record: &core.Record{Data: data}},
			{Kind: core.OpListAppend, PK: pk, SK: domain.SceneSK, Cond: core.IfTSAtMost(p.SceneTS), Field: domain.AttrPresets, Value: d.ID},
			h.audit.Op(scene, h.audit.Entry(ac, domain.ActionCreate, domain.ElementPreset, d.ID, "", nil, data)),
		}
	case actionUpdate:
		return h.planSetField(ctx, scene, ac, domain.ElementPreset, sk, d, mut)
	case actionDelete:
		sceneRec, err := h.store.Get(ctx, pk, domain.SceneSK)
		if err != nil {
			return mutation{}, err
		}
		if sceneRec.Str(domain.AttrActivePreset) == d.ID {
			return mutation{}, fmt.Errorf("%w: preset %s is active", domain.ErrProtocol, d.ID)
		}
		cur, err := h.store.Get(ctx, pk, sk)
		if err != nil {
			return mutation{}, err
		}
		mut.ops = []core.WriteOp{
			h.tombstone(pk, sk, d.TS),
			{Kind: core.OpListRemove, PK: pk, SK: domain.SceneSK, Field: domain.AttrPresets, Value: d.ID},
		}
		for _, kind := range elementKinds() {
			field, _ := kind.ListField()
			for _, id := range cur.Strings(field) {
				mut.ops = append(mut.ops, h.tombstoneIfLive(ctx, pk, domain.ElementSK(kind, id))...)
			}
		}
		mut.ops = append(mut.ops, h.audit.Op(scene, h.audit.Entry(ac, domain.ActionDelete, domain.ElementPreset, d.ID, "", cur.Data, nil)))
	}
	return mut, nil
}

func (h *Handlers) planElement(ctx context.Context, scene domain.SceneID, ac domain.AuthContext, p presetUpdate) (mutation, error) {
	d, err := requireItem("elementData", p.ElementData)
	if err != nil {
		return mutation{}, err
	}
	field, _ := p.Element.ListField()
	pk, sk := domain.ScenePK(scene), domain.ElementSK(p.Element, d.ID)
	mut := mutation{sk: sk, id: d.ID}
	if p.ScenePreset != nil {
		mut.presetID = p.ScenePreset.ID
	}

	switch p.Action {
	case actionCreate:
		preset, err := requireItem("scenePreset", p.ScenePreset)
		if err != nil {
			return mutation{}, err
		}
		data := copyData(d.Data)
		data[attrPresetID] = preset.ID
		if _, ok := data[domain.AttrInstances]; !ok {
			data[domain.AttrInstances] = []any{}
		}
		mut.ops = []core.WriteOp{
			{Kind: core.OpPut, PK: pk, SK: sk, Cond: core.IfNotExists(), Record: &core.Record{Data: data}},
			{Kind: core.OpListAppend, PK: pk, SK: domain.PresetSK(preset.ID), Cond: core.IfTSAtMost(preset.TS), Field: field, Value: d.ID},
			h.audit.Op(scene, h.audit.Entry(ac, domain.ActionCreate, p.Element, d.ID, "", nil, data)),
		}
	case actionUpdate:
		mut, err = h.planSetField(ctx, scene, ac, p.Element, sk, d, mut)
		if err != nil {
			return mutation{}, err
		}
	case actionDelete:
		cur, err := h.store.Get(ctx, pk, sk)
		if err != nil {
			return mutation{}, err
		}
		if mut.presetID == "" {
			mut.presetID = cur.Str(attrPresetID)
		}
		mut.ops = []core.WriteOp{
			h.tombstone(pk, sk, d.TS),
			{Kind: core.OpListRemove, PK: pk, SK: domain.PresetSK(mut.presetID), Field: field, Value: d.ID},
		}
		for _, id := range cur.Strings(domain.AttrInstances) {
			mut.ops = append(mut.ops, h.tombstoneIfLive(ctx, pk, domain.InstanceSK(p.Element, id))...)
		}
		mut.ops = append(mut.ops, h.audit.Op(scene, h.audit.Entry(ac, domain.ActionDelete, p.Element, d.ID, "", cur.Data, nil)))
	}
	return mut, nil
}

func (h *Handlers) planInstance(ctx context.Context, scene domain.SceneID, ac domain.AuthContext, p presetUpdate) (mutation, error) {
	d, err := requireItem("instanceData", p.InstanceData)
	if err != nil {
		return mutation{}, err
	}
	pk, sk := domain.ScenePK(scene), domain.InstanceSK(p.Element, d.ID)
	mut := mutation{sk: sk, id: d.ID}

	switch p.Action {
	case actionCreate:
		parent, err := requireItem("elementData", p.ElementData)
		if err != nil {
			return mutation{}, err
		}
		data := copyData(d.Data)
		data[attrElementID] = parent.ID
		mut.ops = []core.WriteOp{
			{Kind: core.OpPut, PK: pk, SK: sk, Cond: core.IfNotExists(), Record: &core.Record{Data: data}},
			{Kind: core.OpListAppend, PK: pk, SK: domain.ElementSK(p.Element, parent.ID), Cond: core.IfTSAtMost(parent.TS), Field: domain.AttrInstances, Value: d.ID},
			h.audit.Op(scene, h.audit.Entry(ac, domain.ActionCreate, p.Element, d.ID, "", nil, data)),
		}
	case actionUpdate:
		return h.planSetField(ctx, scene, ac, p.Element, sk, d, mut)
	case actionDelete:
		cur, err := h.store.Get(ctx, pk, sk)
		if err != nil {
			return mutation{}, err
		}
		parentID := cur.Str(attrElementID)
		if p.ElementData != nil && p.ElementData.ID != "" {
			parentID = p.ElementData.ID
		}
		mut.ops = []core.WriteOp{
			h.tombstone(pk, sk, d.TS),
			{Kind: core.OpListRemove, PK: pk, SK: domain.ElementSK(p.Element, parentID), Field: domain.AttrInstances, Value: d.ID},
			h.audit.Op(scene, h.audit.Entry(ac, domain.ActionDelete, p.Element, d.ID, "", cur.Data, nil)),
		}
	}
	return mut, nil
}

// planSetField is a single-property edit guarded by the caller's ts.
func (h *Handlers) planSetField(ctx context.Context, scene domain.SceneID, ac domain.AuthContext, kind domain.ElementKind, sk string, d *itemData, mut mutation) (mutation, error) {
	if d.Property == "" {
		return mutation{}, fmt.Errorf("%w: missing property", domain.ErrProtocol)
	}
	pk := domain.ScenePK(scene)
	cur, err := h.store.Get(ctx, pk, sk)
	if err != nil {
		return mutation{}, err
	}
	if mut.presetID == "" {
		mut.presetID = cur.Str(attrPresetID)
	}
	mut.ops = []core.WriteOp{
		{Kind: core.OpSetField, PK: pk, SK: sk, Cond: core.IfTSEquals(d.TS), Field: d.Property, Value: d.Value},
		h.audit.Op(scene, h.audit.Entry(ac, domain.ActionUpdate, kind, d.ID, d.Property, cur.Data[d.Property], d.Value)),
	}
	return mut, nil
}

// tombstone guards a delete with the caller's ts when one is given.
func (h *Handlers) tombstone(pk, sk string, ts int64) core.WriteOp {
	cond := core.IfExists()
	if ts > 0 {
		cond = core.IfTSEquals(ts)
	}
	return core.WriteOp{Kind: core.OpTombstone, PK: pk, SK: sk, Cond: cond, TTL: h.tombstoneTTL}
}

// tombstoneIfLive cascades a delete to a child record that may already be
// gone.
func (h *Handlers) tombstoneIfLive(ctx context.Context, pk, sk string) []core.WriteOp {
	if _, err := h.store.Get(ctx, pk, sk); err != nil {
		return nil
	}
	return []core.WriteOp{{Kind: core.OpTombstone, PK: pk, SK: sk, TTL: h.tombstoneTTL}}
}

type settingUpdate struct {
	Property string `json:"property"`
	Value    any    `json:"value"`
	TS       int64  `json:"ts"`
}

func (h *Handlers) sceneSettingUpdate(ctx context.Context, r *Room, m *Member, msg Message) (bool, error) {
	var p settingUpdate
	if err := msg.Decode(&p); err != nil {
		return false, err
	}
	switch p.Property {
	case "":
		return false, fmt.Errorf("%w: missing property", domain.ErrProtocol)
	case domain.AttrPresets, domain.AttrActivePreset:
		return false, fmt.Errorf("%w: %s is not a setting", domain.ErrProtocol, p.Property)
	}
	pk := domain.ScenePK(r.ID)
	cur, err := h.store.Get(ctx, pk, domain.SceneSK)
	if err != nil {
		return false, err
	}
	if err := h.audit.Ensure(ctx, r.ID); err != nil {
		return false, err
	}
	upd := h.audit.Entry(m.Auth, domain.ActionUpdate, "", string(r.ID), p.Property, cur.Data[p.Property], p.Value)
	err = h.store.TransactWrite(ctx, []core.WriteOp{
		{Kind: core.OpSetField, PK: pk, SK: domain.SceneSK, Cond: core.IfTSEquals(p.TS), Field: p.Property, Value: p.Value},
		h.audit.Op(r.ID, upd),
	})
	if err != nil {
		return false, fmt.Errorf("update setting %s: %w", p.Property, err)
	}
	h.ack(ctx, r, m, msg.Type, pk, domain.SceneSK, string(r.ID))
	if name, ok := p.Value.(string); ok && p.Property == domain.AttrName {
		if err := r.Update(ctx, func(s *State) { s.Name = name }); err != nil {
			return false, err
		}
	}
	return true, nil
}

type presetChange struct {
	PresetID string `json:"presetId"`
	TS       int64  `json:"ts"`
}

func (h *Handlers) sceneChangePreset(ctx context.Context, r *Room, m *Member, msg Message) (bool, error) {
	var p presetChange
	if err := msg.Decode(&p); err != nil {
		return false, err
	}
	if p.PresetID == "" {
		return false, fmt.Errorf("%w: missing presetId", domain.ErrProtocol)
	}
	pk := domain.ScenePK(r.ID)
	if _, err := h.store.Get(ctx, pk, domain.PresetSK(p.PresetID)); err != nil {
		return false, err
	}
	cur, err := h.store.Get(ctx, pk, domain.SceneSK)
	if err != nil {
		return false, err
	}
	if err := h.audit.Ensure(ctx, r.ID); err != nil {
		return false, err
	}
	prev := cur.Str(domain.AttrActivePreset)
	upd := h.audit.Entry(m.Auth, domain.ActionChangePreset, domain.ElementPreset, p.PresetID, domain.AttrActivePreset, prev, p.PresetID)
	err = h.store.TransactWrite(ctx, []core.WriteOp{
		{Kind: core.OpSetField, PK: pk, SK: domain.SceneSK, Cond: core.IfTSEquals(p.TS), Field: domain.AttrActivePreset, Value: p.PresetID},
		h.audit.Op(r.ID, upd),
	})
	if err != nil {
		return false, fmt.Errorf("change preset: %w", err)
	}
	h.ack(ctx, r, m, msg.Type, pk, domain.SceneSK, string(r.ID))

	streams, err := LoadStreams(ctx, h.store, r.ID, p.PresetID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Warn().Err(err).Str("module", "handlers").Str("scene", string(r.ID)).Msg("load streams")
	}
	if err := r.ReplaceStreams(ctx, p.PresetID, streams); err != nil {
		return false, err
	}
	return true, nil
}

func requireItem(name string, d *itemData) (*itemData, error) {
	if d == nil || d.ID == "" {
		return nil, fmt.Errorf("%w: missing %s.id", domain.ErrProtocol, name)
	}
	return d, nil
}

func copyData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func elementKinds() []domain.ElementKind {
	return []domain.ElementKind{
		domain.ElementVideo, domain.ElementImage, domain.ElementNFT, domain.ElementSound,
		domain.ElementWidget, domain.ElementModel, domain.ElementClaim,
	}
}
