package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/sceneroom/internal/domain"
)

func TestSettingUpdateWithStaleTSIsRejected(t *testing.T) {
	env := newTestEnv()
	env.seedScene(t)
	r := env.room(t, "scene-1")
	m, conn := host(t, r, "h1")
	_, other := host(t, r, "h2")
	require.Equal(t, int64(100), env.get(t, domain.ScenePK("scene-1"), domain.SceneSK).TS)

	send(t, env, r, m, map[string]any{"type": MsgSceneSettingUpdate, "property": "name", "value": "Stage", "ts": 99})

	errs := conn.ofType(t, TypeError)
	require.Len(t, errs, 1)
	require.Equal(t, "conflict", errs[0]["error"])
	require.EqualValues(t, 99, errs[0]["expectedTs"])
	require.EqualValues(t, 100, errs[0]["actualTs"])

	scene := env.get(t, domain.ScenePK("scene-1"), domain.SceneSK)
	require.Equal(t, int64(100), scene.TS)
	require.Equal(t, "Lobby", scene.Str(domain.AttrName))
	require.Empty(t, env.history(t, "scene-1"))
	require.Empty(t, other.ofType(t, MsgSceneSettingUpdate))
}

func TestSettingUpdateAppliesAndBroadcasts(t *testing.T) {
	env := newTestEnv()
	env.seedScene(t)
	r := env.room(t, "scene-1")
	m, conn := host(t, r, "h1")
	_, other := visitorMember(t, r, "v1")

	send(t, env, r, m, map[string]any{"type": MsgSceneSettingUpdate, "property": "name", "value": "Stage", "ts": 100})

	scene := env.get(t, domain.ScenePK("scene-1"), domain.SceneSK)
	require.Equal(t, "Stage", scene.Str(domain.AttrName))
	require.Equal(t, int64(101), scene.TS)
	require.Equal(t, "Stage", stateOf(t, r).Name)

	acks := conn.ofType(t, TypeAck)
	require.Len(t, acks, 1)
	require.EqualValues(t, 101, acks[0]["ts"])
	require.Len(t, other.ofType(t, MsgSceneSettingUpdate), 1)
	require.NotEmpty(t, other.ofType(t, TypeStatePatch))

	history := env.history(t, "scene-1")
	require.Len(t, history, 1)
	upd := history[0]
	require.Equal(t, domain.ActionUpdate, upd.Action)
	require.Equal(t, "h1", upd.ActorID)
	require.Equal(t, "Lobby", upd.From)
	require.Equal(t, "Stage", upd.To)
	require.NotEmpty(t, upd.ID)
}

func TestVideoElementLifecycleTracksStream(t *testing.T) {
	env := newTestEnv()
	env.seedScene(t)
	r := env.room(t, "scene-1")
	m, _ := host(t, r, "h1")
	pk := domain.ScenePK("scene-1")
	presetTS := env.get(t, pk, domain.PresetSK("p1")).TS

	send(t, env, r, m, map[string]any{
		"type":        MsgScenePresetUpdate,
		"action":      "create",
		"element":     "video",
		"scenePreset": map[string]any{"id": "p1", "ts": presetTS},
		"elementData": map[string]any{"id": "v1", "data": map[string]any{
			"liveLink":         "http://live/v1",
			"enableLiveStream": true,
		}},
	})
	el := env.get(t, pk, domain.ElementSK(domain.ElementVideo, "v1"))
	require.Equal(t, "p1", el.Str("presetId"))
	require.Contains(t, env.get(t, pk, domain.PresetSK("p1")).Strings("videos"), "v1")
	streams := stateOf(t, r).Streams
	require.Len(t, streams, 1)
	require.Equal(t, domain.SceneStream{ID: "v1", URL: "http://live/v1", PresetID: "p1"}, streams[0])

	send(t, env, r, m, map[string]any{
		"type":        MsgScenePresetUpdate,
		"action":      "update",
		"element":     "video",
		"elementData": map[string]any{"id": "v1", "ts": el.TS, "property": "enableLiveStream", "value": false},
	})
	require.False(t, env.get(t, pk, domain.ElementSK(domain.ElementVideo, "v1")).Bool(domain.AttrEnableLiveStream))
	require.Empty(t, stateOf(t, r).Streams)

	send(t, env, r, m, map[string]any{
		"type":        MsgScenePresetUpdate,
		"action":      "delete",
		"element":     "video",
		"scenePreset": map[string]any{"id": "p1"},
		"elementData": map[string]any{"id": "v1"},
	})
	_, err := env.store.Get(context.Background(), pk, domain.ElementSK(domain.ElementVideo, "v1"))
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NotContains(t, env.get(t, pk, domain.PresetSK("p1")).Strings("videos"), "v1")

	history := env.history(t, "scene-1")
	require.Len(t, history, 3)
	require.Equal(t, domain.ActionCreate, history[0].Action)
	require.Equal(t, domain.ActionUpdate, history[1].Action)
	require.Equal(t, domain.ActionDelete, history[2].Action)
}

func TestCreateWithExistingIDConflicts(t *testing.T) {
	env := newTestEnv()
	env.seedScene(t)
	r := env.room(t, "scene-1")
	m, conn := host(t, r, "h1")
	sceneTS := env.get(t, domain.ScenePK("scene-1"), domain.SceneSK).TS

	send(t, env, r, m, map[string]any{
		"type":        MsgScenePresetUpdate,
		"action":      "create",
		"element":     "preset",
		"sceneTs":     sceneTS,
		"elementData": map[string]any{"id": "p1"},
	})

	errs := conn.ofType(t, TypeError)
	require.Len(t, errs, 1)
	require.Equal(t, "conflict", errs[0]["error"])
	require.Equal(t, []string{"p1"}, env.get(t, domain.ScenePK("scene-1"), domain.SceneSK).Strings(domain.AttrPresets))
}

func TestPresetCreateAndDelete(t *testing.T) {
	env := newTestEnv()
	env.seedScene(t)
	r := env.room(t, "scene-1")
	m, conn := host(t, r, "h1")
	pk := domain.ScenePK("scene-1")

	send(t, env, r, m, map[string]any{
		"type":        MsgScenePresetUpdate,
		"action":      "create",
		"element":     "preset",
		"sceneTs":     env.get(t, pk, domain.SceneSK).TS,
		"elementData": map[string]any{"id": "p2", "data": map[string]any{"name": "Evening"}},
	})
	preset := env.get(t, pk, domain.PresetSK("p2"))
	require.Equal(t, "Evening", preset.Str("name"))
	require.Empty(t, preset.Strings("images"))
	require.Equal(t, []string{"p1", "p2"}, env.get(t, pk, domain.SceneSK).Strings(domain.AttrPresets))

	send(t, env, r, m, map[string]any{
		"type":        MsgScenePresetUpdate,
		"action":      "delete",
		"element":     "preset",
		"elementData": map[string]any{"id": "p1"},
	})
	errs := conn.ofType(t, TypeError)
	require.Len(t, errs, 1)
	require.Equal(t, "protocol", errs[0]["error"])

	send(t, env, r, m, map[string]any{
		"type":        MsgScenePresetUpdate,
		"action":      "delete",
		"element":     "preset",
		"elementData": map[string]any{"id": "p2", "ts": preset.TS},
	})
	_, err := env.store.Get(context.Background(), pk, domain.PresetSK("p2"))
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, []string{"p1"}, env.get(t, pk, domain.SceneSK).Strings(domain.AttrPresets))
}

func TestInstanceCreateAndUpdate(t *testing.T) {
	env := newTestEnv()
	env.seedScene(t)
	pk := domain.ScenePK("scene-1")
	env.put(t, pk, domain.ElementSK(domain.ElementImage, "img1"), map[string]any{"presetId": "p1", "instances": []any{}})
	r := env.room(t, "scene-1")
	m, _ := host(t, r, "h1")
	parentTS := env.get(t, pk, domain.ElementSK(domain.ElementImage, "img1")).TS

	send(t, env, r, m, map[string]any{
		"type":         MsgScenePresetUpdate,
		"action":       "create",
		"element":      "image",
		"instance":     true,
		"elementData":  map[string]any{"id": "img1", "ts": parentTS},
		"instanceData": map[string]any{"id": "i1", "data": map[string]any{"x": 1.5}},
	})
	inst := env.get(t, pk, domain.InstanceSK(domain.ElementImage, "i1"))
	require.Equal(t, "img1", inst.Str("elementId"))
	require.Equal(t, []string{"i1"}, env.get(t, pk, domain.ElementSK(domain.ElementImage, "img1")).Strings(domain.AttrInstances))

	send(t, env, r, m, map[string]any{
		"type":         MsgScenePresetUpdate,
		"action":       "update",
		"element":      "image",
		"instance":     true,
		"instanceData": map[string]any{"id": "i1", "ts": inst.TS, "property": "x", "value": 2.5},
	})
	require.Equal(t, 2.5, env.get(t, pk, domain.InstanceSK(domain.ElementImage, "i1")).Data["x"])
}

func TestChangePresetReloadsStreams(t *testing.T) {
	env := newTestEnv()
	env.seedScene(t)
	pk := domain.ScenePK("scene-1")
	env.put(t, pk, domain.PresetSK("p2"), map[string]any{"videos": []any{"v2", "v3"}})
	env.put(t, pk, domain.ElementSK(domain.ElementVideo, "v2"), map[string]any{"liveLink": "http://live/v2", "enableLiveStream": true})
	env.put(t, pk, domain.ElementSK(domain.ElementVideo, "v3"), map[string]any{"liveLink": "http://live/v3", "enableLiveStream": false})
	r := env.room(t, "scene-1")
	m, conn := host(t, r, "h1")
	_, other := visitorMember(t, r, "v1")

	send(t, env, r, m, map[string]any{"type": MsgSceneChangePreset, "presetId": "p2", "ts": env.get(t, pk, domain.SceneSK).TS})

	require.Empty(t, conn.ofType(t, TypeError))
	require.Equal(t, "p2", env.get(t, pk, domain.SceneSK).Str(domain.AttrActivePreset))
	streams := stateOf(t, r).Streams
	require.Len(t, streams, 1)
	require.Equal(t, "v2", streams[0].ID)
	require.Len(t, other.ofType(t, MsgSceneChangePreset), 1)

	history := env.history(t, "scene-1")
	require.Len(t, history, 1)
	require.Equal(t, domain.ActionChangePreset, history[0].Action)
}

func TestRoomLoadsActivePresetStreams(t *testing.T) {
	env := newTestEnv()
	pk := domain.ScenePK("scene-1")
	env.put(t, pk, domain.SceneSK, map[string]any{"name": "Lobby", "activePreset": "p1"})
	env.put(t, pk, domain.PresetSK("p1"), map[string]any{"videos": []any{"v1", "gone"}})
	env.put(t, pk, domain.ElementSK(domain.ElementVideo, "v1"), map[string]any{"liveLink": "http://live/v1", "enableLiveStream": true})

	r := env.room(t, "scene-1")
	_, conn := visitorMember(t, r, "v1")

	snap := conn.ofType(t, TypeState)
	require.Len(t, snap, 1)
	state := snap[0]["state"].(map[string]any)
	require.Equal(t, "Lobby", state["name"])
	require.Len(t, state["streams"], 1)
}
