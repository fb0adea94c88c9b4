// Package domain contains entity without logic, just meta-data
package domain

type SceneID string

// ElementKind names the typed lists a preset aggregates.
type ElementKind string

const (
	ElementVideo  ElementKind = "video"
	ElementImage  ElementKind = "image"
	ElementNFT    ElementKind = "nft"
	ElementSound  ElementKind = "sound"
	ElementWidget ElementKind = "widget"
	ElementModel  ElementKind = "model"
	ElementClaim  ElementKind = "claim"

	// ElementPreset is not stored inside a preset; it addresses the preset
	// itself in scene_preset_update messages.
	ElementPreset ElementKind = "preset"
)

var elementKinds = map[ElementKind]string{
	ElementVideo:  "videos",
	ElementImage:  "images",
	ElementNFT:    "nfts",
	ElementSound:  "sounds",
	ElementWidget: "widgets",
	ElementModel:  "models",
	ElementClaim:  "claims",
}

// ListField returns the preset attribute holding ids of this kind.
func (k ElementKind) ListField() (string, bool) {
	f, ok := elementKinds[k]
	return f, ok
}

func (k ElementKind) Valid() bool {
	if k == ElementPreset {
		return true
	}
	_, ok := elementKinds[k]
	return ok
}

// SceneStream is one live-video URL tracked by a room.
type SceneStream struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	PresetID string `json:"presetId"`
	Status   bool   `json:"status"`
}

// Storage keys. Every scene-owned record shares the scene partition.
func ScenePK(id SceneID) string                  { return "scene:" + string(id) }
func HistoryPK(id SceneID) string                { return "history:" + string(id) }
func SessionPK(id SceneID) string                { return "session:" + string(id) }
func GiveawayPK(id string) string                { return "giveaway:" + id }
func PresetSK(id string) string                  { return "preset:" + id }
func ElementSK(k ElementKind, id string) string  { return "element:" + string(k) + ":" + id }
func InstanceSK(k ElementKind, id string) string { return "instance:" + string(k) + ":" + id }

const (
	SceneSK    = "scene"
	HistorySK  = "log"
	GiveawaySK = "giveaway"
)

// Record attribute names shared by handlers and the room loader.
const (
	AttrName             = "name"
	AttrPresets          = "presets"
	AttrActivePreset     = "activePreset"
	AttrInstances        = "instances"
	AttrLiveLink         = "liveLink"
	AttrEnableLiveStream = "enableLiveStream"
	AttrClaimLimit       = "claimLimit"
	AttrClaims           = "claims"
	AttrActions          = "actions"
)
