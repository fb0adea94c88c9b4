package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/sceneroom/internal/core"
	"github.com/dkeye/sceneroom/internal/domain"
)

// StreamFromVideo reports the stream a video element contributes, if its
// live stream is enabled and it has a link.
func StreamFromVideo(id, presetID string, rec *core.Record) (domain.SceneStream, bool) {
	url := rec.Str(domain.AttrLiveLink)
	if !rec.Bool(domain.AttrEnableLiveStream) || url == "" {
		return domain.SceneStream{}, false
	}
	return domain.SceneStream{ID: id, URL: url, PresetID: presetID}, true
}

// LoadStreams collects the live streams of a preset's video elements.
func LoadStreams(ctx context.Context, store core.Store, scene domain.SceneID, presetID string) ([]domain.SceneStream, error) {
	if presetID == "" {
		return nil, nil
	}
	preset, err := store.Get(ctx, domain.ScenePK(scene), domain.PresetSK(presetID))
	if err != nil {
		return nil, fmt.Errorf("load preset %s: %w", presetID, err)
	}
	field, _ := domain.ElementVideo.ListField()
	var streams []domain.SceneStream
	for _, id := range preset.Strings(field) {
		rec, err := store.Get(ctx, domain.ScenePK(scene), domain.ElementSK(domain.ElementVideo, id))
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return streams, fmt.Errorf("load video %s: %w", id, err)
		}
		if st, ok := StreamFromVideo(id, presetID, rec); ok {
			streams = append(streams, st)
		}
	}
	return DedupeStreams(streams), nil
}
