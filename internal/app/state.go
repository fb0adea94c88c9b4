package app

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/dkeye/sceneroom/internal/domain"
)

// State is the replicated live status of one scene. Only the owning room's
// loop mutates it, always through Apply.
type State struct {
	Name        string               `json:"name"`
	SceneID     domain.SceneID       `json:"sceneId"`
	Streams     []domain.SceneStream `json:"streams"`
	StreamIndex int                  `json:"streamIndex"`
	Skipped     int                  `json:"skipped"`
	BatchSize   int                  `json:"batchSize"`
	NeedsUpdate []string             `json:"needsUpdate"`
}

func NewState(id domain.SceneID, name string) *State {
	s := &State{SceneID: id, Name: name}
	s.normalize()
	return s
}

// Snapshot is the full state sent to a newly joined connection.
func (s *State) Snapshot() ([]byte, error) {
	return json.Marshal(s)
}

// Apply runs fn, restores the invariants and returns a JSON merge patch of
// the fields that changed, or nil when nothing did.
func (s *State) Apply(fn func(*State)) ([]byte, error) {
	before, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("state snapshot: %w", err)
	}
	fn(s)
	s.normalize()
	after, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("state snapshot: %w", err)
	}
	patch, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return nil, fmt.Errorf("state diff: %w", err)
	}
	if string(patch) == "{}" {
		return nil, nil
	}
	return patch, nil
}

// Stream returns the tracked stream with id.
func (s *State) Stream(id string) (domain.SceneStream, bool) {
	for _, st := range s.Streams {
		if st.ID == id {
			return st, true
		}
	}
	return domain.SceneStream{}, false
}

// UpsertStream replaces the stream with the same id or appends it. A stream
// whose URL is unchanged keeps its known status.
func (s *State) UpsertStream(st domain.SceneStream) {
	for i, cur := range s.Streams {
		if cur.ID == st.ID {
			if cur.URL == st.URL {
				st.Status = cur.Status
			}
			s.Streams[i] = st
			return
		}
	}
	s.Streams = append(s.Streams, st)
}

func (s *State) RemoveStream(id string) {
	kept := s.Streams[:0]
	for _, st := range s.Streams {
		if st.ID != id {
			kept = append(kept, st)
		}
	}
	s.Streams = kept
}

func (s *State) SetStatus(id string, status bool) {
	for i := range s.Streams {
		if s.Streams[i].ID == id {
			s.Streams[i].Status = status
		}
	}
}

func (s *State) Enqueue(participant string) {
	for _, p := range s.NeedsUpdate {
		if p == participant {
			return
		}
	}
	s.NeedsUpdate = append(s.NeedsUpdate, participant)
}

func (s *State) Dequeue(participant string) {
	kept := s.NeedsUpdate[:0]
	for _, p := range s.NeedsUpdate {
		if p != participant {
			kept = append(kept, p)
		}
	}
	s.NeedsUpdate = kept
}

func (s *State) normalize() {
	s.Streams = DedupeStreams(s.Streams)
	if s.NeedsUpdate == nil {
		s.NeedsUpdate = []string{}
	}
	if len(s.Streams) == 0 || s.StreamIndex < 0 {
		s.StreamIndex = 0
	} else {
		s.StreamIndex %= len(s.Streams)
	}
}

// DedupeStreams keeps the first occurrence of every stream id.
func DedupeStreams(in []domain.SceneStream) []domain.SceneStream {
	out := make([]domain.SceneStream, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, st := range in {
		if seen[st.ID] {
			continue
		}
		seen[st.ID] = true
		out = append(out, st)
	}
	return out
}
