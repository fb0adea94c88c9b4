package app

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sceneroom/internal/domain"
)

// RoomManager runs one Room per scene id, created on first use and evicted
// once it has been empty for the idle timeout.
type RoomManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	deps   RoomDeps
	mu     sync.RWMutex
	rooms  map[domain.SceneID]*Room
}

func NewRoomManager(parent context.Context, deps RoomDeps) *RoomManager {
	ctx, cancel := context.WithCancel(parent)

	return &RoomManager{
		ctx:    ctx,
		cancel: cancel,
		deps:   deps,
		rooms:  make(map[domain.SceneID]*Room),
	}
}

func (rm *RoomManager) GetOrCreate(id domain.SceneID) *Room {
	rm.mu.RLock()
	room, ok := rm.rooms[id]
	rm.mu.RUnlock()

	if ok {
		return room
	}

	rm.mu.Lock()
	if room, ok = rm.rooms[id]; !ok {
		roomCtx, roomCancel := context.WithCancel(rm.ctx)
		room = NewRoom(roomCtx, roomCancel, id, rm.deps)
		room.onIdle = rm.evictIdle
		rm.rooms[id] = room
		go room.Run()
	}
	rm.mu.Unlock()
	return room
}

func (rm *RoomManager) Get(id domain.SceneID) (*Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	room, ok := rm.rooms[id]
	return room, ok
}

// List reports every open room, sorted by scene id. Rooms that stop while
// being listed are skipped.
func (rm *RoomManager) List(ctx context.Context) []RoomInfo {
	rm.mu.RLock()
	rooms := make([]*Room, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		rooms = append(rooms, r)
	}
	rm.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		info, err := r.Info(ctx)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneID < out[j].SceneID })
	return out
}

// StopRoom stops the room of id, closing its connections.
func (rm *RoomManager) StopRoom(id domain.SceneID) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	room, ok := rm.rooms[id]
	if ok {
		room.Stop()
		delete(rm.rooms, id)
	}
	return ok
}

func (rm *RoomManager) Shutdown() { rm.cancel() }

func (rm *RoomManager) evictIdle(r *Room) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.rooms[r.ID] != r {
		return
	}
	if info, err := r.Info(rm.ctx); err == nil && info.Members > 0 {
		return
	}
	log.Info().Str("module", "room_manager").Str("scene", string(r.ID)).Msg("evicting idle room")
	r.Stop()
	delete(rm.rooms, r.ID)
}
