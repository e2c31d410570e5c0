package core

import (
	"context"
	"sync"
)

// Rooms owns every live room and the conn→rooms reverse index used to
// clean a dropped connection out of all of them. Rooms persist
// independent of membership: conversations outlive connections, so an
// empty room stays live until Shutdown.
type Rooms struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *Registry

	mu     sync.RWMutex
	rooms  map[RoomID]*Room
	joined map[ConnID]map[RoomID]struct{}

	// onDrop is invoked (off-lock, from the room's dispatch goroutine)
	// when a member could not accept a frame.
	onDrop func(ConnID)
}

func NewRooms(parent context.Context, registry *Registry) *Rooms {
	ctx, cancel := context.WithCancel(parent)
	return &Rooms{
		ctx:      ctx,
		cancel:   cancel,
		registry: registry,
		rooms:    make(map[RoomID]*Room),
		joined:   make(map[ConnID]map[RoomID]struct{}),
	}
}

// SetOnDrop installs the backpressure handler. Must be called before the
// first Join.
func (rs *Rooms) SetOnDrop(fn func(ConnID)) { rs.onDrop = fn }

func (rs *Rooms) GetOrCreate(id RoomID) *Room {
	rs.mu.RLock()
	room, ok := rs.rooms[id]
	rs.mu.RUnlock()
	if ok {
		return room
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if room, ok = rs.rooms[id]; ok {
		return room
	}
	room = newRoom(id, rs.ctx.Done(), rs.registry.Signal, rs.drop)
	rs.rooms[id] = room
	go room.run(rs.ctx)
	return room
}

func (rs *Rooms) Get(id RoomID) (*Room, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	room, ok := rs.rooms[id]
	return room, ok
}

// Join is idempotent in both the room and the reverse index.
func (rs *Rooms) Join(id RoomID, conn ConnID) {
	room := rs.GetOrCreate(id)
	room.Join(conn)
	rs.mu.Lock()
	set, ok := rs.joined[conn]
	if !ok {
		set = make(map[RoomID]struct{})
		rs.joined[conn] = set
	}
	set[id] = struct{}{}
	rs.mu.Unlock()
}

func (rs *Rooms) Leave(id RoomID, conn ConnID) {
	rs.mu.Lock()
	room, ok := rs.rooms[id]
	if set, found := rs.joined[conn]; found {
		delete(set, id)
		if len(set) == 0 {
			delete(rs.joined, conn)
		}
	}
	rs.mu.Unlock()
	if ok {
		room.Leave(conn)
	}
}

func (rs *Rooms) MembersOf(id RoomID) []ConnID {
	rs.mu.RLock()
	room, ok := rs.rooms[id]
	rs.mu.RUnlock()
	if !ok {
		return nil
	}
	return room.MembersSnapshot()
}

// DropAll removes the connection from every joined room and returns the
// rooms it was in. Idempotent, never errors on unknown conns.
func (rs *Rooms) DropAll(conn ConnID) []RoomID {
	rs.mu.Lock()
	set := rs.joined[conn]
	delete(rs.joined, conn)
	ids := make([]RoomID, 0, len(set))
	rooms := make([]*Room, 0, len(set))
	for id := range set {
		ids = append(ids, id)
		if room, ok := rs.rooms[id]; ok {
			rooms = append(rooms, room)
		}
	}
	rs.mu.Unlock()
	for _, room := range rooms {
		room.Leave(conn)
	}
	return ids
}

// Shutdown stops every dispatch goroutine.
func (rs *Rooms) Shutdown() { rs.cancel() }

func (rs *Rooms) drop(conn ConnID) {
	if rs.onDrop != nil {
		rs.onDrop(conn)
	}
}
