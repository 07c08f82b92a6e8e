package ws

import (
	"sort"
	"sync"
)

// Sink receives encoded events for one transport. Deliver must not block;
// it reports false when the transport is gone or saturated.
type Sink interface {
	Deliver(payload []byte) bool
}

// Target is a point-in-time snapshot of one addressable transport.
type Target struct {
	TransportID string
	UserID      int
	sink        Sink
}

// Deliver hands payload to the target's transport.
func (t Target) Deliver(payload []byte) bool {
	if t.sink == nil {
		return false
	}
	return t.sink.Deliver(payload)
}

type connection struct {
	userID int
	sink   Sink
	rooms  map[RoomKey]struct{}
}

// Departure describes what Unregister removed.
type Departure struct {
	UserID      int
	WentOffline bool
	Rooms       []RoomKey
}

// Registry maps users to their live transports and transports to rooms.
// Lookups return snapshots; callers deliver outside the lock and treat every
// delivery as best-effort.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	byUser map[int]map[string]struct{}
	rooms  map[RoomKey]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*connection),
		byUser: make(map[int]map[string]struct{}),
		rooms:  make(map[RoomKey]map[string]struct{}),
	}
}

// Register adds transportID for userID. Registering the same pair twice is a
// no-op. cameOnline reports whether this was the user's first transport.
func (r *Registry) Register(userID int, transportID string, sink Sink) (cameOnline bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[transportID]; ok {
		if existing.userID != userID {
			return false, ErrTransportOwned
		}
		return false, nil
	}

	r.conns[transportID] = &connection{userID: userID, sink: sink, rooms: make(map[RoomKey]struct{})}
	transports, ok := r.byUser[userID]
	if !ok {
		transports = make(map[string]struct{})
		r.byUser[userID] = transports
	}
	transports[transportID] = struct{}{}
	return len(transports) == 1, nil
}

// Unregister removes transportID and its membership in every room it joined.
// The user's other transports are untouched.
func (r *Registry) Unregister(transportID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[transportID]
	if !ok {
		return Departure{}, false
	}
	delete(r.conns, transportID)

	dep := Departure{UserID: conn.userID, Rooms: make([]RoomKey, 0, len(conn.rooms))}
	for key := range conn.rooms {
		r.removeFromRoom(key, transportID)
		dep.Rooms = append(dep.Rooms, key)
	}
	sort.Slice(dep.Rooms, func(i, j int) bool { return dep.Rooms[i] < dep.Rooms[j] })

	if transports, ok := r.byUser[conn.userID]; ok {
		delete(transports, transportID)
		if len(transports) == 0 {
			delete(r.byUser, conn.userID)
			dep.WentOffline = true
		}
	}
	return dep, true
}

// JoinRoom adds a registered transport to key. Joining twice is a no-op.
func (r *Registry) JoinRoom(transportID string, key RoomKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[transportID]
	if !ok {
		return ErrUnknownTransport
	}
	conn.rooms[key] = struct{}{}
	members, ok := r.rooms[key]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[key] = members
	}
	members[transportID] = struct{}{}
	return nil
}

// LeaveRoom removes transportID from key and reports whether it was a member.
func (r *Registry) LeaveRoom(transportID string, key RoomKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[transportID]
	if !ok {
		return false
	}
	if _, joined := conn.rooms[key]; !joined {
		return false
	}
	delete(conn.rooms, key)
	r.removeFromRoom(key, transportID)
	return true
}

func (r *Registry) removeFromRoom(key RoomKey, transportID string) {
	if members, ok := r.rooms[key]; ok {
		delete(members, transportID)
		if len(members) == 0 {
			delete(r.rooms, key)
		}
	}
}

// IsOnline reports whether userID has at least one registered transport.
func (r *Registry) IsOnline(userID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// TransportsFor returns the transport ids owned by userID, sorted.
func (r *Registry) TransportsFor(userID int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnlineUsers returns every user with a live transport, sorted.
func (r *Registry) OnlineUsers() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]int, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	sort.Ints(users)
	return users
}

// Target returns the snapshot for one transport.
func (r *Registry) Target(transportID string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[transportID]
	if !ok {
		return Target{}, false
	}
	return Target{TransportID: transportID, UserID: conn.userID, sink: conn.sink}, true
}

// RoomTargets snapshots every transport joined to key.
func (r *Registry) RoomTargets(key RoomKey) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]Target, 0, len(r.rooms[key]))
	for id := range r.rooms[key] {
		if conn, ok := r.conns[id]; ok {
			targets = append(targets, Target{TransportID: id, UserID: conn.userID, sink: conn.sink})
		}
	}
	return targets
}

// TargetsOutsideRoom snapshots userID's transports that have not joined key.
func (r *Registry) TargetsOutsideRoom(userID int, key RoomKey) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []Target
	for id := range r.byUser[userID] {
		conn, ok := r.conns[id]
		if !ok {
			continue
		}
		if _, joined := conn.rooms[key]; joined {
			continue
		}
		targets = append(targets, Target{TransportID: id, UserID: userID, sink: conn.sink})
	}
	return targets
}

// AllTargets snapshots every registered transport.
func (r *Registry) AllTargets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]Target, 0, len(r.conns))
	for id, conn := range r.conns {
		targets = append(targets, Target{TransportID: id, UserID: conn.userID, sink: conn.sink})
	}
	return targets
}

// ConnectionCount returns the number of registered transports.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
