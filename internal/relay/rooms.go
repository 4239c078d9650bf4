package relay

import "sync"

// Rooms tracks which sessions are joined to which room.
type Rooms struct {
	mu        sync.RWMutex
	members   map[string]map[*Session]struct{}
	bySession map[*Session]map[string]struct{}
}

// NewRooms creates an empty room registry.
func NewRooms() *Rooms {
	return &Rooms{
		members:   make(map[string]map[*Session]struct{}),
		bySession: make(map[*Session]map[string]struct{}),
	}
}

// Join adds s to room. Joining twice is a no-op and a closed session is
// never added; Join reports whether s was newly added.
func (r *Rooms) Join(room string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Closed() {
		return false
	}
	members, ok := r.members[room]
	if !ok {
		members = make(map[*Session]struct{})
		r.members[room] = members
	}
	if _, ok := members[s]; ok {
		return false
	}
	members[s] = struct{}{}

	joined, ok := r.bySession[s]
	if !ok {
		joined = make(map[string]struct{})
		r.bySession[s] = joined
	}
	joined[room] = struct{}{}
	return true
}

// LeaveAll removes s from every room it joined.
func (r *Rooms) LeaveAll(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.bySession[s] {
		members := r.members[room]
		delete(members, s)
		if len(members) == 0 {
			delete(r.members, room)
		}
	}
	delete(r.bySession, s)
}

// Members returns the sessions joined to room.
func (r *Rooms) Members(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]*Session, 0, len(r.members[room]))
	for s := range r.members[room] {
		members = append(members, s)
	}
	return members
}

// Joined reports whether s is joined to room.
func (r *Rooms) Joined(room string, s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[room][s]
	return ok
}

// RoomCount returns the number of rooms with at least one member.
func (r *Rooms) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
