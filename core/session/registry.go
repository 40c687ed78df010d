// Package session holds the coordinator's transient in-memory state: the
// socket → session map, the room membership index, and the per-room offline
// queue. Pure data behind mutexes; nothing here touches I/O and nothing
// survives a restart.
package session

import (
	"sync"
	"time"

	"github.com/telavida/medichat-go/core/wire"
)

// Session binds a live socket to one room and role.
type Session struct {
	SocketID    string
	RoomID      string
	Role        wire.Role
	DoctorID    string // set iff Role is doctor
	Language    string
	ConnectedAt time.Time
}

// Registry is the socket → session map plus the room membership index.
// A single mutex guards both so membership reads always see a consistent
// snapshot of the sessions in a room.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	rooms    map[string]map[string]struct{} // room id → socket id set
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// Put stores the session and adds its socket to the room's membership set,
// replacing any previous session for the same socket.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[s.SocketID]; ok {
		r.dropMembershipLocked(prev)
	}
	copied := *s
	r.sessions[s.SocketID] = &copied

	members := r.rooms[s.RoomID]
	if members == nil {
		members = make(map[string]struct{})
		r.rooms[s.RoomID] = members
	}
	members[s.SocketID] = struct{}{}
}

// Get returns a copy of the socket's session, or nil if none exists.
func (r *Registry) Get(socketID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[socketID]
	if !ok {
		return nil
	}
	copied := *s
	return &copied
}

// SetLanguage updates the session's language. Reports whether a session
// existed for the socket.
func (r *Registry) SetLanguage(socketID, language string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[socketID]
	if !ok {
		return false
	}
	s.Language = language
	return true
}

// Remove deletes the socket's session and prunes the room's membership set
// when it becomes empty. No-op for unknown sockets.
func (r *Registry) Remove(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[socketID]
	if !ok {
		return
	}
	delete(r.sessions, socketID)
	r.dropMembershipLocked(s)
}

// Room returns a snapshot copy of all sessions in the room. Order is
// insignificant.
func (r *Registry) Room(roomID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[roomID]
	out := make([]*Session, 0, len(members))
	for socketID := range members {
		copied := *r.sessions[socketID]
		out = append(out, &copied)
	}
	return out
}

// BothPresent reports whether the room holds at least one patient session
// and at least one doctor session.
func (r *Registry) BothPresent(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var patient, doctor bool
	for socketID := range r.rooms[roomID] {
		switch r.sessions[socketID].Role {
		case wire.RolePatient:
			patient = true
		case wire.RoleDoctor:
			doctor = true
		}
		if patient && doctor {
			return true
		}
	}
	return false
}

// dropMembershipLocked removes s's socket from its room set and prunes the
// set when empty. Callers must hold r.mu.
func (r *Registry) dropMembershipLocked(s *Session) {
	members := r.rooms[s.RoomID]
	delete(members, s.SocketID)
	if len(members) == 0 {
		delete(r.rooms, s.RoomID)
	}
}
