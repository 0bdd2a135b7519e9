package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// LobbyRoom is the reserved default room every user lands in after HELLO
const LobbyRoom = "lobby"

// RoomInfo is a point-in-time view of one room
type RoomInfo struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// JoinResult describes the outcome of a successful JoinRoom
type JoinResult struct {
	Active        string // active room after the call
	AlreadyMember bool   // the user was in the room before; nothing changed
	LeftLobby     bool   // the user was moved out of the lobby
}

// Registry is the single source of truth for who is connected and which
// rooms they belong to. All three mappings are guarded by one lock so no
// caller can observe a partial update.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // username -> session
	rooms    map[string]map[string]struct{} // room -> member set
	order    []string                       // room names in creation order
	active   map[string]string              // username -> active room
	capacity int                            // max registered users, 0 = unlimited
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]struct{}),
		active:   make(map[string]string),
	}
}

// SetCapacity limits the number of registered users (0 = unlimited)
func (r *Registry) SetCapacity(n int) {
	r.mu.Lock()
	r.capacity = n
	r.mu.Unlock()
}

func isLobby(room string) bool {
	return strings.ToLower(room) == LobbyRoom
}

// ValidRoomName reports whether name can be created and later addressed by
// the MESSAGE and MULTI_ROOM_MSG payload grammar.
func ValidRoomName(name string) bool {
	if name == "" {
		return false
	}
	if strings.ContainsAny(name, protocol.RoomOverrideDelimiter+protocol.RoomListSeparator) {
		return false
	}
	return !strings.ContainsFunc(name, unicode.IsSpace)
}

// ensureRoom creates room if missing. Caller holds mu.
func (r *Registry) ensureRoom(room string) map[string]struct{} {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
		r.order = append(r.order, room)
	}
	return members
}

// Register adds an authenticated session, places it in the lobby and makes
// the lobby its active room. The session becomes ACTIVE under the same lock.
func (r *Registry) Register(username string, sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[username]; taken {
		return errUsernameTaken()
	}
	if r.capacity > 0 && len(r.sessions) >= r.capacity {
		return &AuthError{Code: protocol.ErrCodeServerFull, Message: "Server is full"}
	}

	// A session closed mid-handshake must never be registered
	if sess != nil && !sess.activate(username) {
		return ErrSessionClosed
	}

	r.sessions[username] = sess
	r.ensureRoom(LobbyRoom)[username] = struct{}{}
	r.active[username] = LobbyRoom
	return nil
}

// CreateRoom creates an empty room
func (r *Registry) CreateRoom(name string) error {
	if !ValidRoomName(name) {
		return &RoutingError{Code: protocol.ErrCodeUnknown, Message: fmt.Sprintf("Invalid room name '%s'", name)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[name]; exists {
		return errRoomExists(name)
	}
	r.ensureRoom(name)
	return nil
}

// JoinRoom adds username to room and makes it the active room. A user whose
// only membership is the lobby leaves the lobby when joining another room.
// Joining a room twice is a confirmation, not an error.
func (r *Registry) JoinRoom(username, room string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[username]; !ok {
		return JoinResult{}, errUserNotFound(username)
	}
	members, ok := r.rooms[room]
	if !ok {
		return JoinResult{}, errRoomNotFound(room)
	}
	if _, in := members[username]; in {
		return JoinResult{Active: r.active[username], AlreadyMember: true}, nil
	}

	var result JoinResult
	if !isLobby(room) && r.onlyInLobby(username) {
		delete(r.rooms[LobbyRoom], username)
		result.LeftLobby = true
	}

	members[username] = struct{}{}
	r.active[username] = room
	result.Active = room
	return result, nil
}

// onlyInLobby reports whether the lobby is username's sole membership. Caller holds mu.
func (r *Registry) onlyInLobby(username string) bool {
	if _, in := r.rooms[LobbyRoom][username]; !in {
		return false
	}
	for name, members := range r.rooms {
		if name == LobbyRoom {
			continue
		}
		if _, in := members[username]; in {
			return false
		}
	}
	return true
}

// LeaveRoom removes username from room. When room was the active room, the
// first remaining membership in creation order becomes active; with none
// left the user is put back in the lobby.
func (r *Registry) LeaveRoom(username, room string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[username]; !ok {
		return "", errUserNotFound(username)
	}
	members, ok := r.rooms[room]
	if !ok {
		return "", errNotInRoom()
	}
	if _, in := members[username]; !in {
		return "", errNotInRoom()
	}

	delete(members, username)
	if r.active[username] != room {
		return r.active[username], nil
	}

	for _, name := range r.order {
		if _, in := r.rooms[name][username]; in {
			r.active[username] = name
			return name, nil
		}
	}

	r.ensureRoom(LobbyRoom)[username] = struct{}{}
	r.active[username] = LobbyRoom
	return LobbyRoom, nil
}

// ListRooms returns room names in creation order
func (r *Registry) ListRooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// ListUsers returns the sorted members of room
func (r *Registry) ListUsers(room string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil, errRoomNotFound(room)
	}
	return sortedMembers(members), nil
}

func sortedMembers(members map[string]struct{}) []string {
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister purges username from every mapping. It is safe to call repeatedly.
func (r *Registry) Unregister(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.purge(username, nil)
}

// UnregisterSession purges sess only if it is still the session registered
// under its username, so a late cleanup cannot evict a newer login.
func (r *Registry) UnregisterSession(sess *Session) bool {
	username := sess.Username()
	if username == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[username] != sess {
		return false
	}
	return r.purge(username, sess)
}

// purge removes username everywhere. Caller holds mu.
func (r *Registry) purge(username string, sess *Session) bool {
	current, registered := r.sessions[username]
	delete(r.sessions, username)
	delete(r.active, username)
	for _, members := range r.rooms {
		delete(members, username)
	}

	if sess == nil {
		sess = current
	}
	if sess != nil {
		sess.setState(StateClosed)
	}
	return registered
}

// Lookup returns the live session for username
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[username]
	return sess, ok
}

// Resolve maps usernames to live sessions. Unknown names are skipped.
func (r *Registry) Resolve(usernames []string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(usernames))
	for _, name := range usernames {
		if sess, ok := r.sessions[name]; ok {
			out = append(out, sess)
		}
	}
	return out
}

// Sessions returns every registered session
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// RoomSessions returns the live sessions of room's members
func (r *Registry) RoomSessions(room string) ([]*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil, false
	}
	out := make([]*Session, 0, len(members))
	for name := range members {
		if sess, ok := r.sessions[name]; ok {
			out = append(out, sess)
		}
	}
	return out, true
}

// ActiveRoom returns username's active room
func (r *Registry) ActiveRoom(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.active[username]
	return room, ok
}

// RoomsOf returns username's memberships in room creation order
func (r *Registry) RoomsOf(username string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, name := range r.order {
		if _, in := r.rooms[name][username]; in {
			out = append(out, name)
		}
	}
	return out
}

// RoomExists reports whether room has been created
func (r *Registry) RoomExists(room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[room]
	return ok
}

// Count returns the number of registered users
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// RoomCount returns the number of rooms
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms)
}

// Snapshot returns every room with its sorted members, in creation order
func (r *Registry) Snapshot() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, RoomInfo{Name: name, Members: sortedMembers(r.rooms[name])})
	}
	return out
}
