// Package room owns room membership for the signaling server.
package room

import (
	"log/slog"
	"sync"

	"github.com/avatarmeet/meetsignal/internal/registry"
)

// Member is one entry of a room-info snapshot.
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Info is a value snapshot of a room. Member names are resolved at snapshot
// time; mutating the directory afterwards does not affect a returned Info.
type Info struct {
	RoomID    string   `json:"roomId"`
	UserCount int      `json:"userCount"`
	Users     []Member `json:"users"`
}

type roomState struct {
	// members preserves join order so snapshots and leave cascades are
	// deterministic.
	members []string
	present map[string]struct{}
}

// Directory owns all room entities. Rooms are created lazily on first join
// and deleted when their member set becomes empty.
//
// The directory locks internally: the dispatcher mutates it from the
// signaling loop while HTTP handlers read snapshots concurrently.
type Directory struct {
	mu       sync.RWMutex
	capacity int
	names    *registry.Registry
	rooms    map[string]*roomState
	order    []string // room IDs in creation order
}

func NewDirectory(capacity int, names *registry.Registry) *Directory {
	return &Directory{
		capacity: capacity,
		names:    names,
		rooms:    make(map[string]*roomState),
	}
}

// Join adds the connection to the room, creating the room if needed. It
// returns false with no mutation when the connection is already a member or
// the room is at capacity. On success the display name is recorded in the
// registry.
func (d *Directory) Join(roomID, connID, username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		r = &roomState{present: make(map[string]struct{})}
		d.rooms[roomID] = r
		d.order = append(d.order, roomID)
		slog.Info("room created", "roomId", roomID)
	}

	if _, member := r.present[connID]; member {
		return false
	}
	if len(r.members) >= d.capacity {
		slog.Warn("room full", "roomId", roomID, "capacity", d.capacity)
		return false
	}

	r.members = append(r.members, connID)
	r.present[connID] = struct{}{}
	if username != "" {
		d.names.RecordName(connID, username)
	}

	slog.Info("user joined room", "roomId", roomID, "connId", connID, "roomSize", len(r.members))
	return true
}

// Leave removes the connection from every room containing it, deletes rooms
// that become empty, and forgets the connection's name. The returned room IDs
// follow room creation order.
func (d *Directory) Leave(connID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var left []string
	remaining := d.order[:0]
	for _, roomID := range d.order {
		r := d.rooms[roomID]
		if _, member := r.present[connID]; !member {
			remaining = append(remaining, roomID)
			continue
		}

		delete(r.present, connID)
		r.members = removeString(r.members, connID)
		left = append(left, roomID)

		if len(r.members) == 0 {
			delete(d.rooms, roomID)
			slog.Info("room deleted", "roomId", roomID)
			continue
		}
		remaining = append(remaining, roomID)
	}
	d.order = remaining

	d.names.Forget(connID)
	return left
}

// Info returns a snapshot of the room, or ok=false when it does not exist.
func (d *Directory) Info(roomID string) (Info, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return Info{}, false
	}

	users := make([]Member, 0, len(r.members))
	for _, id := range r.members {
		users = append(users, Member{ID: id, Username: d.names.NameOf(id)})
	}
	return Info{RoomID: roomID, UserCount: len(users), Users: users}, true
}

// Members returns the raw member IDs in join order. Empty for unknown rooms.
func (d *Directory) Members(roomID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

// Contains reports whether the connection is a member of the room.
func (d *Directory) Contains(roomID, connID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	_, member := r.present[connID]
	return member
}

// Snapshot lists every room in creation order. Used by the ops roster
// endpoint.
func (d *Directory) Snapshot() []Info {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Info, 0, len(d.order))
	for _, roomID := range d.order {
		r := d.rooms[roomID]
		users := make([]Member, 0, len(r.members))
		for _, id := range r.members {
			users = append(users, Member{ID: id, Username: d.names.NameOf(id)})
		}
		out = append(out, Info{RoomID: roomID, UserCount: len(users), Users: users})
	}
	return out
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
