package relay

import "sort"

// AdminRoom is the broadcast group every admin connection joins.
const AdminRoom = "admin-room"

// rooms maps broadcast groups to their member connections. Session rooms
// are keyed by session id. Only the engine loop touches it.
type rooms struct {
	members map[string]map[string]struct{}
	byConn  map[string]map[string]struct{}
}

func newRooms() *rooms {
	return &rooms{
		members: make(map[string]map[string]struct{}),
		byConn:  make(map[string]map[string]struct{}),
	}
}

func (r *rooms) join(room, connID string) {
	if r.members[room] == nil {
		r.members[room] = make(map[string]struct{})
	}
	r.members[room][connID] = struct{}{}
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]struct{})
	}
	r.byConn[connID][room] = struct{}{}
}

func (r *rooms) leave(room, connID string) {
	if set := r.members[room]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.members, room)
		}
	}
	if set := r.byConn[connID]; set != nil {
		delete(set, room)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// of returns the rooms connID belongs to, sorted.
func (r *rooms) of(connID string) []string {
	return sortedKeys(r.byConn[connID])
}

func (r *rooms) has(room, connID string) bool {
	_, ok := r.members[room][connID]
	return ok
}

// list returns the members of room, sorted.
func (r *rooms) list(room string) []string {
	return sortedKeys(r.members[room])
}

// union returns every connection in any of the given rooms exactly once.
func (r *rooms) union(names ...string) []string {
	seen := make(map[string]struct{})
	for _, name := range names {
		for id := range r.members[name] {
			seen[id] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// drop empties the room.
func (r *rooms) drop(room string) {
	for id := range r.members[room] {
		if set := r.byConn[id]; set != nil {
			delete(set, room)
			if len(set) == 0 {
				delete(r.byConn, id)
			}
		}
	}
	delete(r.members, room)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
