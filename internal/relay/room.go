package relay

// Room is a named rendezvous point for call partners. Members are kept in
// join order; the member at index 0 holds the initiator role (it is the side
// that places the call when a new peer arrives). Call semantics are pairwise,
// but additional joiners are accepted and notified like any other member.
//
// Rooms are created on first join and destroyed when the last member leaves.
// Access is guarded by the hub's lock.
type Room struct {
	ID      string
	members []*Participant
}

// Initiator returns the handle of the member currently holding the initiator
// role, or "" for an empty room. When the initiator disconnects the role
// moves to the longest-standing remaining member.
func (r *Room) Initiator() string {
	if len(r.members) == 0 {
		return ""
	}
	return r.members[0].handle
}

func (r *Room) remove(p *Participant) {
	for i, m := range r.members {
		if m == p {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}
