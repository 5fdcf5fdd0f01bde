package reconcile

import (
	"maps"

	"github.com/lox/baucua/internal/lobby"
	"github.com/lox/baucua/internal/store"
)

// View is an immutable picture of one room. Apply returns a new View and
// leaves the receiver untouched.
type View struct {
	Room    store.Room
	Members map[string]store.Membership
	Round   *store.Round
	// Deleted is set once the room is known to be gone.
	Deleted bool
	// Provisional holds members seen on the push channel but not yet
	// confirmed by a full fetch.
	Provisional map[string]bool
}

// FromSnapshot builds a confirmed view.
func FromSnapshot(s store.Snapshot) View {
	v := View{
		Room:    s.Room,
		Members: make(map[string]store.Membership, len(s.Members)),
	}
	for _, m := range s.Members {
		v.Members[m.UserID] = m.Clone()
	}
	if s.Round != nil {
		r := s.Round.Clone()
		v.Round = &r
	}
	return v
}

func (v View) clone() View {
	out := v
	out.Members = make(map[string]store.Membership, len(v.Members))
	for id, m := range v.Members {
		out.Members[id] = m.Clone()
	}
	out.Provisional = maps.Clone(v.Provisional)
	if v.Round != nil {
		r := v.Round.Clone()
		out.Round = &r
	}
	return out
}

// Apply folds one change event into the view. Events for other rooms are
// ignored.
func (v View) Apply(ev store.Event) View {
	if ev.RoomID != v.Room.ID {
		return v
	}
	out := v.clone()
	switch ev.Kind {
	case store.RoomCreated, store.RoomUpdated:
		if ev.Room != nil {
			out.Room = *ev.Room
		}
	case store.RoomDeleted:
		out.Deleted = true
	case store.MembershipInserted:
		if ev.Membership == nil {
			break
		}
		if _, exists := out.Members[ev.Membership.UserID]; !exists {
			out.Members[ev.Membership.UserID] = ev.Membership.Clone()
			if out.Provisional == nil {
				out.Provisional = make(map[string]bool)
			}
			out.Provisional[ev.Membership.UserID] = true
		}
	case store.MembershipUpdated:
		if ev.Membership != nil {
			out.Members[ev.Membership.UserID] = ev.Membership.Clone()
		}
	case store.MembershipDeleted:
		if ev.Membership != nil {
			delete(out.Members, ev.Membership.UserID)
			delete(out.Provisional, ev.Membership.UserID)
		}
	case store.RoundInserted, store.RoundUpdated:
		if ev.Round == nil {
			break
		}
		// An inserted round is always the room's newest; an update only
		// replaces the round it belongs to or an older one.
		cur := out.Round
		if cur == nil || cur.ID == ev.Round.ID || ev.Kind == store.RoundInserted || ev.Round.CreatedAt.After(cur.CreatedAt) {
			r := ev.Round.Clone()
			out.Round = &r
		}
	}
	return out
}

// OrderedMembers returns the members by join time.
func (v View) OrderedMembers() []store.Membership {
	out := make([]store.Membership, 0, len(v.Members))
	for _, m := range v.Members {
		out = append(out, m.Clone())
	}
	store.SortByJoinTime(out)
	return out
}

// AllReady reports whether every non-host member is ready.
func (v View) AllReady() bool {
	return lobby.AllReady(v.OrderedMembers(), v.Room.HostID)
}

// IsHost reports whether userID hosts the room.
func (v View) IsHost(userID string) bool {
	return v.Room.HostID == userID
}

// Member returns userID's row.
func (v View) Member(userID string) (store.Membership, bool) {
	m, ok := v.Members[userID]
	return m.Clone(), ok
}

// TotalStaked sums every member's stake.
func (v View) TotalStaked() int64 {
	var total int64
	for _, m := range v.Members {
		total += m.TotalBet
	}
	return total
}
