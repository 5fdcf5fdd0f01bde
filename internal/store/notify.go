package store

import (
	"context"
	"sync"

	"github.com/lox/baucua/internal/ledger"
)

// Notifying wraps a Store and publishes an Event for every successful
// mutation. Reads pass straight through. Mutations of one room are
// serialised with their publication, so subscribers see a room's events in
// commit order.
type Notifying struct {
	Store
	broker *Broker

	rooms sync.Map // room id -> *sync.Mutex
}

// WithEvents returns s decorated with change publication to broker.
func WithEvents(s Store, broker *Broker) *Notifying {
	return &Notifying{Store: s, broker: broker}
}

// Broker returns the broker events are published to.
func (n *Notifying) Broker() *Broker {
	return n.broker
}

// lock holds roomID until the returned func is called.
func (n *Notifying) lock(roomID string) func() {
	mu, _ := n.rooms.LoadOrStore(roomID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

func (n *Notifying) roomEvent(kind EventKind, room Room) {
	n.broker.Publish(Event{Kind: kind, RoomID: room.ID, Room: &room})
}

func (n *Notifying) memberEvent(kind EventKind, m Membership) {
	m = m.Clone()
	n.broker.Publish(Event{Kind: kind, RoomID: m.RoomID, Membership: &m})
}

func (n *Notifying) roundEvent(kind EventKind, r Round) {
	r = r.Clone()
	n.broker.Publish(Event{Kind: kind, RoomID: r.RoomID, Round: &r})
}

func (n *Notifying) CreateRoom(ctx context.Context, room Room, host Membership) error {
	defer n.lock(room.ID)()
	if err := n.Store.CreateRoom(ctx, room, host); err != nil {
		return err
	}
	n.roomEvent(RoomCreated, room)
	n.memberEvent(MembershipInserted, host)
	return nil
}

func (n *Notifying) UpdateRoom(ctx context.Context, room Room) error {
	defer n.lock(room.ID)()
	if err := n.Store.UpdateRoom(ctx, room); err != nil {
		return err
	}
	n.roomEvent(RoomUpdated, room)
	return nil
}

func (n *Notifying) DeleteRoom(ctx context.Context, roomID string) error {
	defer n.lock(roomID)()
	room, err := n.Store.GetRoom(ctx, roomID)
	if err != nil {
		// Already gone; deletion is idempotent.
		return n.Store.DeleteRoom(ctx, roomID)
	}
	if err := n.Store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	n.roomEvent(RoomDeleted, room)
	n.rooms.Delete(roomID)
	return nil
}

func (n *Notifying) AddMember(ctx context.Context, m Membership) (bool, error) {
	defer n.lock(m.RoomID)()
	inserted, err := n.Store.AddMember(ctx, m)
	if err != nil || !inserted {
		return inserted, err
	}
	n.memberEvent(MembershipInserted, m)
	return true, nil
}

func (n *Notifying) UpdateMember(ctx context.Context, m Membership) error {
	defer n.lock(m.RoomID)()
	if err := n.Store.UpdateMember(ctx, m); err != nil {
		return err
	}
	n.memberEvent(MembershipUpdated, m)
	return nil
}

func (n *Notifying) ToggleReady(ctx context.Context, roomID, userID string) (Membership, error) {
	defer n.lock(roomID)()
	m, err := n.Store.ToggleReady(ctx, roomID, userID)
	if err != nil {
		return m, err
	}
	n.memberEvent(MembershipUpdated, m)
	return m, nil
}

func (n *Notifying) RemoveMember(ctx context.Context, roomID, userID string) (Membership, bool, error) {
	defer n.lock(roomID)()
	m, removed, err := n.Store.RemoveMember(ctx, roomID, userID)
	if err != nil || !removed {
		return m, removed, err
	}
	n.memberEvent(MembershipDeleted, m)
	return m, true, nil
}

func (n *Notifying) ResetMembers(ctx context.Context, roomID string) ([]Membership, error) {
	defer n.lock(roomID)()
	members, err := n.Store.ResetMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		n.memberEvent(MembershipUpdated, m)
	}
	return members, nil
}

func (n *Notifying) AddStake(ctx context.Context, roomID, userID string, animal ledger.Animal, amount int64) (Membership, error) {
	defer n.lock(roomID)()
	m, err := n.Store.AddStake(ctx, roomID, userID, animal, amount)
	if err != nil {
		return m, err
	}
	n.memberEvent(MembershipUpdated, m)
	return m, nil
}

func (n *Notifying) SwapBets(ctx context.Context, roomID, userID string) (Membership, Membership, error) {
	defer n.lock(roomID)()
	before, after, err := n.Store.SwapBets(ctx, roomID, userID)
	if err != nil {
		return before, after, err
	}
	if before.TotalBet != 0 {
		n.memberEvent(MembershipUpdated, after)
	}
	return before, after, nil
}

func (n *Notifying) CreateRound(ctx context.Context, r Round) error {
	defer n.lock(r.RoomID)()
	if err := n.Store.CreateRound(ctx, r); err != nil {
		return err
	}
	n.roundEvent(RoundInserted, r)
	return nil
}

func (n *Notifying) TransitionRound(ctx context.Context, roundID string, from, to RoundStatus, outcome []ledger.Animal) (Round, error) {
	cur, err := n.Store.GetRound(ctx, roundID)
	if err != nil {
		return Round{}, err
	}
	defer n.lock(cur.RoomID)()

	r, err := n.Store.TransitionRound(ctx, roundID, from, to, outcome)
	if err != nil {
		return r, err
	}
	n.roundEvent(RoundUpdated, r)
	return r, nil
}
