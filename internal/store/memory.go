package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
)

type memberKey struct {
	roomID string
	userID string
}

// Memory is an in-process Store. It is the default for development and tests.
type Memory struct {
	mu         sync.RWMutex
	rooms      map[string]Room
	codes      map[string]string // code -> room id
	members    map[memberKey]Membership
	rounds     map[string]Round
	roomRounds map[string][]string // room id -> round ids in creation order
	wallets    map[string]int64
	applied    map[string]struct{} // adjustment keys already applied
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:      make(map[string]Room),
		codes:      make(map[string]string),
		members:    make(map[memberKey]Membership),
		rounds:     make(map[string]Round),
		roomRounds: make(map[string][]string),
		wallets:    make(map[string]int64),
		applied:    make(map[string]struct{}),
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) CreateRoom(_ context.Context, room Room, host Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.codes[room.Code]; taken {
		return ErrCodeTaken
	}
	if _, exists := s.rooms[room.ID]; exists {
		return fmt.Errorf("room %s already exists", room.ID)
	}
	s.rooms[room.ID] = room
	s.codes[room.Code] = room.ID
	s.members[memberKey{room.ID, host.UserID}] = host.Clone()
	return nil
}

func (s *Memory) GetRoom(_ context.Context, roomID string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, gameerr.ErrRoomNotFound
	}
	return room, nil
}

func (s *Memory) FindRoomByCode(_ context.Context, code string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.codes[code]
	if !ok {
		return Room{}, gameerr.ErrRoomNotFound
	}
	return s.rooms[id], nil
}

func (s *Memory) ListRooms(_ context.Context) ([]RoomSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int, len(s.rooms))
	for k := range s.members {
		counts[k.roomID]++
	}

	out := make([]RoomSummary, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, RoomSummary{Room: room, PlayerCount: counts[room.ID]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memory) UpdateRoom(_ context.Context, room Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.rooms[room.ID]
	if !ok {
		return gameerr.ErrRoomNotFound
	}
	if old.Code != room.Code {
		return fmt.Errorf("room code is immutable")
	}
	s.rooms[room.ID] = room
	return nil
}

func (s *Memory) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	delete(s.rooms, roomID)
	delete(s.codes, room.Code)
	for k := range s.members {
		if k.roomID == roomID {
			delete(s.members, k)
		}
	}
	for _, id := range s.roomRounds[roomID] {
		delete(s.rounds, id)
	}
	delete(s.roomRounds, roomID)
	return nil
}

func (s *Memory) AddMember(_ context.Context, m Membership) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[m.RoomID]; !ok {
		return false, gameerr.ErrRoomNotFound
	}
	k := memberKey{m.RoomID, m.UserID}
	if _, exists := s.members[k]; exists {
		return false, nil
	}
	s.members[k] = m.Clone()
	return true, nil
}

func (s *Memory) GetMember(_ context.Context, roomID, userID string) (Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[memberKey{roomID, userID}]
	if !ok {
		return Membership{}, gameerr.ErrNotMember
	}
	return m.Clone(), nil
}

func (s *Memory) Members(_ context.Context, roomID string) ([]Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Membership
	for k, m := range s.members {
		if k.roomID == roomID {
			out = append(out, m.Clone())
		}
	}
	SortByJoinTime(out)
	return out, nil
}

func (s *Memory) UpdateMember(_ context.Context, m Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memberKey{m.RoomID, m.UserID}
	if _, ok := s.members[k]; !ok {
		return gameerr.ErrNotMember
	}
	s.members[k] = m.Clone()
	return nil
}

func (s *Memory) ToggleReady(_ context.Context, roomID, userID string) (Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memberKey{roomID, userID}
	m, ok := s.members[k]
	if !ok {
		return Membership{}, gameerr.ErrNotMember
	}
	m.IsReady = !m.IsReady
	s.members[k] = m
	return m.Clone(), nil
}

func (s *Memory) RemoveMember(_ context.Context, roomID, userID string) (Membership, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memberKey{roomID, userID}
	m, ok := s.members[k]
	if !ok {
		return Membership{}, false, nil
	}
	delete(s.members, k)
	return m, true, nil
}

func (s *Memory) ResetMembers(_ context.Context, roomID string) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Membership
	for k, m := range s.members {
		if k.roomID != roomID {
			continue
		}
		m.IsReady = false
		m.ClearBets()
		s.members[k] = m
		out = append(out, m.Clone())
	}
	SortByJoinTime(out)
	return out, nil
}

func (s *Memory) AddStake(_ context.Context, roomID, userID string, animal ledger.Animal, amount int64) (Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memberKey{roomID, userID}
	m, ok := s.members[k]
	if !ok {
		return Membership{}, gameerr.ErrNotMember
	}
	if m.BetDetails[animal]+amount < 0 {
		return m.Clone(), ErrStakeUnderflow
	}
	m = m.Clone()
	m.BetDetails[animal] += amount
	m.TotalBet = m.BetDetails.Total()
	s.members[k] = m
	return m.Clone(), nil
}

func (s *Memory) SwapBets(_ context.Context, roomID, userID string) (Membership, Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memberKey{roomID, userID}
	before, ok := s.members[k]
	if !ok {
		return Membership{}, Membership{}, gameerr.ErrNotMember
	}
	after := before.Clone()
	after.ClearBets()
	s.members[k] = after
	return before.Clone(), after.Clone(), nil
}

func (s *Memory) CreateRound(_ context.Context, r Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[r.RoomID]; !ok {
		return gameerr.ErrRoomNotFound
	}
	if _, exists := s.rounds[r.ID]; exists {
		return fmt.Errorf("round %s already exists", r.ID)
	}
	s.rounds[r.ID] = r.Clone()
	s.roomRounds[r.RoomID] = append(s.roomRounds[r.RoomID], r.ID)
	return nil
}

func (s *Memory) GetRound(_ context.Context, roundID string) (Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[roundID]
	if !ok {
		return Round{}, ErrRoundNotFound
	}
	return r.Clone(), nil
}

func (s *Memory) ActiveRound(_ context.Context, roomID string) (*Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.roomRounds[roomID]
	if len(ids) == 0 {
		return nil, nil
	}
	r := s.rounds[ids[len(ids)-1]].Clone()
	return &r, nil
}

func (s *Memory) TransitionRound(_ context.Context, roundID string, from, to RoundStatus, outcome []ledger.Animal) (Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[roundID]
	if !ok {
		return Round{}, ErrRoundNotFound
	}
	if r.Status != from {
		return r.Clone(), fmt.Errorf("%w: round %s is %s, expected %s", ErrStatusMismatch, roundID, r.Status, from)
	}
	r.Status = to
	if to.HasOutcome() {
		if outcome != nil {
			r.Outcome = append([]ledger.Animal(nil), outcome...)
		}
	} else {
		r.Outcome = nil
	}
	s.rounds[roundID] = r
	return r.Clone(), nil
}

func (s *Memory) Balance(_ context.Context, userID string, initial int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.wallets[userID]
	if !ok {
		s.wallets[userID] = initial
		return initial, nil
	}
	return bal, nil
}

func (s *Memory) AdjustBalance(_ context.Context, adj Adjustment) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.wallets[adj.UserID]
	if adj.Key != "" {
		if _, done := s.applied[adj.Key]; done {
			return bal, false, nil
		}
	}
	if bal+adj.Delta < 0 {
		return bal, false, gameerr.ErrInsufficientBalance
	}
	bal += adj.Delta
	s.wallets[adj.UserID] = bal
	if adj.Key != "" {
		s.applied[adj.Key] = struct{}{}
	}
	return bal, true, nil
}

// SortByJoinTime orders members by join time, breaking ties by user id so the
// order is total.
func SortByJoinTime(members []Membership) {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID < b.UserID
	})
}
