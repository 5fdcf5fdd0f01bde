package store

import (
	"time"

	"github.com/lox/baucua/internal/ledger"
)

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomPlaying  RoomStatus = "playing"
	RoomFinished RoomStatus = "finished"
)

// Open reports whether players can still find and join the room.
func (s RoomStatus) Open() bool {
	return s == RoomWaiting || s == RoomPlaying
}

// RoundStatus is the phase of a round.
type RoundStatus string

const (
	RoundBetting  RoundStatus = "betting"
	RoundRolling  RoundStatus = "rolling"
	RoundRevealed RoundStatus = "revealed"
	RoundSettled  RoundStatus = "settled"

	// RoundAbandoned is a round replaced while still taking bets. Its stakes
	// were refunded.
	RoundAbandoned RoundStatus = "abandoned"
)

// HasOutcome reports whether a round in this status carries an outcome.
func (s RoundStatus) HasOutcome() bool {
	return s == RoundRevealed || s == RoundSettled
}

// Room is a shared context joining a host and its players.
type Room struct {
	ID         string     `json:"id"`
	Code       string     `json:"code"`
	HostID     string     `json:"hostId"`
	Status     RoomStatus `json:"status"`
	MaxPlayers int        `json:"maxPlayers"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// RoomSummary is a room with its live member count, as listed in the lobby.
type RoomSummary struct {
	Room
	PlayerCount int `json:"playerCount"`
}

// Membership is one player's row in a room.
type Membership struct {
	RoomID     string      `json:"roomId"`
	UserID     string      `json:"userId"`
	IsReady    bool        `json:"isReady"`
	TotalBet   int64       `json:"totalBet"`
	BetDetails ledger.Bets `json:"betDetails"`
	JoinedAt   time.Time   `json:"joinedAt"`
}

// Clone returns a copy of m that shares no maps with it.
func (m Membership) Clone() Membership {
	m.BetDetails = m.BetDetails.Clone()
	return m
}

// ClearBets resets the stake fields, leaving readiness untouched.
func (m *Membership) ClearBets() {
	m.TotalBet = 0
	m.BetDetails = ledger.Bets{}
}

// Round is one betting-to-reveal cycle in a room.
type Round struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"roomId"`
	Status    RoundStatus     `json:"status"`
	Outcome   []ledger.Animal `json:"outcome"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Clone returns a copy of r that shares no slices with it.
func (r Round) Clone() Round {
	if r.Outcome != nil {
		r.Outcome = append([]ledger.Animal(nil), r.Outcome...)
	}
	return r
}

// Wallet is a user's balance. The account subsystem owns it; the room engine
// only reads it and proposes deltas.
type Wallet struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

// Adjustment is an atomic balance increment. A non-empty Key makes it
// idempotent: the store applies each key at most once.
type Adjustment struct {
	UserID string
	Delta  int64
	Key    string
}

// Snapshot is the full state of one room as a poll returns it.
type Snapshot struct {
	Room    Room         `json:"room"`
	Members []Membership `json:"members"`
	Round   *Round       `json:"round,omitempty"`
}
