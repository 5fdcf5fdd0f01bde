// Package store holds the server-side records of rooms, memberships, rounds
// and wallets, and publishes a change event for every committed mutation.
//
// Every method is a single atomic write (or read). Multi-step operations such
// as "reset all members then start a round" are composed by callers and rely
// on idempotent retries rather than rollback.
package store

import (
	"context"
	"errors"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
)

var (
	// ErrCodeTaken is returned by CreateRoom when the join code collides.
	ErrCodeTaken = errors.New("room code already in use")
	// ErrRoundNotFound is returned when a round id does not exist.
	ErrRoundNotFound = gameerr.ErrRoundNotFound
	// ErrStatusMismatch is returned by TransitionRound when the round is not
	// in the expected status.
	ErrStatusMismatch = errors.New("round status mismatch")
	// ErrStakeUnderflow is returned by AddStake when a withdrawal is larger
	// than the stake it comes from.
	ErrStakeUnderflow = errors.New("stake would go below zero")
)

// Store is the server-held truth. Implementations must be safe for
// concurrent use.
type Store interface {
	CreateRoom(ctx context.Context, room Room, host Membership) error
	GetRoom(ctx context.Context, roomID string) (Room, error)
	FindRoomByCode(ctx context.Context, code string) (Room, error)
	ListRooms(ctx context.Context) ([]RoomSummary, error)
	UpdateRoom(ctx context.Context, room Room) error
	// DeleteRoom removes the room with its memberships and rounds. Deleting
	// a missing room is not an error.
	DeleteRoom(ctx context.Context, roomID string) error

	// AddMember inserts m unless the user is already a member, in which case
	// it reports inserted=false and changes nothing.
	AddMember(ctx context.Context, m Membership) (inserted bool, err error)
	GetMember(ctx context.Context, roomID, userID string) (Membership, error)
	// Members returns the room's members ordered by join time.
	Members(ctx context.Context, roomID string) ([]Membership, error)
	UpdateMember(ctx context.Context, m Membership) error
	// ToggleReady flips the member's readiness and returns the new row.
	ToggleReady(ctx context.Context, roomID, userID string) (Membership, error)
	// RemoveMember deletes the row and returns it. Removing a missing row
	// reports removed=false.
	RemoveMember(ctx context.Context, roomID, userID string) (m Membership, removed bool, err error)
	// ResetMembers clears readiness and stakes of every member of the room.
	ResetMembers(ctx context.Context, roomID string) ([]Membership, error)
	// AddStake adds amount to the member's stake on animal. A negative amount
	// withdraws and fails with ErrStakeUnderflow if the stake is too small.
	AddStake(ctx context.Context, roomID, userID string, animal ledger.Animal, amount int64) (Membership, error)
	// SwapBets clears the member's stakes and returns the row as it was
	// before clearing. A second call returns a zero TotalBet.
	SwapBets(ctx context.Context, roomID, userID string) (before Membership, after Membership, err error)

	CreateRound(ctx context.Context, r Round) error
	GetRound(ctx context.Context, roundID string) (Round, error)
	// ActiveRound returns the most recently created round of the room, or
	// nil when the room has not played yet.
	ActiveRound(ctx context.Context, roomID string) (*Round, error)
	// TransitionRound moves a round from one status to another, setting the
	// outcome. It fails with ErrStatusMismatch if the round is not in from.
	TransitionRound(ctx context.Context, roundID string, from, to RoundStatus, outcome []ledger.Animal) (Round, error)

	// Balance returns the user's balance, creating the wallet with initial
	// if it does not exist yet.
	Balance(ctx context.Context, userID string, initial int64) (int64, error)
	// AdjustBalance atomically adds adj.Delta to the balance. A negative
	// delta that would take the balance below zero fails with
	// gameerr.ErrInsufficientBalance. A repeated non-empty key is a no-op
	// reporting applied=false.
	AdjustBalance(ctx context.Context, adj Adjustment) (balance int64, applied bool, err error)

	Close() error
}
