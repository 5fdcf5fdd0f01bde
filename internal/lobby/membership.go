package lobby

import (
	"context"
	"errors"
	"fmt"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/store"
)

// HostChange is the effect a departure has on a room.
type HostChange int

const (
	HostUnchanged HostChange = iota
	HostMigrated
	RoomDissolved
)

func (c HostChange) String() string {
	switch c {
	case HostMigrated:
		return "migrated"
	case RoomDissolved:
		return "dissolved"
	default:
		return "unchanged"
	}
}

// MigrateHost decides what happens to room once only remaining still sit in
// it. If the host left, the earliest joiner takes over; if nobody is left the
// room is dissolved.
func MigrateHost(room store.Room, remaining []store.Membership) (store.Room, HostChange) {
	if len(remaining) == 0 {
		return room, RoomDissolved
	}
	for _, m := range remaining {
		if m.UserID == room.HostID {
			return room, HostUnchanged
		}
	}
	sorted := append([]store.Membership(nil), remaining...)
	store.SortByJoinTime(sorted)
	room.HostID = sorted[0].UserID
	return room, HostMigrated
}

// AllReady reports whether every non-host member is ready. A host alone is
// always ready.
func AllReady(members []store.Membership, hostID string) bool {
	for _, m := range members {
		if m.UserID != hostID && !m.IsReady {
			return false
		}
	}
	return true
}

// LeaveResult describes what a LeaveRoom call did.
type LeaveResult struct {
	Left     bool
	Refunded int64
	Change   HostChange
	Room     store.Room
}

// LeaveRoom removes userID from the room. Leaving twice, or leaving a room
// that no longer exists, is a no-op. Stakes still in a betting round are
// refunded; stakes in a round already rolling stay on the table.
func (m *Manager) LeaveRoom(ctx context.Context, roomID, userID string) (LeaveResult, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, gameerr.ErrRoomNotFound) {
			return LeaveResult{}, nil
		}
		return LeaveResult{}, err
	}
	round, err := m.store.ActiveRound(ctx, roomID)
	if err != nil {
		return LeaveResult{}, fmt.Errorf("active round: %w", err)
	}

	left, removed, err := m.store.RemoveMember(ctx, roomID, userID)
	if err != nil {
		return LeaveResult{}, err
	}
	if !removed {
		return LeaveResult{Room: room}, nil
	}
	res := LeaveResult{Left: true, Room: room}

	if left.TotalBet > 0 && round != nil && round.Status == store.RoundBetting {
		_, applied, err := m.store.AdjustBalance(ctx, store.Adjustment{
			UserID: userID,
			Delta:  left.TotalBet,
			Key:    fmt.Sprintf("leave:%s:%s", round.ID, userID),
		})
		if err != nil {
			return res, fmt.Errorf("refund stake: %w", err)
		}
		if applied {
			res.Refunded = left.TotalBet
		}
	}

	remaining, err := m.store.Members(ctx, roomID)
	if err != nil {
		return res, fmt.Errorf("list members: %w", err)
	}
	res.Room, res.Change = MigrateHost(room, remaining)
	switch res.Change {
	case RoomDissolved:
		if err := m.store.DeleteRoom(ctx, roomID); err != nil {
			return res, fmt.Errorf("delete room: %w", err)
		}
	case HostMigrated:
		if err := m.store.UpdateRoom(ctx, res.Room); err != nil {
			return res, fmt.Errorf("migrate host: %w", err)
		}
	}

	m.logger.Info("Player left", "room", roomID, "user", userID,
		"refunded", res.Refunded, "host", res.Change, "players", len(remaining))
	return res, nil
}

// ToggleReady flips the member's readiness. It is only allowed before the
// first round or while the active round takes bets.
func (m *Manager) ToggleReady(ctx context.Context, roomID, userID string) (store.Membership, error) {
	if _, err := m.store.GetRoom(ctx, roomID); err != nil {
		return store.Membership{}, err
	}
	round, err := m.store.ActiveRound(ctx, roomID)
	if err != nil {
		return store.Membership{}, fmt.Errorf("active round: %w", err)
	}
	if round != nil && round.Status != store.RoundBetting {
		return store.Membership{}, fmt.Errorf("%w: round is %s", gameerr.ErrInvalidPhase, round.Status)
	}
	mem, err := m.store.ToggleReady(ctx, roomID, userID)
	if err != nil {
		return store.Membership{}, err
	}
	m.logger.Debug("Readiness changed", "room", roomID, "user", userID, "ready", mem.IsReady)
	return mem, nil
}
