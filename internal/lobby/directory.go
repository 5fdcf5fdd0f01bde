package lobby

import (
	"context"
	"errors"
	"fmt"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/roomcode"
	"github.com/lox/baucua/internal/store"
)

// CreateRoom opens a waiting room hosted by hostID. A zero maxPlayers takes
// the configured default.
func (m *Manager) CreateRoom(ctx context.Context, hostID string, maxPlayers int) (store.Room, error) {
	if hostID == "" {
		return store.Room{}, fmt.Errorf("%w: missing user", gameerr.ErrInvalidRequest)
	}
	if maxPlayers == 0 {
		maxPlayers = m.config.DefaultMaxPlayers
	}
	if maxPlayers < MinPlayers || maxPlayers > MaxPlayers {
		return store.Room{}, fmt.Errorf("%w: max players must be between %d and %d",
			gameerr.ErrInvalidRequest, MinPlayers, MaxPlayers)
	}
	if _, err := m.store.Balance(ctx, hostID, m.config.StartingBalance); err != nil {
		return store.Room{}, fmt.Errorf("open wallet: %w", err)
	}

	now := m.clock.Now()
	for attempt := 1; attempt <= m.config.CodeAttempts; attempt++ {
		room := store.Room{
			ID:         newID(),
			Code:       m.codes.Generate(),
			HostID:     hostID,
			Status:     store.RoomWaiting,
			MaxPlayers: maxPlayers,
			CreatedAt:  now,
		}
		host := store.Membership{RoomID: room.ID, UserID: hostID, JoinedAt: now}
		err := m.store.CreateRoom(ctx, room, host)
		if errors.Is(err, store.ErrCodeTaken) {
			m.logger.Debug("Room code collision", "code", room.Code, "attempt", attempt)
			continue
		}
		if err != nil {
			return store.Room{}, fmt.Errorf("create room: %w", err)
		}
		m.logger.Info("Room created", "room", room.ID, "code", room.Code, "host", hostID, "max_players", maxPlayers)
		return room, nil
	}
	return store.Room{}, fmt.Errorf("create room: no free code after %d attempts", m.config.CodeAttempts)
}

// ListOpenRooms returns joinable rooms, newest first. Rooms nobody sits in
// are left out.
func (m *Manager) ListOpenRooms(ctx context.Context) ([]store.RoomSummary, error) {
	all, err := m.store.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	open := make([]store.RoomSummary, 0, len(all))
	for _, r := range all {
		if r.Status.Open() && r.PlayerCount > 0 {
			open = append(open, r)
		}
	}
	return open, nil
}

// JoinRoom seats userID in the open room with the given code. Joining a room
// the user already sits in changes nothing.
func (m *Manager) JoinRoom(ctx context.Context, code, userID string) (store.Room, error) {
	if userID == "" {
		return store.Room{}, fmt.Errorf("%w: missing user", gameerr.ErrInvalidRequest)
	}
	code = roomcode.Normalize(code)
	if err := roomcode.Validate(code); err != nil {
		return store.Room{}, fmt.Errorf("%w: %v", gameerr.ErrRoomNotFound, err)
	}
	room, err := m.store.FindRoomByCode(ctx, code)
	if err != nil {
		return store.Room{}, err
	}
	if !room.Status.Open() {
		return store.Room{}, gameerr.ErrRoomNotFound
	}

	if _, err := m.store.GetMember(ctx, room.ID, userID); err == nil {
		return room, nil
	} else if !errors.Is(err, gameerr.ErrNotMember) {
		return store.Room{}, err
	}

	members, err := m.store.Members(ctx, room.ID)
	if err != nil {
		return store.Room{}, fmt.Errorf("list members: %w", err)
	}
	if len(members) >= room.MaxPlayers {
		return store.Room{}, gameerr.ErrRoomFull
	}
	if _, err := m.store.Balance(ctx, userID, m.config.StartingBalance); err != nil {
		return store.Room{}, fmt.Errorf("open wallet: %w", err)
	}

	inserted, err := m.store.AddMember(ctx, store.Membership{
		RoomID:   room.ID,
		UserID:   userID,
		JoinedAt: m.clock.Now(),
	})
	if err != nil {
		return store.Room{}, err
	}
	if !inserted {
		return room, nil
	}

	// Two joins can both pass the capacity check. The later seat loses.
	members, err = m.store.Members(ctx, room.ID)
	if err != nil {
		return store.Room{}, fmt.Errorf("list members: %w", err)
	}
	for i, mem := range members {
		if mem.UserID == userID && i >= room.MaxPlayers {
			if _, _, err := m.store.RemoveMember(ctx, room.ID, userID); err != nil {
				return store.Room{}, err
			}
			return store.Room{}, gameerr.ErrRoomFull
		}
	}

	m.logger.Info("Player joined", "room", room.ID, "user", userID, "players", len(members))
	return room, nil
}
