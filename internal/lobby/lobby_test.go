package lobby

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/baucua/internal/dice"
	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/roomcode"
	"github.com/lox/baucua/internal/store"
)

type fixture struct {
	ctx   context.Context
	store *store.Memory
	clock *quartz.Mock
	lobby *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := quartz.NewMock(t)
	logger := log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
	codes := roomcode.NewGenerator(dice.NewRand(42))
	return &fixture{
		ctx:   context.Background(),
		store: mem,
		clock: clock,
		lobby: New(mem, clock, codes, DefaultConfig(), logger),
	}
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	f.clock.Advance(time.Second).MustWait(f.ctx)
}

// room creates a room hosted by host and seats players in order, one second
// apart.
func (f *fixture) room(t *testing.T, host string, players ...string) store.Room {
	t.Helper()
	room, err := f.lobby.CreateRoom(f.ctx, host, 0)
	require.NoError(t, err)
	for _, p := range players {
		f.tick(t)
		_, err := f.lobby.JoinRoom(f.ctx, room.Code, p)
		require.NoError(t, err)
	}
	return room
}

func (f *fixture) startBetting(t *testing.T, roomID string) store.Round {
	t.Helper()
	r := store.Round{ID: "round-" + roomID, RoomID: roomID, Status: store.RoundBetting, CreatedAt: f.clock.Now()}
	require.NoError(t, f.store.CreateRound(f.ctx, r))
	return r
}

type zeroSource struct{}

func (zeroSource) IntN(int) int { return 0 }

func TestCreateRoom(t *testing.T) {
	f := newFixture(t)

	room, err := f.lobby.CreateRoom(f.ctx, "host", 0)
	require.NoError(t, err)
	assert.Equal(t, store.RoomWaiting, room.Status)
	assert.Equal(t, 6, room.MaxPlayers)
	assert.Equal(t, "host", room.HostID)
	assert.NoError(t, roomcode.Validate(room.Code))

	members, err := f.store.Members(f.ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "host", members[0].UserID)

	bal, err := f.lobby.Balance(f.ctx, "host")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().StartingBalance, bal)

	for _, n := range []int{1, 13, -2} {
		_, err := f.lobby.CreateRoom(f.ctx, "host", n)
		assert.ErrorIs(t, err, gameerr.ErrInvalidRequest, "max players %d", n)
	}
}

func TestCreateRoomGivesUpAfterCodeCollisions(t *testing.T) {
	f := newFixture(t)
	f.lobby = New(f.store, f.clock, roomcode.NewGenerator(zeroSource{}), DefaultConfig(), f.lobby.logger)

	room, err := f.lobby.CreateRoom(f.ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", room.Code)

	_, err = f.lobby.CreateRoom(f.ctx, "b", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "8 attempts")
}

func TestJoinRoom(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "host")

	joined, err := f.lobby.JoinRoom(f.ctx, "  "+strings.ToLower(room.Code)+" ", "p1")
	require.NoError(t, err)
	assert.Equal(t, room.ID, joined.ID)

	// Joining again is a no-op.
	_, err = f.lobby.JoinRoom(f.ctx, room.Code, "p1")
	require.NoError(t, err)
	members, err := f.store.Members(f.ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = f.lobby.JoinRoom(f.ctx, "ZZZZZZ", "p2")
	assert.ErrorIs(t, err, gameerr.ErrRoomNotFound)
	_, err = f.lobby.JoinRoom(f.ctx, "nope", "p2")
	assert.ErrorIs(t, err, gameerr.ErrRoomNotFound)

	room.Status = store.RoomFinished
	require.NoError(t, f.store.UpdateRoom(f.ctx, room))
	_, err = f.lobby.JoinRoom(f.ctx, room.Code, "p2")
	assert.ErrorIs(t, err, gameerr.ErrRoomNotFound)
}

func TestJoinFullRoom(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "host", "p1", "p2", "p3", "p4", "p5")

	_, err := f.lobby.JoinRoom(f.ctx, room.Code, "p6")
	require.ErrorIs(t, err, gameerr.ErrRoomFull)

	members, err := f.store.Members(f.ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, members, 6)
}

func TestJoinPlayingRoomKeepsRound(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "host")
	round := f.startBetting(t, room.ID)
	room.Status = store.RoomPlaying
	require.NoError(t, f.store.UpdateRoom(f.ctx, room))

	_, err := f.lobby.JoinRoom(f.ctx, room.Code, "late")
	require.NoError(t, err)

	active, err := f.store.ActiveRound(f.ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, round.ID, active.ID)
	assert.Equal(t, store.RoundBetting, active.Status)
}

func TestListOpenRooms(t *testing.T) {
	f := newFixture(t)
	first := f.room(t, "a")
	f.tick(t)
	second := f.room(t, "b")
	f.tick(t)
	finished := f.room(t, "c")
	finished.Status = store.RoomFinished
	require.NoError(t, f.store.UpdateRoom(f.ctx, finished))
	f.tick(t)
	empty := f.room(t, "d")
	_, _, err := f.store.RemoveMember(f.ctx, empty.ID, "d")
	require.NoError(t, err)

	rooms, err := f.lobby.ListOpenRooms(f.ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, second.ID, rooms[0].ID)
	assert.Equal(t, first.ID, rooms[1].ID)
	assert.Equal(t, 1, rooms[0].PlayerCount)
}

func TestLeaveRoomMigratesHost(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "host", "p1", "p2")

	res, err := f.lobby.LeaveRoom(f.ctx, room.ID, "host")
	require.NoError(t, err)
	assert.True(t, res.Left)
	assert.Equal(t, HostMigrated, res.Change)

	got, err := f.store.GetRoom(f.ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.HostID)

	// Leaving twice is a no-op.
	res, err = f.lobby.LeaveRoom(f.ctx, room.ID, "host")
	require.NoError(t, err)
	assert.False(t, res.Left)
	members, err := f.store.Members(f.ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestLastLeaverDissolvesRoom(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "host", "p1")
	f.startBetting(t, room.ID)

	_, err := f.lobby.LeaveRoom(f.ctx, room.ID, "p1")
	require.NoError(t, err)
	res, err := f.lobby.LeaveRoom(f.ctx, room.ID, "host")
	require.NoError(t, err)
	assert.Equal(t, RoomDissolved, res.Change)

	_, err = f.store.GetRoom(f.ctx, room.ID)
	assert.ErrorIs(t, err, gameerr.ErrRoomNotFound)
	active, err := f.store.ActiveRound(f.ctx, room.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	res, err = f.lobby.LeaveRoom(f.ctx, room.ID, "host")
	require.NoError(t, err)
	assert.False(t, res.Left)
}

func TestLeaveRefundsBettingStake(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "host", "p1")
	f.startBetting(t, room.ID)

	_, err := f.lobby.PlaceBet(f.ctx, room.ID, "p1", ledger.Bau, 50000, "")
	require.NoError(t, err)

	res, err := f.lobby.LeaveRoom(f.ctx, room.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), res.Refunded)

	bal, err := f.lobby.Balance(f.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().StartingBalance, bal)
}

func TestMigrateHost(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	room := store.Room{ID: "r", HostID: "host"}
	tests := []struct {
		name      string
		remaining []store.Membership
		wantHost  string
		want      HostChange
	}{
		{"empty", nil, "host", RoomDissolved},
		{"host stays", []store.Membership{{UserID: "p1", JoinedAt: t0}, {UserID: "host", JoinedAt: t0.Add(time.Hour)}}, "host", HostUnchanged},
		{"earliest joiner", []store.Membership{{UserID: "p2", JoinedAt: t0.Add(2 * time.Second)}, {UserID: "p1", JoinedAt: t0.Add(time.Second)}}, "p1", HostMigrated},
		{"tie by user id", []store.Membership{{UserID: "zed", JoinedAt: t0}, {UserID: "amy", JoinedAt: t0}}, "amy", HostMigrated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, change := MigrateHost(room, tt.remaining)
			assert.Equal(t, tt.want, change)
			assert.Equal(t, tt.wantHost, got.HostID)
		})
	}
}

func TestAllReady(t *testing.T) {
	tests := []struct {
		name    string
		members []store.Membership
		want    bool
	}{
		{"host alone", []store.Membership{{UserID: "h"}}, true},
		{"host not ready is fine", []store.Membership{{UserID: "h"}, {UserID: "a", IsReady: true}}, true},
		{"one not ready", []store.Membership{{UserID: "h", IsReady: true}, {UserID: "a", IsReady: true}, {UserID: "b"}}, false},
		{"no members", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AllReady(tt.members, "h"))
		})
	}
}

func TestToggleReady(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "host", "p1")

	m, err := f.lobby.ToggleReady(f.ctx, room.ID, "p1")
	require.NoError(t, err)
	assert.True(t, m.IsReady)

	round := f.startBetting(t, room.ID)
	m, err = f.lobby.ToggleReady(f.ctx, room.ID, "p1")
	require.NoError(t, err)
	assert.False(t, m.IsReady)

	_, err = f.lobby.ToggleReady(f.ctx, room.ID, "stranger")
	assert.ErrorIs(t, err, gameerr.ErrNotMember)

	_, err = f.store.TransitionRound(f.ctx, round.ID, store.RoundBetting, store.RoundRolling, nil)
	require.NoError(t, err)
	_, err = f.lobby.ToggleReady(f.ctx, room.ID, "p1")
	assert.ErrorIs(t, err, gameerr.ErrInvalidPhase)
}

func TestPlaceBet(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "host", "p1")
	start := DefaultConfig().StartingBalance

	_, err := f.lobby.PlaceBet(f.ctx, room.ID, "p1", ledger.Bau, 10000, "")
	require.ErrorIs(t, err, gameerr.ErrInvalidPhase, "no round yet")

	f.startBetting(t, room.ID)

	res, err := f.lobby.PlaceBet(f.ctx, room.ID, "p1", ledger.Bau, 10000, "req-1")
	require.NoError(t, err)
	assert.Equal(t, start-10000, res.Balance)
	assert.Equal(t, int64(10000), res.Member.TotalBet)

	// A retried request is not charged twice.
	res, err = f.lobby.PlaceBet(f.ctx, room.ID, "p1", ledger.Bau, 10000, "req-1")
	require.NoError(t, err)
	assert.Equal(t, start-10000, res.Balance)
	assert.Equal(t, int64(10000), res.Member.TotalBet)

	res, err = f.lobby.PlaceBet(f.ctx, room.ID, "p1", ledger.Cua, 50000, "req-2")
	require.NoError(t, err)
	assert.Equal(t, int64(60000), res.Member.TotalBet)
	assert.Equal(t, ledger.Bets{ledger.Bau: 10000, ledger.Cua: 50000}, res.Member.BetDetails)

	_, err = f.lobby.PlaceBet(f.ctx, room.ID, "p1", ledger.Ga, start, "")
	assert.ErrorIs(t, err, gameerr.ErrInsufficientBalance)
	_, err = f.lobby.PlaceBet(f.ctx, room.ID, "p1", ledger.Ga, 0, "")
	assert.ErrorIs(t, err, gameerr.ErrInvalidRequest)
	_, err = f.lobby.PlaceBet(f.ctx, room.ID, "p1", ledger.Animal("dog"), 10000, "")
	assert.ErrorIs(t, err, gameerr.ErrInvalidRequest)
	_, err = f.lobby.PlaceBet(f.ctx, room.ID, "stranger", ledger.Ga, 10000, "")
	assert.ErrorIs(t, err, gameerr.ErrNotMember)

	bal, err := f.lobby.Balance(f.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, start-60000, bal)
}

func TestClearBetsRefundsOnce(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "host", "p1")
	round := f.startBetting(t, room.ID)
	start := DefaultConfig().StartingBalance

	_, err := f.lobby.PlaceBet(f.ctx, room.ID, "p1", ledger.Tom, 100000, "")
	require.NoError(t, err)

	res, err := f.lobby.ClearBets(f.ctx, room.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, start, res.Balance)
	assert.Zero(t, res.Member.TotalBet)
	assert.Empty(t, res.Member.BetDetails)

	res, err = f.lobby.ClearBets(f.ctx, room.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, start, res.Balance)

	_, err = f.store.TransitionRound(f.ctx, round.ID, store.RoundBetting, store.RoundRolling, nil)
	require.NoError(t, err)
	_, err = f.lobby.ClearBets(f.ctx, room.ID, "p1")
	assert.ErrorIs(t, err, gameerr.ErrInvalidPhase)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "host", "p1")

	snap, err := f.lobby.Snapshot(f.ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, snap.Room.ID)
	assert.Len(t, snap.Members, 2)
	assert.Nil(t, snap.Round)

	round := f.startBetting(t, room.ID)
	snap, err = f.lobby.Snapshot(f.ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.Round)
	assert.Equal(t, round.ID, snap.Round.ID)

	_, err = f.lobby.Snapshot(f.ctx, "missing")
	assert.ErrorIs(t, err, gameerr.ErrRoomNotFound)
}

func TestRoundLookup(t *testing.T) {
	f := newFixture(t)
	room := f.room(t, "host")
	other := f.room(t, "other")
	r := f.startBetting(t, room.ID)

	got, err := f.lobby.Round(f.ctx, room.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = f.lobby.Round(f.ctx, other.ID, r.ID)
	assert.ErrorIs(t, err, store.ErrRoundNotFound)
	_, err = f.lobby.Round(f.ctx, room.ID, "missing")
	assert.ErrorIs(t, err, store.ErrRoundNotFound)
}
