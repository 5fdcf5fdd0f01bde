// Package storetest is a behavioural test suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/store"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newRoom(id, code, host string, at time.Time) (store.Room, store.Membership) {
	room := store.Room{ID: id, Code: code, HostID: host, Status: store.RoomWaiting, MaxPlayers: 6, CreatedAt: at}
	m := store.Membership{RoomID: id, UserID: host, BetDetails: ledger.Bets{}, JoinedAt: at}
	return room, m
}

// Run runs the whole suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("rooms", func(t *testing.T) { testRooms(t, newStore(t)) })
	t.Run("members", func(t *testing.T) { testMembers(t, newStore(t)) })
	t.Run("stakes", func(t *testing.T) { testStakes(t, newStore(t)) })
	t.Run("rounds", func(t *testing.T) { testRounds(t, newStore(t)) })
	t.Run("wallets", func(t *testing.T) { testWallets(t, newStore(t)) })
	t.Run("concurrent adjustments", func(t *testing.T) { testConcurrentAdjust(t, newStore(t)) })
}

func testRooms(t *testing.T, s store.Store) {
	ctx := context.Background()

	room, host := newRoom("r1", "AAAAAA", "alice", epoch)
	require.NoError(t, s.CreateRoom(ctx, room, host))

	dup, dupHost := newRoom("r2", "AAAAAA", "bob", epoch)
	err := s.CreateRoom(ctx, dup, dupHost)
	require.ErrorIs(t, err, store.ErrCodeTaken)

	got, err := s.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.HostID)
	assert.Equal(t, store.RoomWaiting, got.Status)
	assert.True(t, got.CreatedAt.Equal(epoch))

	byCode, err := s.FindRoomByCode(ctx, "AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "r1", byCode.ID)

	_, err = s.FindRoomByCode(ctx, "ZZZZZZ")
	require.ErrorIs(t, err, gameerr.ErrRoomNotFound)
	_, err = s.GetRoom(ctx, "nope")
	require.ErrorIs(t, err, gameerr.ErrRoomNotFound)

	got.Status = store.RoomPlaying
	got.HostID = "bob"
	require.NoError(t, s.UpdateRoom(ctx, got))
	got, err = s.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.RoomPlaying, got.Status)
	assert.Equal(t, "bob", got.HostID)

	later, laterHost := newRoom("r3", "BBBBBB", "carol", epoch.Add(time.Minute))
	require.NoError(t, s.CreateRoom(ctx, later, laterHost))
	_, err = s.AddMember(ctx, store.Membership{RoomID: "r3", UserID: "dave", BetDetails: ledger.Bets{}, JoinedAt: epoch.Add(2 * time.Minute)})
	require.NoError(t, err)

	list, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r3", list[0].ID, "newest first")
	assert.Equal(t, 2, list[0].PlayerCount)
	assert.Equal(t, 1, list[1].PlayerCount)

	require.NoError(t, s.CreateRound(ctx, store.Round{ID: "round-1", RoomID: "r3", Status: store.RoundBetting, CreatedAt: epoch}))
	require.NoError(t, s.DeleteRoom(ctx, "r3"))
	require.NoError(t, s.DeleteRoom(ctx, "r3"), "deleting twice is a no-op")
	_, err = s.GetRoom(ctx, "r3")
	require.ErrorIs(t, err, gameerr.ErrRoomNotFound)
	members, err := s.Members(ctx, "r3")
	require.NoError(t, err)
	assert.Empty(t, members)
	_, err = s.GetRound(ctx, "round-1")
	require.ErrorIs(t, err, store.ErrRoundNotFound)

	// The code is free again once the room is gone.
	again, againHost := newRoom("r4", "BBBBBB", "erin", epoch)
	require.NoError(t, s.CreateRoom(ctx, again, againHost))
}

func testMembers(t *testing.T, s store.Store) {
	ctx := context.Background()

	room, host := newRoom("r1", "CCCCCC", "alice", epoch)
	require.NoError(t, s.CreateRoom(ctx, room, host))

	_, err := s.AddMember(ctx, store.Membership{RoomID: "missing", UserID: "bob", JoinedAt: epoch})
	require.ErrorIs(t, err, gameerr.ErrRoomNotFound)

	inserted, err := s.AddMember(ctx, store.Membership{RoomID: "r1", UserID: "bob", BetDetails: ledger.Bets{}, JoinedAt: epoch.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = s.AddMember(ctx, store.Membership{RoomID: "r1", UserID: "bob", BetDetails: ledger.Bets{}, JoinedAt: epoch.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, inserted, "second insert is a no-op")

	_, err = s.AddMember(ctx, store.Membership{RoomID: "r1", UserID: "carol", BetDetails: ledger.Bets{}, JoinedAt: epoch.Add(time.Second)})
	require.NoError(t, err)

	members, err := s.Members(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, []string{"alice", "carol", "bob"}, userIDs(members), "ordered by join time")
	assert.True(t, members[2].JoinedAt.Equal(epoch.Add(2*time.Second)), "join time not overwritten")

	bob, err := s.GetMember(ctx, "r1", "bob")
	require.NoError(t, err)
	bob.IsReady = true
	require.NoError(t, s.UpdateMember(ctx, bob))
	bob, err = s.GetMember(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.True(t, bob.IsReady)

	bob, err = s.ToggleReady(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.False(t, bob.IsReady)
	bob, err = s.ToggleReady(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.True(t, bob.IsReady)
	_, err = s.ToggleReady(ctx, "r1", "ghost")
	require.ErrorIs(t, err, gameerr.ErrNotMember)

	err = s.UpdateMember(ctx, store.Membership{RoomID: "r1", UserID: "ghost"})
	require.ErrorIs(t, err, gameerr.ErrNotMember)
	_, err = s.GetMember(ctx, "r1", "ghost")
	require.ErrorIs(t, err, gameerr.ErrNotMember)

	removed, ok, err := s.RemoveMember(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bob", removed.UserID)
	_, ok, err = s.RemoveMember(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.False(t, ok, "removing twice is a no-op")

	members, err = s.Members(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, userIDs(members))
}

func testStakes(t *testing.T, s store.Store) {
	ctx := context.Background()

	room, host := newRoom("r1", "DDDDDD", "alice", epoch)
	require.NoError(t, s.CreateRoom(ctx, room, host))
	_, err := s.AddMember(ctx, store.Membership{RoomID: "r1", UserID: "bob", BetDetails: ledger.Bets{}, JoinedAt: epoch.Add(time.Second)})
	require.NoError(t, err)

	m, err := s.AddStake(ctx, "r1", "bob", ledger.Bau, 10000)
	require.NoError(t, err)
	m, err = s.AddStake(ctx, "r1", "bob", ledger.Bau, 50000)
	require.NoError(t, err)
	m, err = s.AddStake(ctx, "r1", "bob", ledger.Ga, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(70000), m.TotalBet)
	assert.Equal(t, ledger.Bets{ledger.Bau: 60000, ledger.Ga: 10000}, m.BetDetails)

	_, err = s.AddStake(ctx, "r1", "ghost", ledger.Ga, 10000)
	require.ErrorIs(t, err, gameerr.ErrNotMember)

	before, after, err := s.SwapBets(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(70000), before.TotalBet)
	assert.Equal(t, int64(0), after.TotalBet)
	assert.Empty(t, after.BetDetails)

	before, _, err = s.SwapBets(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), before.TotalBet, "second swap finds nothing to refund")

	_, err = s.AddStake(ctx, "r1", "bob", ledger.Bau, -10000)
	require.ErrorIs(t, err, store.ErrStakeUnderflow, "withdrawing a cleared stake")

	_, err = s.AddStake(ctx, "r1", "bob", ledger.Tom, 10000)
	require.NoError(t, err)
	bob, err := s.GetMember(ctx, "r1", "bob")
	require.NoError(t, err)
	bob.IsReady = true
	require.NoError(t, s.UpdateMember(ctx, bob))

	reset, err := s.ResetMembers(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, reset, 2)
	for _, m := range reset {
		assert.False(t, m.IsReady)
		assert.Zero(t, m.TotalBet)
		assert.Empty(t, m.BetDetails)
	}
	bob, err = s.GetMember(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.False(t, bob.IsReady)
	assert.Zero(t, bob.TotalBet)
}

func testRounds(t *testing.T, s store.Store) {
	ctx := context.Background()

	room, host := newRoom("r1", "EEEEEE", "alice", epoch)
	require.NoError(t, s.CreateRoom(ctx, room, host))

	active, err := s.ActiveRound(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, s.CreateRound(ctx, store.Round{ID: "a", RoomID: "r1", Status: store.RoundBetting, CreatedAt: epoch}))
	require.NoError(t, s.CreateRound(ctx, store.Round{ID: "b", RoomID: "r1", Status: store.RoundBetting, CreatedAt: epoch.Add(time.Second)}))

	active, err = s.ActiveRound(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "b", active.ID, "latest round is active")
	assert.Nil(t, active.Outcome)

	r, err := s.TransitionRound(ctx, "b", store.RoundBetting, store.RoundRolling, nil)
	require.NoError(t, err)
	assert.Equal(t, store.RoundRolling, r.Status)

	_, err = s.TransitionRound(ctx, "b", store.RoundBetting, store.RoundRolling, nil)
	require.ErrorIs(t, err, store.ErrStatusMismatch)

	outcome := []ledger.Animal{ledger.Bau, ledger.Bau, ledger.Ga}
	r, err = s.TransitionRound(ctx, "b", store.RoundRolling, store.RoundRevealed, outcome)
	require.NoError(t, err)
	assert.Equal(t, outcome, r.Outcome)

	_, err = s.TransitionRound(ctx, "b", store.RoundRolling, store.RoundRevealed, []ledger.Animal{ledger.Ca, ledger.Ca, ledger.Ca})
	require.ErrorIs(t, err, store.ErrStatusMismatch, "outcome is published exactly once")

	got, err := s.GetRound(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, store.RoundRevealed, got.Status)
	assert.Equal(t, outcome, got.Outcome)

	_, err = s.TransitionRound(ctx, "missing", store.RoundBetting, store.RoundRolling, nil)
	require.ErrorIs(t, err, store.ErrRoundNotFound)

	err = s.CreateRound(ctx, store.Round{ID: "c", RoomID: "nope", Status: store.RoundBetting, CreatedAt: epoch})
	require.ErrorIs(t, err, gameerr.ErrRoomNotFound)
}

func testWallets(t *testing.T, s store.Store) {
	ctx := context.Background()

	bal, err := s.Balance(ctx, "alice", 100000)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), bal)
	bal, err = s.Balance(ctx, "alice", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), bal, "initial only applies on creation")

	bal, applied, err := s.AdjustBalance(ctx, store.Adjustment{UserID: "alice", Delta: -30000})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(70000), bal)

	_, applied, err = s.AdjustBalance(ctx, store.Adjustment{UserID: "alice", Delta: -70001})
	require.ErrorIs(t, err, gameerr.ErrInsufficientBalance)
	assert.False(t, applied)

	bal, applied, err = s.AdjustBalance(ctx, store.Adjustment{UserID: "alice", Delta: 30000, Key: "settle:r:alice"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(100000), bal)

	bal, applied, err = s.AdjustBalance(ctx, store.Adjustment{UserID: "alice", Delta: 30000, Key: "settle:r:alice"})
	require.NoError(t, err)
	assert.False(t, applied, "repeated key is a no-op")
	assert.Equal(t, int64(100000), bal)
}

func testConcurrentAdjust(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Balance(ctx, "bob", 0)
	require.NoError(t, err)

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Every increment is keyed twice; only one of each pair may land.
				key := fmt.Sprintf("k-%d", (w*perWorker+i)/2)
				if _, _, err := s.AdjustBalance(ctx, store.Adjustment{UserID: "bob", Delta: 10, Key: key}); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	bal, err := s.Balance(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker/2*10), bal)
}

func userIDs(members []store.Membership) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.UserID
	}
	return out
}
