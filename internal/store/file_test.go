package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/store"
	"github.com/lox/baucua/internal/store/storetest"
)

func TestFileMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.OpenFileMemory(filepath.Join(t.TempDir(), "state.json"))
		require.NoError(t, err)
		return s
	})
}

func TestFileMemorySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	at := time.Date(2024, 2, 10, 20, 0, 0, 0, time.UTC)

	s, err := store.OpenFileMemory(path)
	require.NoError(t, err)

	room := store.Room{ID: "r1", Code: "ABC123", HostID: "host", Status: store.RoomPlaying, MaxPlayers: 6, CreatedAt: at}
	require.NoError(t, s.CreateRoom(ctx, room, store.Membership{RoomID: "r1", UserID: "host", JoinedAt: at}))
	_, err = s.AddMember(ctx, store.Membership{RoomID: "r1", UserID: "p1", JoinedAt: at.Add(time.Second)})
	require.NoError(t, err)
	_, err = s.AddStake(ctx, "r1", "p1", ledger.Tom, 20000)
	require.NoError(t, err)
	require.NoError(t, s.CreateRound(ctx, store.Round{ID: "old", RoomID: "r1", Status: store.RoundRevealed, Outcome: []ledger.Animal{ledger.Bau, ledger.Bau, ledger.Ca}, CreatedAt: at}))
	require.NoError(t, s.CreateRound(ctx, store.Round{ID: "new", RoomID: "r1", Status: store.RoundBetting, CreatedAt: at.Add(time.Minute)}))
	_, err = s.Balance(ctx, "p1", 500000)
	require.NoError(t, err)
	_, _, err = s.AdjustBalance(ctx, store.Adjustment{UserID: "p1", Delta: -20000, Key: "bet:new:p1:1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := store.OpenFileMemory(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.FindRoomByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, room.HostID, got.HostID)
	assert.True(t, room.CreatedAt.Equal(got.CreatedAt))

	members, err := reopened.Members(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "host", members[0].UserID)
	assert.Equal(t, int64(20000), members[1].BetDetails[ledger.Tom])
	assert.Equal(t, int64(20000), members[1].TotalBet)

	active, err := reopened.ActiveRound(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "new", active.ID, "round order is kept")

	old, err := reopened.GetRound(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, []ledger.Animal{ledger.Bau, ledger.Bau, ledger.Ca}, old.Outcome)

	bal, applied, err := reopened.AdjustBalance(ctx, store.Adjustment{UserID: "p1", Delta: -20000, Key: "bet:new:p1:1"})
	require.NoError(t, err)
	assert.False(t, applied, "applied keys survive a restart")
	assert.Equal(t, int64(480000), bal)
}

func TestLoadMemoryFileMissing(t *testing.T) {
	s, err := store.LoadMemoryFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	rooms, err := s.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestLoadMemoryFileRejectsBadState(t *testing.T) {
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o600))
	_, err := store.LoadMemoryFile(corrupt)
	assert.Error(t, err)

	orphan := filepath.Join(dir, "orphan.json")
	require.NoError(t, os.WriteFile(orphan, []byte(`{"members":[{"roomId":"gone","userId":"u"}]}`), 0o600))
	_, err = store.LoadMemoryFile(orphan)
	assert.ErrorContains(t, err, "unknown room")
}

func TestSaveFileLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := store.NewMemory()

	require.NoError(t, s.SaveFile(path))
	require.NoError(t, s.SaveFile(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
