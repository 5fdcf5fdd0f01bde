package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/baucua/internal/dice"
	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/reconcile"
	"github.com/lox/baucua/internal/round"
	"github.com/lox/baucua/internal/settlement"
	"github.com/lox/baucua/internal/store"
)

var fastSync = reconcile.Config{
	PollInterval:        50 * time.Millisecond,
	ResubscribeDelay:    10 * time.Millisecond,
	MaxResubscribeDelay: 100 * time.Millisecond,
}

type settleLog struct {
	mu  sync.Mutex
	got []settlement.Settlement
}

func (l *settleLog) record(s settlement.Settlement) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, s)
}

func (l *settleLog) all() []settlement.Settlement {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]settlement.Settlement(nil), l.got...)
}

func newTestSession(t *testing.T, ts *testServer, userID string) (*Session, *settleLog) {
	t.Helper()
	s := NewSession(newTestClient(t, ts, userID), quartz.NewReal(), fastSync, testLogger())
	settled := &settleLog{}
	s.OnSettle(settled.record)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, settled
}

func phaseIs[P round.Phase](s *Session) func() bool {
	return func() bool {
		_, ok := s.Phase().(P)
		return ok
	}
}

func TestSessionPlaysARound(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t)
	host, hostSettled := newTestSession(t, ts, "host")
	p1, p1Settled := newTestSession(t, ts, "p1")

	room, err := host.CreateRoom(ctx, 0)
	require.NoError(t, err)
	_, err = p1.JoinRoom(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, room.ID, p1.RoomID())
	assert.Equal(t, int64(500000), p1.LocalBalance())

	require.Eventually(t, func() bool {
		v, ok := host.View()
		return ok && len(v.Members) == 2
	}, 2*time.Second, 10*time.Millisecond, "host sees the join")

	m, err := p1.ToggleReady(ctx)
	require.NoError(t, err)
	assert.True(t, m.IsReady)

	rd, err := host.StartRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, round.Betting{ID: rd.ID}, host.Phase())
	require.Eventually(t, phaseIs[round.Betting](p1), 2*time.Second, 10*time.Millisecond)

	// Starting a round clears readiness.
	m, err = p1.ToggleReady(ctx)
	require.NoError(t, err)
	assert.True(t, m.IsReady)

	bet, err := p1.PlaceBet(ctx, ledger.Bau, 50000)
	require.NoError(t, err)
	assert.Equal(t, int64(450000), bet.Balance)
	assert.Equal(t, int64(450000), p1.LocalBalance())

	_, err = host.Roll(ctx)
	require.NoError(t, err)
	assert.Equal(t, round.Rolling{ID: rd.ID}, host.Phase())
	require.Eventually(t, phaseIs[round.Rolling](p1), 2*time.Second, 10*time.Millisecond)

	_, err = p1.PlaceBet(ctx, ledger.Ga, 10000)
	assert.ErrorIs(t, err, gameerr.ErrInvalidPhase)

	ts.reveal(t)

	require.Eventually(t, func() bool { return len(p1Settled.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(hostSettled.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	want := ledger.Settle(ledger.Bets{ledger.Bau: 50000}, dice.NewSeededRoller(testSeed).Roll())
	got := p1Settled.all()[0]
	assert.Equal(t, rd.ID, got.RoundID)
	assert.Equal(t, want.TotalWinnings, got.Result.TotalWinnings)
	assert.Equal(t, want.NetChange, got.Result.NetChange)
	assert.Zero(t, hostSettled.all()[0].Result.TotalStaked)
	assert.IsType(t, round.Settled{}, p1.Phase())

	// Several more polls and pushes must not pay out again.
	time.Sleep(5 * fastSync.PollInterval)
	assert.Len(t, p1Settled.all(), 1)

	bal, err := p1.RefreshBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 450000+want.TotalWinnings, bal)
	assert.Equal(t, bal, p1.LocalBalance())

	res, err := p1.LeaveRoom(ctx)
	require.NoError(t, err)
	assert.True(t, res.Left)
	assert.Empty(t, p1.RoomID())

	res, err = p1.LeaveRoom(ctx)
	require.NoError(t, err)
	assert.False(t, res.Left, "second leave does not reach the server")
	require.NoError(t, p1.Close(ctx))

	require.Eventually(t, func() bool {
		v, ok := host.View()
		_, present := v.Member("p1")
		return ok && !present
	}, 2*time.Second, 10*time.Millisecond, "host sees the leave")
}

func TestSessionRequiresRoom(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t)
	s, _ := newTestSession(t, ts, "alice")

	_, err := s.ToggleReady(ctx)
	assert.ErrorIs(t, err, ErrNoRoom)
	_, err = s.PlaceBet(ctx, ledger.Bau, 10000)
	assert.ErrorIs(t, err, gameerr.ErrNotMember)
	_, err = s.Roll(ctx)
	assert.ErrorIs(t, err, ErrNoRoom)

	res, err := s.LeaveRoom(ctx)
	require.NoError(t, err)
	assert.False(t, res.Left)
	assert.Equal(t, round.Idle{}, s.Phase())
}

func TestSessionRejectsBetsOutsideBetting(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t)
	s, _ := newTestSession(t, ts, "alice")

	_, err := s.CreateRoom(ctx, 0)
	require.NoError(t, err)

	_, err = s.PlaceBet(ctx, ledger.Bau, 10000)
	assert.ErrorIs(t, err, gameerr.ErrInvalidPhase)
	_, err = s.PlaceBet(ctx, ledger.Animal("dragon"), 10000)
	assert.ErrorIs(t, err, gameerr.ErrInvalidRequest)
	_, err = s.ClearBets(ctx)
	assert.ErrorIs(t, err, gameerr.ErrInvalidPhase)
	assert.Equal(t, int64(500000), s.LocalBalance())
}

func TestSessionSettlesMissedReveal(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t)
	host := newTestClient(t, ts, "host")
	p1 := newTestClient(t, ts, "p1")

	room, err := host.CreateRoom(ctx, 0)
	require.NoError(t, err)
	_, err = p1.JoinRoom(ctx, room.Code)
	require.NoError(t, err)
	_, err = p1.ToggleReady(ctx, room.ID)
	require.NoError(t, err)
	first, err := host.StartRound(ctx, room.ID)
	require.NoError(t, err)

	bets := ledger.Bets{ledger.Bau: 50000}
	_, err = p1.PlaceBet(ctx, room.ID, ledger.Bau, 50000, "bet-1")
	require.NoError(t, err)
	_, err = p1.ToggleReady(ctx, room.ID)
	require.NoError(t, err)
	_, err = host.Roll(ctx, room.ID)
	require.NoError(t, err)
	ts.reveal(t)
	require.Eventually(t, func() bool {
		r, err := p1.Round(ctx, room.ID, first.ID)
		return err == nil && r.Status == store.RoundRevealed
	}, 2*time.Second, 10*time.Millisecond)

	second, err := host.StartRound(ctx, room.ID)
	require.NoError(t, err)

	// The session saw the first round rolling and next sees the second one
	// betting; the reveal in between never reached it.
	s := NewSession(p1, quartz.NewMock(t), reconcile.DefaultConfig(), testLogger())
	settled := &settleLog{}
	s.OnSettle(settled.record)
	s.stakes[first.ID] = bets.Clone()
	tracker := round.NewTracker()
	view := func(r store.Round) reconcile.View {
		return reconcile.View{Room: room, Round: &r}
	}

	rolling := first
	rolling.Status = store.RoundRolling
	s.observe(ctx, tracker, view(rolling))
	assert.Empty(t, settled.all())

	s.observe(ctx, tracker, view(second))
	require.Len(t, settled.all(), 1)
	got := settled.all()[0]
	assert.Equal(t, first.ID, got.RoundID)

	want := ledger.Settle(bets, dice.NewSeededRoller(testSeed).Roll())
	assert.Equal(t, want.TotalWinnings, got.Result.TotalWinnings)
	assert.Equal(t, round.Betting{ID: second.ID}, tracker.Phase())

	s.observe(ctx, tracker, view(second))
	assert.Len(t, settled.all(), 1, "missed round settles once")

	bal, err := p1.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 450000+want.TotalWinnings, bal)
}

func TestSessionIgnoresStaleRoundAfterNewOne(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t)
	host := newTestClient(t, ts, "host")
	p1 := newTestClient(t, ts, "p1")

	room, err := host.CreateRoom(ctx, 0)
	require.NoError(t, err)
	_, err = p1.JoinRoom(ctx, room.Code)
	require.NoError(t, err)

	bets := ledger.Bets{ledger.Cua: 50000}
	// p1 readies up once; each start resets it and p1 readies again to roll.
	_, err = p1.ToggleReady(ctx, room.ID)
	require.NoError(t, err)
	playRound := func(requestID string) store.Round {
		t.Helper()
		rd, err := host.StartRound(ctx, room.ID)
		require.NoError(t, err)
		_, err = p1.PlaceBet(ctx, room.ID, ledger.Cua, 50000, requestID)
		require.NoError(t, err)
		_, err = p1.ToggleReady(ctx, room.ID)
		require.NoError(t, err)
		_, err = host.Roll(ctx, room.ID)
		require.NoError(t, err)
		ts.reveal(t)
		require.Eventually(t, func() bool {
			r, err := p1.Round(ctx, room.ID, rd.ID)
			return err == nil && r.Status == store.RoundRevealed
		}, 2*time.Second, 10*time.Millisecond)
		r, err := p1.Round(ctx, room.ID, rd.ID)
		require.NoError(t, err)
		return r
	}

	first := playRound("bet-1")
	second := playRound("bet-2")
	betting := second
	betting.Status = store.RoundBetting
	betting.Outcome = nil

	s := NewSession(p1, quartz.NewMock(t), reconcile.DefaultConfig(), testLogger())
	settled := &settleLog{}
	s.OnSettle(settled.record)
	s.stakes[first.ID] = bets.Clone()
	s.stakes[second.ID] = bets.Clone()
	tracker := round.NewTracker()
	view := func(r store.Round) reconcile.View {
		return reconcile.View{Room: room, Round: &r}
	}

	s.observe(ctx, tracker, view(first))
	require.Len(t, settled.all(), 1)
	s.observe(ctx, tracker, view(betting))

	// A slow fetch of the first round lands after the second one started.
	s.observe(ctx, tracker, view(first))
	assert.Equal(t, round.Betting{ID: second.ID}, tracker.Phase())
	assert.Len(t, settled.all(), 1)

	s.observe(ctx, tracker, view(second))
	require.Len(t, settled.all(), 2, "the second round still pays out")
	got := settled.all()[1]
	assert.Equal(t, second.ID, got.RoundID)

	outcome, err := ledger.OutcomeFromSlice(second.Outcome)
	require.NoError(t, err)
	assert.Equal(t, ledger.Settle(bets, outcome).TotalWinnings, got.Result.TotalWinnings)
}
