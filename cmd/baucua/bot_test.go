package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lox/baucua/internal/dice"
	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/reconcile"
	"github.com/lox/baucua/internal/round"
	"github.com/lox/baucua/internal/settlement"
	"github.com/lox/baucua/internal/store"
)

func testView(host string, members ...store.Membership) reconcile.View {
	v := reconcile.View{
		Room:    store.Room{ID: "r", Code: "ABCDEF", HostID: host},
		Members: map[string]store.Membership{},
	}
	for _, m := range members {
		m.RoomID = "r"
		v.Members[m.UserID] = m
	}
	return v
}

func TestNextMove(t *testing.T) {
	host := store.Membership{UserID: "host"}
	idle := store.Membership{UserID: "p1"}
	ready := store.Membership{UserID: "p1", IsReady: true}
	staked := store.Membership{UserID: "p1", IsReady: true, TotalBet: 10000, BetDetails: ledger.Bets{ledger.Ga: 10000}}
	betting := round.Betting{ID: "r1"}

	tests := []struct {
		name     string
		view     reconcile.View
		phase    round.Phase
		self     string
		betRound string
		want     move
	}{
		{"player readies in lobby", testView("host", host, idle), round.Idle{}, "p1", "", moveReady},
		{"ready player waits in lobby", testView("host", host, ready), round.Idle{}, "p1", "", moveWait},
		{"host waits for readiness", testView("host", host, idle), round.Idle{}, "host", "", moveWait},
		{"host starts when all ready", testView("host", host, ready), round.Idle{}, "host", "", moveStart},
		{"host waits for enough players", testView("host", host), round.Idle{}, "host", "", moveWait},
		{"player bets first", testView("host", host, idle), betting, "p1", "", moveBet},
		{"player readies after betting", testView("host", host, idle), betting, "p1", "r1", moveReady},
		{"host bets too", testView("host", host, staked), betting, "host", "", moveBet},
		{"host rolls once staked and ready", testView("host", host, staked), betting, "host", "r1", moveRoll},
		{"host does not roll an empty pot", testView("host", host, ready), betting, "host", "r1", moveWait},
		{"nobody moves while rolling", testView("host", host, staked), round.Rolling{ID: "r1"}, "host", "r1", moveWait},
		{"host starts the next round", testView("host", host, staked), round.Settled{ID: "r1"}, "host", "r1", moveStart},
		{"player cannot ready after a reveal", testView("host", host, idle), round.Revealed{ID: "r1"}, "p1", "r1", moveWait},
		{"stranger waits", testView("host", host), round.Idle{}, "p9", "", moveWait},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextMove(tt.view, tt.phase, tt.self, tt.betRound, 2))
		})
	}
}

func TestNextMoveSoloHost(t *testing.T) {
	v := testView("host", store.Membership{UserID: "host"})
	assert.Equal(t, moveStart, nextMove(v, round.Idle{}, "host", "", 1))
}

func TestPickStake(t *testing.T) {
	rng := dice.NewRand(3)
	for range 50 {
		got := pickStake(rng, 120000, 500000)
		assert.Contains(t, []int64{10000, 50000, 100000}, got)
	}
	assert.Equal(t, int64(10000), pickStake(rng, 1_000_000, 10000))
	assert.Zero(t, pickStake(rng, 9999, 500000))
}

func TestRenderSettlement(t *testing.T) {
	win := ledger.Settle(ledger.Bets{ledger.Bau: 10000}, ledger.Outcome{ledger.Bau, ledger.Bau, ledger.Ga})
	assert.Contains(t, renderSettlement(settlementOf(win)), "Won 30,000 (+20,000)")

	loss := ledger.Settle(ledger.Bets{ledger.Bau: 10000, ledger.Ga: 10000}, ledger.Outcome{ledger.Nai, ledger.Cua, ledger.Tom})
	assert.Contains(t, renderSettlement(settlementOf(loss)), "Lost 20,000")
}

func settlementOf(res ledger.Result) settlement.Settlement {
	return settlement.Settlement{RoundID: "r1", UserID: "p1", Result: res}
}
