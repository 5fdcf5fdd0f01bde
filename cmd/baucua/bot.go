package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	rand "math/rand/v2"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/baucua/internal/client"
	"github.com/lox/baucua/internal/dice"
	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/reconcile"
	"github.com/lox/baucua/internal/round"
	"github.com/lox/baucua/internal/server"
	"github.com/lox/baucua/internal/settlement"
)

// BotCmd plays automatically: it readies up, bets random chips and, as host,
// starts rounds and rolls.
type BotCmd struct {
	ClientFlags
	Code       string        `arg:"" optional:"" help:"Room code to join"`
	Create     bool          `help:"Create a room and host it"`
	MaxPlayers int           `help:"Seats in a created room (0 takes the server default)"`
	MinPlayers int           `default:"2" help:"Players, host included, needed before the host starts a round"`
	Rounds     int           `default:"0" help:"Stop after this many settled rounds (0 plays forever)"`
	Think      time.Duration `default:"1s" help:"Pause between moves"`
	MaxStake   int64         `default:"100000" help:"Largest chip the bot bets in one round"`
	Seed       int64         `help:"Seed for bet choices (0 draws one from the clock)"`
	WaitFor    time.Duration `default:"10s" help:"How long to wait for the server to become healthy"`
}

func (c *BotCmd) Run() error {
	if c.Think <= 0 {
		return fmt.Errorf("think interval must be positive")
	}
	cfg, cl, logger, err := c.setup("")
	if err != nil {
		return err
	}
	syncCfg, err := cfg.SyncConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	clock := quartz.NewReal()
	seed := c.Seed
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}

	healthCtx, healthCancel := context.WithTimeout(ctx, c.WaitFor)
	err = server.WaitForHealthy(healthCtx, cfg.Server.URL)
	healthCancel()
	if err != nil {
		return fmt.Errorf("server at %s not healthy: %w", cfg.Server.URL, err)
	}

	session := client.NewSession(cl, clock, syncCfg, logger)
	b := &bot{
		session:    session,
		rng:        dice.NewRand(seed),
		minPlayers: c.MinPlayers,
		maxStake:   c.MaxStake,
		logger:     logger.WithPrefix("bot"),
	}
	session.OnSettle(func(s settlement.Settlement) {
		n := b.settled.Add(1)
		b.logger.Info("Round settled", "round", n, "verdict", s.Result.Verdict(),
			"net", s.Result.NetChange, "balance", session.LocalBalance())
		if c.Rounds > 0 && int(n) >= c.Rounds {
			cancel()
		}
	})

	room, err := enterRoom(ctx, session, c.Code, c.Create, c.MaxPlayers)
	if err != nil {
		return err
	}
	b.logger.Info("Bot seated", "code", room.Code, "user", session.UserID(), "seed", seed)

	ticker := clock.NewTicker(c.Think, "bot", "think")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return session.Close(leaveCtx)
		case <-ticker.C:
			if b.step(ctx) {
				b.logger.Info("Room closed, stopping")
				cancel()
			}
		}
	}
}

type move int

const (
	moveWait move = iota
	moveReady
	moveBet
	moveStart
	moveRoll
)

func (m move) String() string {
	switch m {
	case moveReady:
		return "ready"
	case moveBet:
		return "bet"
	case moveStart:
		return "start"
	case moveRoll:
		return "roll"
	default:
		return "wait"
	}
}

// nextMove picks what self does next. betRound is the last round self has
// finished betting in.
func nextMove(v reconcile.View, phase round.Phase, self, betRound string, minPlayers int) move {
	me, ok := v.Member(self)
	if v.Deleted || !ok {
		return moveWait
	}
	host := v.IsHost(self)

	switch p := phase.(type) {
	case round.Idle, round.Revealed, round.Settled:
		if host {
			if len(v.Members) >= minPlayers && v.AllReady() {
				return moveStart
			}
			return moveWait
		}
		// Readiness can only change in the lobby or while betting.
		if _, lobby := p.(round.Idle); lobby && !me.IsReady {
			return moveReady
		}
	case round.Betting:
		switch {
		case betRound != p.ID:
			return moveBet
		case !host && !me.IsReady:
			return moveReady
		case host && v.AllReady() && v.TotalStaked() > 0:
			return moveRoll
		}
	}
	return moveWait
}

// pickStake returns a random preset chip no larger than limit or balance, or
// zero when none fits.
func pickStake(rng *rand.Rand, balance, limit int64) int64 {
	var fits []int64
	for _, c := range ledger.ChipAmounts {
		if c <= balance && c <= limit {
			fits = append(fits, c)
		}
	}
	if len(fits) == 0 {
		return 0
	}
	return fits[rng.IntN(len(fits))]
}

type bot struct {
	session    *client.Session
	rng        *rand.Rand
	minPlayers int
	maxStake   int64
	logger     *log.Logger

	betRound string
	settled  atomic.Int32
}

// step makes at most one move. It reports true once the room is gone.
func (b *bot) step(ctx context.Context) bool {
	v, ok := b.session.View()
	if !ok {
		return false
	}
	if v.Deleted {
		return true
	}
	phase := b.session.Phase()

	m := nextMove(v, phase, b.session.UserID(), b.betRound, b.minPlayers)
	var err error
	switch m {
	case moveWait:
		return false
	case moveReady:
		_, err = b.session.ToggleReady(ctx)
	case moveStart:
		_, err = b.session.StartRound(ctx)
	case moveRoll:
		_, err = b.session.Roll(ctx)
	case moveBet:
		err = b.bet(ctx, phase.RoundID())
	}

	switch {
	case err == nil:
		b.logger.Debug("Moved", "move", m, "phase", phase)
	case errors.Is(err, context.Canceled):
	case gameerr.IsValidation(err):
		b.logger.Debug("Move rejected", "move", m, "error", err)
	default:
		b.logger.Warn("Move failed", "move", m, "error", err)
	}
	return false
}

func (b *bot) bet(ctx context.Context, roundID string) error {
	amount := pickStake(b.rng, b.session.LocalBalance(), b.maxStake)
	if amount == 0 {
		b.logger.Info("Out of chips, sitting the round out", "balance", b.session.LocalBalance())
		b.betRound = roundID
		return nil
	}
	animal := ledger.Animals[b.rng.IntN(len(ledger.Animals))]

	_, err := b.session.PlaceBet(ctx, animal, amount)
	if err == nil || gameerr.IsValidation(err) {
		b.betRound = roundID
	}
	if err == nil {
		b.logger.Info("Bet placed", "animal", animal.Name(), "amount", amount)
	}
	return err
}
