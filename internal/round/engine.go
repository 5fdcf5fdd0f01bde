// Package round runs the betting-rolling-revealed lifecycle of a room on the
// server, and tracks the phase a client has observed locally.
package round

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/lox/baucua/internal/dice"
	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/lobby"
	"github.com/lox/baucua/internal/store"
)

// DefaultShakeDelay is how long the dice shake before the outcome is revealed.
const DefaultShakeDelay = 2 * time.Second

const revealTimeout = 10 * time.Second

// Engine drives rounds for the host. Reveals are scheduled on the clock, so
// a host that disconnects while the dice shake still gets its outcome
// published.
type Engine struct {
	store      store.Store
	clock      quartz.Clock
	roller     *dice.Roller
	shakeDelay time.Duration
	logger     *log.Logger

	mu      sync.Mutex
	pending map[string]*quartz.Timer
	closed  bool
}

func NewEngine(s store.Store, clock quartz.Clock, roller *dice.Roller, shakeDelay time.Duration, logger *log.Logger) *Engine {
	if shakeDelay <= 0 {
		shakeDelay = DefaultShakeDelay
	}
	return &Engine{
		store:      s,
		clock:      clock,
		roller:     roller,
		shakeDelay: shakeDelay,
		logger:     logger.WithPrefix("round"),
		pending:    make(map[string]*quartz.Timer),
	}
}

func (e *Engine) hostRoom(ctx context.Context, roomID, callerID string) (store.Room, []store.Membership, error) {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return store.Room{}, nil, err
	}
	if room.HostID != callerID {
		return store.Room{}, nil, gameerr.ErrNotHost
	}
	members, err := e.store.Members(ctx, roomID)
	if err != nil {
		return store.Room{}, nil, fmt.Errorf("list members: %w", err)
	}
	if !lobby.AllReady(members, room.HostID) {
		return store.Room{}, nil, gameerr.ErrPlayersNotReady
	}
	return room, members, nil
}

// StartRound opens a new betting round from any phase. The round on the
// table is closed first:
//   - a betting round is abandoned and its stakes refunded
//   - a rolling round is revealed at once so its stakes settle as usual
//   - a revealed round is marked settled
//
// Every member's readiness and stakes are then reset.
func (e *Engine) StartRound(ctx context.Context, roomID, callerID string) (store.Round, error) {
	room, _, err := e.hostRoom(ctx, roomID, callerID)
	if err != nil {
		return store.Round{}, err
	}

	prev, err := e.store.ActiveRound(ctx, roomID)
	if err != nil {
		return store.Round{}, fmt.Errorf("active round: %w", err)
	}
	if prev != nil {
		if err := e.closeRound(ctx, *prev); err != nil {
			return store.Round{}, err
		}
	}

	if _, err := e.store.ResetMembers(ctx, roomID); err != nil {
		return store.Round{}, fmt.Errorf("reset members: %w", err)
	}

	r := store.Round{
		ID:        uuid.Must(uuid.NewV7()).String(),
		RoomID:    roomID,
		Status:    store.RoundBetting,
		CreatedAt: e.clock.Now(),
	}
	if err := e.store.CreateRound(ctx, r); err != nil {
		return store.Round{}, fmt.Errorf("create round: %w", err)
	}

	if room.Status != store.RoomPlaying {
		room.Status = store.RoomPlaying
		if err := e.store.UpdateRoom(ctx, room); err != nil {
			return store.Round{}, fmt.Errorf("update room: %w", err)
		}
	}

	e.logger.Info("Round started", "room", roomID, "round", r.ID)
	return r, nil
}

func (e *Engine) closeRound(ctx context.Context, prev store.Round) error {
	switch prev.Status {
	case store.RoundBetting:
		_, err := e.store.TransitionRound(ctx, prev.ID, store.RoundBetting, store.RoundAbandoned, nil)
		if errors.Is(err, store.ErrStatusMismatch) {
			return fmt.Errorf("%w: %v", gameerr.ErrInvalidPhase, err)
		}
		if err != nil {
			return fmt.Errorf("abandon round: %w", err)
		}
		return e.refundStakes(ctx, prev)
	case store.RoundRolling:
		e.cancelReveal(prev.ID)
		if _, err := e.revealNow(ctx, prev.ID); err != nil && !errors.Is(err, store.ErrStatusMismatch) {
			return fmt.Errorf("reveal round: %w", err)
		}
	}
	_, err := e.store.TransitionRound(ctx, prev.ID, store.RoundRevealed, store.RoundSettled, nil)
	if err != nil && !errors.Is(err, store.ErrStatusMismatch) {
		return fmt.Errorf("close round: %w", err)
	}
	return nil
}

// refundStakes gives every member back what they staked in an abandoned
// round. Each refund is keyed by round and user, so a retried start pays
// once.
func (e *Engine) refundStakes(ctx context.Context, r store.Round) error {
	members, err := e.store.Members(ctx, r.RoomID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	for _, m := range members {
		before, _, err := e.store.SwapBets(ctx, r.RoomID, m.UserID)
		if errors.Is(err, gameerr.ErrNotMember) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sweep stakes of %s: %w", m.UserID, err)
		}
		if before.TotalBet <= 0 {
			continue
		}
		key := fmt.Sprintf("abandon:%s:%s", r.ID, m.UserID)
		if _, _, err := e.store.AdjustBalance(ctx, store.Adjustment{UserID: m.UserID, Delta: before.TotalBet, Key: key}); err != nil {
			return fmt.Errorf("refund %s: %w", m.UserID, err)
		}
		e.logger.Info("Refunded abandoned stakes", "round", r.ID, "user", m.UserID, "amount", before.TotalBet)
	}
	return nil
}

// Roll closes betting and shakes the dice. The outcome is drawn and
// published once the shake delay has passed.
func (e *Engine) Roll(ctx context.Context, roomID, callerID string) (store.Round, error) {
	_, members, err := e.hostRoom(ctx, roomID, callerID)
	if err != nil {
		return store.Round{}, err
	}
	active, err := e.store.ActiveRound(ctx, roomID)
	if err != nil {
		return store.Round{}, fmt.Errorf("active round: %w", err)
	}
	if active == nil || active.Status != store.RoundBetting {
		return store.Round{}, fmt.Errorf("%w: no round is taking bets", gameerr.ErrInvalidPhase)
	}

	var staked int64
	for _, m := range members {
		staked += m.TotalBet
	}
	if staked <= 0 {
		return store.Round{}, fmt.Errorf("%w: no bets placed", gameerr.ErrInvalidPhase)
	}

	rolling, err := e.store.TransitionRound(ctx, active.ID, store.RoundBetting, store.RoundRolling, nil)
	if errors.Is(err, store.ErrStatusMismatch) {
		return store.Round{}, fmt.Errorf("%w: %v", gameerr.ErrInvalidPhase, err)
	}
	if err != nil {
		return store.Round{}, fmt.Errorf("start rolling: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		roundID := rolling.ID
		e.pending[roundID] = e.clock.AfterFunc(e.shakeDelay, func() { e.reveal(roundID) }, "round", "reveal")
	}

	e.logger.Info("Dice rolling", "room", roomID, "round", rolling.ID, "staked", staked)
	return rolling, nil
}

func (e *Engine) reveal(roundID string) {
	e.mu.Lock()
	delete(e.pending, roundID)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), revealTimeout)
	defer cancel()

	_, err := e.revealNow(ctx, roundID)
	switch {
	case errors.Is(err, store.ErrStatusMismatch):
		// Revealed early by a new round.
		e.logger.Debug("Reveal skipped", "round", roundID, "error", err)
	case err != nil:
		e.logger.Error("Failed to reveal round", "round", roundID, "error", err)
	}
}

// revealNow draws the outcome of a rolling round and publishes it.
func (e *Engine) revealNow(ctx context.Context, roundID string) (store.Round, error) {
	outcome := e.roller.Roll()
	r, err := e.store.TransitionRound(ctx, roundID, store.RoundRolling, store.RoundRevealed, outcome.Slice())
	if err != nil {
		return r, err
	}
	e.logger.Info("Round revealed", "room", r.RoomID, "round", roundID, "outcome", outcome.Slice())
	return r, nil
}

func (e *Engine) cancelReveal(roundID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.pending[roundID]; ok {
		t.Stop()
		delete(e.pending, roundID)
	}
}

// Pending returns how many reveals are waiting on the shake delay.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close cancels reveals that have not fired yet. Those rounds stay rolling.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, t := range e.pending {
		t.Stop()
		delete(e.pending, id)
	}
}
