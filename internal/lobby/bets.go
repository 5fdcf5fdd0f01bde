package lobby

import (
	"context"
	"errors"
	"fmt"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/store"
)

// BetResult is the member row and wallet balance after a stake change.
type BetResult struct {
	Member  store.Membership
	Balance int64
}

func (m *Manager) bettingRound(ctx context.Context, roomID string) (*store.Round, error) {
	if _, err := m.store.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	round, err := m.store.ActiveRound(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("active round: %w", err)
	}
	if round == nil {
		return nil, fmt.Errorf("%w: no round in progress", gameerr.ErrInvalidPhase)
	}
	if round.Status != store.RoundBetting {
		return nil, fmt.Errorf("%w: round is %s", gameerr.ErrInvalidPhase, round.Status)
	}
	return round, nil
}

// PlaceBet stakes amount on animal for the active betting round. The wallet
// is debited first; a stake that cannot be recorded is refunded. A non-empty
// requestID makes retries of the same bet safe.
func (m *Manager) PlaceBet(ctx context.Context, roomID, userID string, animal ledger.Animal, amount int64, requestID string) (BetResult, error) {
	if !animal.Valid() {
		return BetResult{}, fmt.Errorf("%w: unknown animal %q", gameerr.ErrInvalidRequest, animal)
	}
	if amount <= 0 {
		return BetResult{}, fmt.Errorf("%w: bet amount must be positive", gameerr.ErrInvalidRequest)
	}
	round, err := m.bettingRound(ctx, roomID)
	if err != nil {
		return BetResult{}, err
	}
	member, err := m.store.GetMember(ctx, roomID, userID)
	if err != nil {
		return BetResult{}, err
	}
	if _, err := m.store.Balance(ctx, userID, m.config.StartingBalance); err != nil {
		return BetResult{}, fmt.Errorf("open wallet: %w", err)
	}

	debitKey := ""
	if requestID != "" {
		debitKey = fmt.Sprintf("bet:%s:%s:%s", round.ID, userID, requestID)
	}
	balance, applied, err := m.store.AdjustBalance(ctx, store.Adjustment{UserID: userID, Delta: -amount, Key: debitKey})
	if err != nil {
		return BetResult{}, err
	}
	if !applied {
		// Retry of a bet that already went through.
		return BetResult{Member: member, Balance: balance}, nil
	}

	member, err = m.store.AddStake(ctx, roomID, userID, animal, amount)
	if err != nil {
		m.refund(ctx, userID, amount, "stake not recorded")
		return BetResult{}, err
	}

	// The host may have rolled or started another round between the phase
	// check and the stake. Only a stake that is still on the row is refunded
	// here; one already swept by an abandoned round was refunded there.
	current, err := m.store.ActiveRound(ctx, roomID)
	if err == nil && (current == nil || current.ID != round.ID || current.Status != store.RoundBetting) {
		_, undoErr := m.store.AddStake(ctx, roomID, userID, animal, -amount)
		switch {
		case undoErr == nil:
			m.refund(ctx, userID, amount, "betting closed")
		case errors.Is(undoErr, store.ErrStakeUnderflow):
			m.logger.Debug("Late stake already swept", "room", roomID, "user", userID)
		default:
			m.logger.Error("Failed to withdraw late stake", "room", roomID, "user", userID, "error", undoErr)
		}
		return BetResult{}, fmt.Errorf("%w: betting closed", gameerr.ErrInvalidPhase)
	}

	m.logger.Debug("Bet placed", "room", roomID, "round", round.ID, "user", userID,
		"animal", animal, "amount", amount, "total", member.TotalBet)
	return BetResult{Member: member, Balance: balance}, nil
}

func (m *Manager) refund(ctx context.Context, userID string, amount int64, reason string) {
	if _, _, err := m.store.AdjustBalance(ctx, store.Adjustment{UserID: userID, Delta: amount}); err != nil {
		m.logger.Error("Refund failed", "user", userID, "amount", amount, "reason", reason, "error", err)
	}
}

// ClearBets removes all of the member's stakes in the betting round and
// refunds exactly what was removed.
func (m *Manager) ClearBets(ctx context.Context, roomID, userID string) (BetResult, error) {
	if _, err := m.bettingRound(ctx, roomID); err != nil {
		return BetResult{}, err
	}
	before, after, err := m.store.SwapBets(ctx, roomID, userID)
	if err != nil {
		return BetResult{}, err
	}
	balance, err := m.store.Balance(ctx, userID, m.config.StartingBalance)
	if err != nil {
		return BetResult{}, fmt.Errorf("read wallet: %w", err)
	}
	if before.TotalBet > 0 {
		balance, _, err = m.store.AdjustBalance(ctx, store.Adjustment{UserID: userID, Delta: before.TotalBet})
		if err != nil {
			return BetResult{}, fmt.Errorf("refund stakes: %w", err)
		}
	}
	m.logger.Debug("Bets cleared", "room", roomID, "user", userID, "refunded", before.TotalBet)
	return BetResult{Member: after, Balance: balance}, nil
}

// Balance returns the user's wallet balance, opening the wallet with the
// starting balance on first use.
func (m *Manager) Balance(ctx context.Context, userID string) (int64, error) {
	return m.store.Balance(ctx, userID, m.config.StartingBalance)
}

// AdjustBalance applies an atomic, optionally idempotent, balance change.
func (m *Manager) AdjustBalance(ctx context.Context, userID string, delta int64, key string) (int64, bool, error) {
	if _, err := m.store.Balance(ctx, userID, m.config.StartingBalance); err != nil {
		return 0, false, fmt.Errorf("open wallet: %w", err)
	}
	bal, applied, err := m.store.AdjustBalance(ctx, store.Adjustment{UserID: userID, Delta: delta, Key: key})
	if err != nil && !errors.Is(err, gameerr.ErrInsufficientBalance) {
		return bal, applied, fmt.Errorf("adjust balance: %w", err)
	}
	return bal, applied, err
}
