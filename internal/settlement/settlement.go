// Package settlement credits revealed rounds to wallets, at most once per
// player and round.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/store"
)

// ErrAlreadySettled is returned when a round has already been consumed for
// the player.
var ErrAlreadySettled = errors.New("round already settled")

// Wallet applies idempotent balance credits.
type Wallet interface {
	Credit(ctx context.Context, userID string, amount int64, key string) (balance int64, applied bool, err error)
}

// StoreWallet credits directly against a store.
type StoreWallet struct {
	Store store.Store
}

func (w StoreWallet) Credit(ctx context.Context, userID string, amount int64, key string) (int64, bool, error) {
	return w.Store.AdjustBalance(ctx, store.Adjustment{UserID: userID, Delta: amount, Key: key})
}

// Key is the idempotency key of the settlement credit for one player and round.
func Key(roundID, userID string) string {
	return fmt.Sprintf("settle:%s:%s", roundID, userID)
}

// Settlement is the applied result of one round for one player.
type Settlement struct {
	RoundID string
	UserID  string
	Result  ledger.Result
	// Balance is the wallet balance after the credit. It is zero when there
	// was nothing to credit.
	Balance int64
	// Applied is false when the wallet had already seen the credit key.
	Applied bool
}

type consumeKey struct {
	roundID string
	userID  string
}

// Engine turns a reveal into a wallet credit. It remembers which rounds it
// has consumed, and the wallet key guards against credits from other
// processes.
type Engine struct {
	wallet Wallet
	logger *log.Logger

	mu       sync.Mutex
	consumed map[consumeKey]struct{}
}

func NewEngine(wallet Wallet, logger *log.Logger) *Engine {
	return &Engine{
		wallet:   wallet,
		logger:   logger.WithPrefix("settlement"),
		consumed: make(map[consumeKey]struct{}),
	}
}

// Settle computes the payout of bets against outcome and credits the
// winnings. Calling it again for the same round and player returns
// ErrAlreadySettled without touching the wallet. A failed credit releases the
// round so the caller can retry.
func (e *Engine) Settle(ctx context.Context, roundID, userID string, bets ledger.Bets, outcome ledger.Outcome) (Settlement, error) {
	if !outcome.Valid() {
		return Settlement{}, fmt.Errorf("settle round %s: invalid outcome %v", roundID, outcome)
	}

	k := consumeKey{roundID, userID}
	e.mu.Lock()
	if _, done := e.consumed[k]; done {
		e.mu.Unlock()
		return Settlement{}, ErrAlreadySettled
	}
	e.consumed[k] = struct{}{}
	e.mu.Unlock()

	res := ledger.Settle(bets, outcome)
	s := Settlement{RoundID: roundID, UserID: userID, Result: res}
	if res.TotalWinnings == 0 {
		e.logger.Debug("Round settled", "round", roundID, "user", userID, "verdict", res.Verdict(), "net", res.NetChange)
		return s, nil
	}

	bal, applied, err := e.wallet.Credit(ctx, userID, res.TotalWinnings, Key(roundID, userID))
	if err != nil {
		e.mu.Lock()
		delete(e.consumed, k)
		e.mu.Unlock()
		return Settlement{}, fmt.Errorf("credit round %s: %w", roundID, err)
	}
	s.Balance = bal
	s.Applied = applied
	if !applied {
		e.logger.Warn("Settlement credit already applied", "round", roundID, "user", userID)
	}
	e.logger.Info("Round settled", "round", roundID, "user", userID,
		"verdict", res.Verdict(), "winnings", res.TotalWinnings, "net", res.NetChange, "balance", bal)
	return s, nil
}

// Settled reports whether the engine has consumed the round for the player.
func (e *Engine) Settled(roundID, userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.consumed[consumeKey{roundID, userID}]
	return ok
}
