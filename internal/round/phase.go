package round

import (
	"fmt"
	"sync"
	"time"

	"github.com/lox/baucua/internal/ledger"
	"github.com/lox/baucua/internal/store"
)

// Phase is the round phase as one client sees it. It is one of Idle,
// Betting, Rolling, Revealed or Settled.
type Phase interface {
	// RoundID is empty for Idle.
	RoundID() string
	String() string
	rank() int
}

type Idle struct{}

type Betting struct{ ID string }

type Rolling struct{ ID string }

// Revealed carries an outcome this client has not settled yet.
type Revealed struct {
	ID      string
	Outcome ledger.Outcome
}

// Settled carries an outcome this client has already settled.
type Settled struct {
	ID      string
	Outcome ledger.Outcome
}

func (Idle) RoundID() string       { return "" }
func (p Betting) RoundID() string  { return p.ID }
func (p Rolling) RoundID() string  { return p.ID }
func (p Revealed) RoundID() string { return p.ID }
func (p Settled) RoundID() string  { return p.ID }

func (Idle) String() string     { return "idle" }
func (Betting) String() string  { return "betting" }
func (Rolling) String() string  { return "rolling" }
func (Revealed) String() string { return "revealed" }
func (Settled) String() string  { return "settled" }

func (Idle) rank() int     { return 0 }
func (Betting) rank() int  { return 1 }
func (Rolling) rank() int  { return 2 }
func (Revealed) rank() int { return 3 }
func (Settled) rank() int  { return 4 }

// PhaseOf maps a round record to a phase. A nil or abandoned round is Idle.
// Rounds with an outcome map to Revealed; only the tracker knows whether
// they were settled.
func PhaseOf(r *store.Round) (Phase, error) {
	if r == nil {
		return Idle{}, nil
	}
	switch r.Status {
	case store.RoundAbandoned:
		return Idle{}, nil
	case store.RoundBetting:
		return Betting{ID: r.ID}, nil
	case store.RoundRolling:
		return Rolling{ID: r.ID}, nil
	case store.RoundRevealed, store.RoundSettled:
		outcome, err := ledger.OutcomeFromSlice(r.Outcome)
		if err != nil {
			return nil, fmt.Errorf("round %s: %w", r.ID, err)
		}
		return Revealed{ID: r.ID, Outcome: outcome}, nil
	default:
		return nil, fmt.Errorf("round %s: unknown status %q", r.ID, r.Status)
	}
}

// Transition is what one observation changed.
type Transition struct {
	From, To Phase
	// Unsettled is the id of the previous round when a new round replaced it
	// before this client consumed its outcome.
	Unsettled string
}

// Changed reports whether the phase moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Tracker follows the active round of one room. Within a round the phase
// only moves forward, and a round that was replaced is never taken up
// again, so a stale fetch cannot undo a reveal. Each round's outcome is
// handed out once.
type Tracker struct {
	mu         sync.Mutex
	phase      Phase
	consumed   map[string]struct{}
	superseded map[string]struct{}

	// created is when the current round was created.
	created time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		phase:      Idle{},
		consumed:   make(map[string]struct{}),
		superseded: make(map[string]struct{}),
	}
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Observe folds a round record into the local phase.
func (t *Tracker) Observe(r *store.Round) (Transition, error) {
	next, err := PhaseOf(r)
	if err != nil {
		return Transition{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tr := Transition{From: t.phase, To: t.phase}
	cur := t.phase
	switch {
	case next.RoundID() == "":
		// The room lost its round history; keep what we have.
		return tr, nil
	case next.RoundID() == cur.RoundID():
		if next.rank() <= cur.rank() {
			return tr, nil
		}
	default:
		if _, old := t.superseded[next.RoundID()]; old || r.CreatedAt.Before(t.created) {
			return tr, nil
		}
		if _, isIdle := cur.(Idle); !isIdle {
			t.superseded[cur.RoundID()] = struct{}{}
			if _, done := t.consumed[cur.RoundID()]; !done {
				if _, settled := cur.(Settled); !settled {
					tr.Unsettled = cur.RoundID()
				}
			}
		}
	}

	if rev, ok := next.(Revealed); ok {
		if _, done := t.consumed[rev.ID]; done {
			next = Settled(rev)
		}
	}
	if next.RoundID() != cur.RoundID() {
		t.created = r.CreatedAt
	}
	t.phase = next
	tr.To = next
	return tr, nil
}

// Reveal hands out the outcome of the current round if it is revealed and
// not yet consumed. It returns false on every later call for the same round.
func (t *Tracker) Reveal() (string, ledger.Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rev, ok := t.phase.(Revealed)
	if !ok {
		return "", ledger.Outcome{}, false
	}
	t.consumed[rev.ID] = struct{}{}
	t.phase = Settled(rev)
	return rev.ID, rev.Outcome, true
}

// Consume marks a round other than the current one as settled. It reports
// false if the round was already consumed.
func (t *Tracker) Consume(roundID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.consumed[roundID]; done {
		return false
	}
	t.consumed[roundID] = struct{}{}
	if rev, ok := t.phase.(Revealed); ok && rev.ID == roundID {
		t.phase = Settled(rev)
	}
	return true
}
