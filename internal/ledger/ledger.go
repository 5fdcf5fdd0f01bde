// Package ledger computes bau cua payouts. Everything here is pure: given a
// player's stakes and the three drawn faces it returns what the player won.
package ledger

import (
	"fmt"
	"strings"
)

// Animal is one of the six faces on each die.
type Animal string

const (
	Nai Animal = "nai"
	Bau Animal = "bau"
	Ga  Animal = "ga"
	Ca  Animal = "ca"
	Cua Animal = "cua"
	Tom Animal = "tom"
)

// Animals lists the faces in board order.
var Animals = [...]Animal{Nai, Bau, Ga, Ca, Cua, Tom}

// ChipAmounts are the preset stake sizes offered to players.
var ChipAmounts = [...]int64{10000, 50000, 100000, 500000}

var displayNames = map[Animal]string{
	Nai: "Nai",
	Bau: "Bầu",
	Ga:  "Gà",
	Ca:  "Cá",
	Cua: "Cua",
	Tom: "Tôm",
}

// ParseAnimal parses a face name, case-insensitively.
func ParseAnimal(s string) (Animal, error) {
	a := Animal(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown animal %q", s)
	}
	return a, nil
}

// Valid reports whether a is one of the six faces.
func (a Animal) Valid() bool {
	_, ok := displayNames[a]
	return ok
}

// Name returns the display name of the face.
func (a Animal) Name() string {
	if n, ok := displayNames[a]; ok {
		return n
	}
	return string(a)
}

func (a Animal) String() string {
	return string(a)
}

// Outcome is the result of one roll: three independent faces.
type Outcome [3]Animal

// Count returns how many of the three dice show a.
func (o Outcome) Count(a Animal) int {
	n := 0
	for _, face := range o {
		if face == a {
			n++
		}
	}
	return n
}

// Counts returns the count for every face, including zeros.
func (o Outcome) Counts() map[Animal]int {
	counts := make(map[Animal]int, len(Animals))
	for _, a := range Animals {
		counts[a] = 0
	}
	for _, face := range o {
		counts[face]++
	}
	return counts
}

// Valid reports whether every die shows a known face.
func (o Outcome) Valid() bool {
	for _, face := range o {
		if !face.Valid() {
			return false
		}
	}
	return true
}

// OutcomeFromSlice converts a stored outcome. It fails unless s holds exactly
// three valid faces.
func OutcomeFromSlice(s []Animal) (Outcome, error) {
	var o Outcome
	if len(s) != len(o) {
		return o, fmt.Errorf("outcome must have %d faces, got %d", len(o), len(s))
	}
	copy(o[:], s)
	if !o.Valid() {
		return o, fmt.Errorf("outcome %v contains an unknown face", s)
	}
	return o, nil
}

// Slice returns the outcome as a slice, the form it is stored in.
func (o Outcome) Slice() []Animal {
	return []Animal{o[0], o[1], o[2]}
}

// Bets maps a face to the amount staked on it.
type Bets map[Animal]int64

// Total returns the sum of all stakes.
func (b Bets) Total() int64 {
	var total int64
	for _, s := range b {
		total += s
	}
	return total
}

// Clone returns an independent copy of b, dropping zero stakes.
func (b Bets) Clone() Bets {
	out := make(Bets, len(b))
	for a, s := range b {
		if s != 0 {
			out[a] = s
		}
	}
	return out
}

// Verdict classifies a settled round from the player's point of view.
type Verdict string

const (
	VerdictWin   Verdict = "win"
	VerdictLoss  Verdict = "loss"
	VerdictPush  Verdict = "push"
	VerdictNoBet Verdict = "no_bet"
)

// Result is what Settle computes for one player and one round.
type Result struct {
	WinningsByAnimal map[Animal]int64
	TotalWinnings    int64
	TotalStaked      int64
	NetChange        int64
}

// Verdict reports whether the player won, lost, broke even or sat the round out.
func (r Result) Verdict() Verdict {
	switch {
	case r.TotalStaked == 0:
		return VerdictNoBet
	case r.NetChange > 0:
		return VerdictWin
	case r.NetChange < 0:
		return VerdictLoss
	default:
		return VerdictPush
	}
}

// Settle computes the payout of bets against outcome. A face staked s and
// showing k > 0 times returns s + s*k (the stake back plus k times the stake);
// a face that did not come up returns nothing. Stakes are debited when placed,
// so the balance update for a round is TotalWinnings, not NetChange.
func Settle(bets Bets, outcome Outcome) Result {
	res := Result{WinningsByAnimal: make(map[Animal]int64)}
	for a, stake := range bets {
		if stake <= 0 {
			continue
		}
		res.TotalStaked += stake
		k := int64(outcome.Count(a))
		if k == 0 {
			continue
		}
		win := stake + stake*k
		res.WinningsByAnimal[a] = win
		res.TotalWinnings += win
	}
	res.NetChange = res.TotalWinnings - res.TotalStaked
	return res
}
