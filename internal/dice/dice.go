// Package dice draws bau cua outcomes.
package dice

import (
	crand "crypto/rand"
	rand "math/rand/v2"
	"sync"

	"github.com/lox/baucua/internal/ledger"
)

const (
	goldenRatio64 = 0x9e3779b97f4a7c15
)

// NewRand returns a *rand.Rand seeded deterministically from seed. All rollers
// derive their two PCG seeds the same way so a seed reproduces a whole session.
func NewRand(seed int64) *rand.Rand {
	u := uint64(seed)
	return rand.New(rand.NewPCG(mix(u), mix(u+goldenRatio64)))
}

func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Roller draws outcomes. It is safe for concurrent use.
type Roller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRoller returns a roller driven by rng.
func NewRoller(rng *rand.Rand) *Roller {
	return &Roller{rng: rng}
}

// NewSeededRoller returns a roller whose draws are reproducible from seed.
func NewSeededRoller(seed int64) *Roller {
	return NewRoller(NewRand(seed))
}

// NewSecureRoller returns a roller keyed from crypto/rand. Its draws cannot
// be reproduced or predicted from the time it was created.
func NewSecureRoller() *Roller {
	var key [32]byte
	_, _ = crand.Read(key[:])
	return NewRoller(rand.New(rand.NewChaCha8(key)))
}

// Roll draws three independent faces, each uniform over the six animals.
func (r *Roller) Roll() ledger.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	var o ledger.Outcome
	for i := range o {
		o[i] = ledger.Animals[r.rng.IntN(len(ledger.Animals))]
	}
	return o
}
