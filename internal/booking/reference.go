package booking

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	referenceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// ReferenceLength is the number of characters in a booking reference.
	ReferenceLength = 6
)

// ReferenceGenerator produces short human-presentable booking references.
// Collisions are possible but negligible for the session volumes involved;
// references are not meant to be unguessable.
type ReferenceGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewReferenceGenerator builds a generator over rng. A nil rng is seeded from the clock.
func NewReferenceGenerator(rng *rand.Rand) *ReferenceGenerator {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>7|1))
	}
	return &ReferenceGenerator{rng: rng}
}

// Next returns a new six-character alphanumeric reference.
func (g *ReferenceGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	buf := make([]byte, ReferenceLength)
	for i := range buf {
		buf[i] = referenceAlphabet[g.rng.IntN(len(referenceAlphabet))]
	}
	return string(buf)
}
