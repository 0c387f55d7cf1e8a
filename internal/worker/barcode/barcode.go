// Package barcode produces bar widths for the decorative ticket barcode.
// The bars carry no information; they only have to look like a barcode.
package barcode

import (
	"math/rand/v2"
	"sync"
)

// Bar widths are drawn from [MinBarWidth, MaxBarWidth].
const (
	MinBarWidth = 2
	MaxBarWidth = 4
)

// Generator returns positive widths whose sum first reaches or passes targetWidth.
type Generator interface {
	GenerateBarWidths(targetWidth int) []int
}

// Random draws each width uniformly from [MinBarWidth, MaxBarWidth].
// It is safe for concurrent use.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom returns a generator seeded from the runtime's entropy source.
func NewRandom() *Random {
	return &Random{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded returns a generator that yields the same sequence for the same seed.
func NewSeeded(seed uint64) *Random {
	return &Random{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (g *Random) GenerateBarWidths(targetWidth int) []int {
	if targetWidth <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	widths := make([]int, 0, targetWidth/MinBarWidth+1)
	for total := 0; total < targetWidth; {
		w := MinBarWidth + g.rng.IntN(MaxBarWidth-MinBarWidth+1)
		widths = append(widths, w)
		total += w
	}
	return widths
}

// Constant repeats one width. Used for reproducible fixtures.
type Constant struct {
	Width int
}

func (c Constant) GenerateBarWidths(targetWidth int) []int {
	if c.Width <= 0 {
		return nil
	}
	var widths []int
	for total := 0; total < targetWidth; total += c.Width {
		widths = append(widths, c.Width)
	}
	return widths
}
