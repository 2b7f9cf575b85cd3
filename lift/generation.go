package lift

import (
	"sync"

	"github.com/mewmew/gcnlift/hsa"
)

// generations tracks the number of times each code object has been
// invalidated. Results computed for an older generation are not cached.
type generations struct {
	mu sync.Mutex
	m  map[hsa.Handle]uint64
}

// newGenerations returns a new generation tracker.
func newGenerations() *generations {
	return &generations{m: make(map[hsa.Handle]uint64)}
}

// current returns the current generation of the given code object.
func (g *generations) current(h hsa.Handle) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m[h]
}

// bump advances the generation of the given code object.
func (g *generations) bump(h hsa.Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m[h]++
}
