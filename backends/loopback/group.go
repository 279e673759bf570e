package loopback

import (
	"slices"
	"sync"
)

// group is the rendezvous point for one rank subset's collectives.
//
// Members issue the same sequence of collectives; each call deposits the
// member's contribution and blocks until every member of the round arrived, then
// returns all contributions. Rounds are generation-counted so a fast member may
// enter round n+1 while slow members are still picking up round n's result.
type group struct {
	size int

	mu   sync.Mutex
	cond *sync.Cond

	gen      uint64
	contribs [][]int32
	arrived  int

	// Completed rounds, kept until every member picked its result up.
	results map[uint64][][]int32
	pending map[uint64]int
}

func newGroup(size int) *group {
	g := &group{
		size:     size,
		contribs: make([][]int32, size),
		results:  make(map[uint64][][]int32),
		pending:  make(map[uint64]int),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// exchange deposits contrib for the calling member and returns every member's
// contribution for the round, indexed by group rank. The returned slices are
// shared across members and must be treated as read-only.
func (g *group) exchange(rank int, contrib []int32) [][]int32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	round := g.gen
	g.contribs[rank] = slices.Clone(contrib)
	g.arrived++
	if g.arrived == g.size {
		g.results[round] = g.contribs
		g.pending[round] = g.size
		g.contribs = make([][]int32, g.size)
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	}

	for g.results[round] == nil {
		g.cond.Wait()
	}
	result := g.results[round]
	g.pending[round]--
	if g.pending[round] == 0 {
		delete(g.results, round)
		delete(g.pending, round)
	}
	return result
}
