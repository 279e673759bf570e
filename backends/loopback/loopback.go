// Package loopback implements a pure-Go, in-process communication backend: it
// simulates a fixed number of ranks inside one process, with collectives
// rendezvousing over shared memory.
//
// It is the reference backend for tests and single-machine experiments; real
// deployments use a wire-level backend instead.
package loopback

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// BackendName to be used in COLLECTIVES_BACKEND to specify this backend.
const BackendName = "loopback"

// Registers New() as the constructor for the "loopback" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a loopback backend Context from a configuration string of the
// form "<size>/<rank>". An empty configuration means a single-rank fabric
// ("1/0"). Contexts built through New share one Fabric per size, so
// NewWithConfig("loopback:3/0") ... ("loopback:3/2") in the same process talk to
// each other. It panics on a malformed configuration.
func New(config string) backends.Context {
	size, rank := 1, 0
	if config != "" {
		sizeStr, rankStr, found := strings.Cut(config, "/")
		if !found {
			exceptions.Panicf("loopback backend configuration %q: want \"<size>/<rank>\"", config)
		}
		var err error
		size, err = strconv.Atoi(sizeStr)
		if err == nil {
			rank, err = strconv.Atoi(rankStr)
		}
		if err != nil {
			exceptions.Panicf("loopback backend configuration %q: want \"<size>/<rank>\"", config)
		}
	}
	return sharedFabric(size).Context(rank)
}

var (
	muShared      sync.Mutex
	sharedFabrics = make(map[int]*Fabric)
)

func sharedFabric(size int) *Fabric {
	muShared.Lock()
	defer muShared.Unlock()
	f, ok := sharedFabrics[size]
	if !ok {
		f = NewFabric(size)
		sharedFabrics[size] = f
	}
	return f
}

// Fabric is a set of simulated ranks sharing in-process collectives. Create one
// with NewFabric and hand each simulated rank its own Context.
type Fabric struct {
	size int

	mu     sync.Mutex
	groups map[string]*group
}

// NewFabric returns a fresh fabric of the given number of ranks.
func NewFabric(size int) *Fabric {
	if size <= 0 {
		exceptions.Panicf("loopback fabric size must be positive, got %d", size)
	}
	return &Fabric{
		size:   size,
		groups: make(map[string]*group),
	}
}

// Size returns the number of ranks in the fabric.
func (f *Fabric) Size() int {
	return f.size
}

// Context returns the backend context for the given rank of the fabric.
func (f *Fabric) Context(rank int) backends.Context {
	if rank < 0 || rank >= f.size {
		exceptions.Panicf("loopback rank %d out of range for fabric of size %d", rank, f.size)
	}
	return &Context{fabric: f, rank: rank}
}

// group returns the rendezvous shared by all members of the given rank subset,
// creating it on first use. Empty ranks means the whole fabric. Every member
// passes an identical ranks slice, so the canonical key agrees across ranks.
func (f *Fabric) group(ranks []int32) *group {
	key := fmt.Sprint(ranks)
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[key]
	if !ok {
		size := f.size
		if len(ranks) > 0 {
			size = len(ranks)
		}
		g = newGroup(size)
		f.groups[key] = g
	}
	return g
}

// groupRank translates a global rank into its rank within ranks, or -1 if it is
// not a member. Empty ranks includes everyone, keeping global ranks.
func groupRank(ranks []int32, globalRank int) int {
	if len(ranks) == 0 {
		return globalRank
	}
	return slices.Index(ranks, int32(globalRank))
}

// Context implements backends.Context for one rank of a Fabric.
type Context struct {
	fabric *Fabric
	rank   int
}

// Compile-time check that loopback.Context implements backends.Context.
var _ backends.Context = &Context{}

// GlobalSize implements backends.Context.
func (c *Context) GlobalSize() int {
	return c.fabric.size
}

// GlobalRank implements backends.Context.
func (c *Context) GlobalRank() int {
	return c.rank
}

// Capabilities implements backends.Context. Loopback supports communicators
// restricted to rank subsets.
func (c *Context) Capabilities() backends.Capabilities {
	return backends.Capabilities{RankSubsets: true}
}

// AllgatherInt implements backends.Context: it gathers one value per rank over
// the whole fabric.
func (c *Context) AllgatherInt(v int32) ([]int32, error) {
	contribs := c.fabric.group(nil).exchange(c.rank, []int32{v})
	gathered := make([]int32, len(contribs))
	for rank, contrib := range contribs {
		gathered[rank] = contrib[0]
	}
	return gathered, nil
}

// AllreduceInts implements backends.Context: element-wise reduction of vals
// across the whole fabric.
func (c *Context) AllreduceInts(vals []int32, op comms.ReduceOp) ([]int32, error) {
	contribs := c.fabric.group(nil).exchange(c.rank, vals)
	return reduceContribs(contribs, op)
}

// NewComms implements backends.Context. Loopback communicators carry no
// resources of their own; the handle only records inclusion.
func (c *Context) NewComms(ranks []int32) (backends.Comms, error) {
	return &loopbackComms{included: groupRank(ranks, c.rank) >= 0}, nil
}

// NewController implements backends.Context. Controllers created with an
// identical rank list share one rendezvous across the fabric; the coordination
// layer drives groups in a globally agreed order, which keeps their collectives
// from interleaving.
func (c *Context) NewController(ranks []int32) comms.Controller {
	return &controller{
		group:      c.fabric.group(ranks),
		globalRank: c.rank,
		rank:       groupRank(ranks, c.rank),
	}
}

type loopbackComms struct {
	included bool
}

// Included implements backends.Comms.
func (lc *loopbackComms) Included() bool {
	return lc.included
}

// Finalize implements backends.Comms. Nothing to release.
func (lc *loopbackComms) Finalize() {}

func reduceContribs(contribs [][]int32, op comms.ReduceOp) ([]int32, error) {
	reduced := slices.Clone(contribs[0])
	for rank, contrib := range contribs[1:] {
		if len(contrib) != len(reduced) {
			return nil, errors.Errorf("all-reduce length mismatch: rank 0 passed %d values, rank %d passed %d", len(reduced), rank+1, len(contrib))
		}
		for i, v := range contrib {
			switch op {
			case comms.ReduceMax:
				reduced[i] = max(reduced[i], v)
			case comms.ReduceMin:
				reduced[i] = min(reduced[i], v)
			}
		}
	}
	return reduced, nil
}
