// Package procset manages process sets: named subsets of cooperating processes
// sharing a dedicated communicator.
//
// Independent processes, with no central coordinator, converge on an identical
// view of which sets exist, which ranks belong to each, and when each becomes
// usable or is torn down. The agreement protocols run over the global
// communicator using only the collective primitives the library itself
// provisions; disagreement degrades to "retry later", never to deadlock.
//
// The entry point is Table, which owns every ProcessSet. The all-inclusive
// global set always exists under id 0.
package procset

import (
	"slices"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TensorQueue holds the in-flight reduction operations of one process set and
// accepts a terminal status on teardown. See package opqueue for the default
// implementation.
type TensorQueue interface {
	// FinalizeTensorQueue fails every in-flight operation with status.
	FinalizeTensorQueue(status comms.Status)
}

// ProcessSet is one group of cooperating processes: its registered rank list,
// its controller, its backend communicator and its share of queued work.
//
// Process sets are exclusively owned by a Table, which is also their
// synchronization point: do not call lifecycle methods concurrently with table
// operations from other goroutines.
type ProcessSet struct {
	id int32

	// registeredRanks lists the member global ranks, duplicate-free, each in
	// [0, global size). Empty means every process in the global communicator.
	registeredRanks []int32

	initialized bool
	controller  comms.Controller
	comms       backends.Comms
	queue       TensorQueue
}

// Id returns the table-assigned id, unique while the set is live.
func (ps *ProcessSet) Id() int32 {
	return ps.id
}

// Ranks returns a copy of the registered rank list. Empty means the set spans
// every process in the global communicator.
func (ps *ProcessSet) Ranks() []int32 {
	return slices.Clone(ps.registeredRanks)
}

// Initialized reports whether Initialize has completed for this set.
func (ps *ProcessSet) Initialized() bool {
	return ps.initialized
}

// Controller returns the set's controller, or nil before initialization.
func (ps *ProcessSet) Controller() comms.Controller {
	return ps.controller
}

// Queue returns the set's tensor queue.
func (ps *ProcessSet) Queue() TensorQueue {
	return ps.queue
}

// IsCurrentProcessIncluded reports whether the calling process is an active
// member of the set's communicator. It must only be called after
// initialization; earlier calls panic.
func (ps *ProcessSet) IsCurrentProcessIncluded() bool {
	if !ps.initialized {
		exceptions.Panicf("IsCurrentProcessIncluded called on process set %d before initialization", ps.id)
	}
	return ps.controller.IsInitialized()
}

// Initialize builds the set's communicator and starts its controller. It is a
// no-op if the set is already initialized.
//
// When the set has an explicit rank list and the backend supports rank-subset
// communicators, every process's list is first verified to be identical: the
// list lengths are all-gathered and the list is all-reduced with max and then
// min over the global communicator; any difference is a consistency error. A
// vector equal to both its element-wise maximum and minimum across ranks is the
// same everywhere, which substitutes for a dedicated all-equal primitive.
//
// If the calling process is excluded from the resulting communicator, the set
// still becomes initialized but its controller is not started and it takes no
// part in the group's collectives.
//
// Backends without rank-subset communicators only ever host the all-inclusive
// set: there is no rank list to verify and the controller is started
// unconditionally.
func (ps *ProcessSet) Initialize(ctx backends.Context) error {
	if ps.initialized {
		return nil
	}
	klog.V(1).Infof("Initializing process set %d (ranks %v)", ps.id, ps.registeredRanks)

	ranks := ps.registeredRanks
	if ctx.Capabilities().RankSubsets {
		if len(ranks) > 0 {
			if err := ps.verifyRegisteredRanks(ctx); err != nil {
				return err
			}
		}
	} else {
		// The backend spans all processes regardless of the registered list.
		ranks = nil
	}

	groupComms, err := ctx.NewComms(ranks)
	if err != nil {
		return errors.WithMessagef(err, "building communicator for process set %d", ps.id)
	}
	ps.comms = groupComms
	ps.controller = ctx.NewController(ranks)
	if groupComms.Included() {
		if err := ps.controller.Initialize(); err != nil {
			return errors.WithMessagef(err, "starting controller of process set %d", ps.id)
		}
	}
	ps.initialized = true
	return nil
}

func (ps *ProcessSet) verifyRegisteredRanks(ctx backends.Context) error {
	ranks := ps.registeredRanks
	lengths, err := ctx.AllgatherInt(int32(len(ranks)))
	if err != nil {
		return errors.WithMessagef(err, "exchanging rank list lengths for process set %d", ps.id)
	}
	for _, l := range lengths {
		if int(l) != len(ranks) {
			return errors.Wrapf(ErrConsistency,
				"attempted to initialize process set %d with mismatching size on different ranks (%d locally, %d elsewhere)",
				ps.id, len(ranks), l)
		}
	}
	for _, op := range []comms.ReduceOp{comms.ReduceMax, comms.ReduceMin} {
		reduced, err := ctx.AllreduceInts(ranks, op)
		if err != nil {
			return errors.WithMessagef(err, "all-reducing (%s) rank list of process set %d", op, ps.id)
		}
		if !slices.Equal(reduced, ranks) {
			return errors.Wrapf(ErrConsistency,
				"attempted to initialize process set %d with mismatching values on different ranks", ps.id)
		}
	}
	return nil
}

// Finalize delivers status to the set's tensor queue, failing any in-flight
// operations, releases the backend communicator and clears the initialized
// flag so the set can be re-initialized later. It always succeeds, including on
// a never-initialized set.
func (ps *ProcessSet) Finalize(status comms.Status) {
	if ps.queue != nil {
		ps.queue.FinalizeTensorQueue(status)
	}
	if ps.comms != nil {
		ps.comms.Finalize()
		ps.comms = nil
	}
	ps.controller = nil
	ps.initialized = false
}
