package collectives

import (
	"github.com/gomlx/collectives/procset"
	"github.com/pkg/errors"
)

var errDynamicDisabled = errors.New(
	"set " + COLLECTIVES_DYNAMIC_PROCESS_SETS + "=1 to allow managing process sets after initialization")

// AddProcessSet creates a new process set containing the given global ranks
// (none means every process) and returns its id. Every cooperating process must
// add the set with an identical rank list; the call blocks until all of them
// have, driving the agreement protocol to completion.
//
// Requires COLLECTIVES_DYNAMIC_PROCESS_SETS=1.
func AddProcessSet(ranks ...int32) (int32, error) {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return 0, errNotInitialized
	}
	if !dynamicEnabled() {
		return 0, errDynamicDisabled
	}
	if len(ranks) > 0 && !globalCtx.Capabilities().RankSubsets {
		return 0, errors.Errorf("backend does not support rank-subset communicators; only the global process set is available")
	}

	id, err := table.RegisterProcessSet(ranks...)
	if err != nil {
		return 0, err
	}
	for !table.Get(id).Initialized() {
		if err := table.InitializeRegisteredIfReady(globalCtx); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// RemoveProcessSet tears down the process set with the given id and returns the
// removed id. Every cooperating process must remove the same id; the call
// blocks until all of them have, driving the agreement protocol to completion.
// In-flight operations of the set fail with an aborted status.
//
// The global process set (id 0) cannot be removed. Requires
// COLLECTIVES_DYNAMIC_PROCESS_SETS=1.
func RemoveProcessSet(id int32) (int32, error) {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return 0, errNotInitialized
	}
	if !dynamicEnabled() {
		return 0, errDynamicDisabled
	}
	if id == 0 {
		return 0, errors.Wrap(procset.ErrInvalidArgument, "attempted to remove the global process set with id 0")
	}
	if !table.Contains(id) {
		return 0, errors.Wrapf(procset.ErrInvalidArgument, "tried to remove unknown process set %d", id)
	}

	table.MarkProcessSetForRemoval(id)
	for {
		if err := table.RemoveMarkedProcessSetIfReady(); err != nil {
			return 0, err
		}
		if table.ProcessSetHasJustBeenRemoved() {
			return id, nil
		}
	}
}

// ProcessSetRank returns the calling process's rank within the given process
// set. It fails if the process is not a member of the set.
func ProcessSetRank(id int32) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return 0, errNotInitialized
	}
	if !table.Contains(id) {
		return 0, errors.Wrapf(procset.ErrInvalidArgument, "unknown process set %d", id)
	}
	ps := table.Get(id)
	if !ps.Initialized() || !ps.IsCurrentProcessIncluded() {
		return 0, errors.Errorf("process is not part of process set %d", id)
	}
	return ps.Controller().Rank(), nil
}

// ProcessSetSize returns the number of processes in the given process set.
func ProcessSetSize(id int32) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return 0, errNotInitialized
	}
	if !table.Contains(id) {
		return 0, errors.Wrapf(procset.ErrInvalidArgument, "unknown process set %d", id)
	}
	ps := table.Get(id)
	if !ps.Initialized() {
		return 0, errors.Errorf("process set %d has not been initialized", id)
	}
	return ps.Controller().GetSize(), nil
}

// ProcessSets returns the registered rank list of every live process set, keyed
// by id. An empty rank list means the set spans every process.
func ProcessSets() (map[int32][]int32, error) {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return nil, errNotInitialized
	}
	sets := make(map[int32][]int32)
	for _, id := range table.Ids() {
		sets[id] = table.Get(id).Ranks()
	}
	return sets, nil
}
