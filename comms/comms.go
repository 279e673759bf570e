// Package comms defines the narrow interfaces and value types shared between the
// process-set coordination layer and the communication backends that serve it.
//
// A Controller is the per-group collective engine: it answers membership queries
// and runs the small integer collectives the coordination protocols are built on.
// Concrete controllers are provided by backends (see package backends); this
// package only fixes the contract.
package comms

// ReduceOp selects the reduction applied by an all-reduce.
//
// The coordination layer only ever reduces for equality verification, so max and
// min are the complete set: a vector equal to both its element-wise maximum and
// minimum across ranks is identical on every rank.
type ReduceOp int

const (
	// ReduceMax takes the element-wise maximum across ranks.
	ReduceMax ReduceOp = iota

	// ReduceMin takes the element-wise minimum across ranks.
	ReduceMin
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	}
	return "invalid"
}

// Controller runs collective operations among the members of one process set and
// answers membership queries about it.
//
// All collective calls are synchronous across the group's members: a call
// returns only once every member has reached the same call. There is no timeout
// at this layer; a member that never participates stalls the rest.
type Controller interface {
	// GetSize returns the number of processes in the group.
	GetSize() int

	// Rank returns the rank of the calling process within the group.
	Rank() int

	// IsInitialized reports whether the controller has been started for the
	// calling process. A process excluded from the group's communicator keeps an
	// un-started controller.
	IsInitialized() bool

	// Initialize starts the controller for the calling process. It must only be
	// called for processes included in the group's communicator.
	Initialize() error

	// AllgatherInt gathers one int32 per member into a vector, indexed by group
	// rank, visible to every member.
	AllgatherInt(v int32) ([]int32, error)
}
