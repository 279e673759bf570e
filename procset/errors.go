package procset

import "github.com/pkg/errors"

// Error classes surfaced by registration and initialization. Wrap them with
// context at the failure site; callers test with errors.Is.
//
// Precondition violations (querying an unregistered id, double-marking for
// removal, ...) are programming errors and panic with a stack trace instead,
// see package github.com/gomlx/exceptions.
var (
	// ErrConsistency indicates that cooperating processes called into the
	// library with diverging arguments, e.g. different rank lists for the same
	// process set. It signals a caller coordination bug and is not retried.
	ErrConsistency = errors.New("inconsistent process set registration across ranks")

	// ErrInvalidArgument indicates a locally detectable invalid argument, e.g. a
	// duplicate or out-of-range rank.
	ErrInvalidArgument = errors.New("invalid process set argument")
)
