package comms

// StatusType discriminates the terminal result of an in-flight collective
// operation.
type StatusType int

const (
	// StatusOK indicates successful completion.
	StatusOK StatusType = iota

	// StatusUnknown indicates a result of undetermined kind.
	StatusUnknown

	// StatusAborted indicates the operation was cancelled externally, e.g.
	// because its process set was removed or the library shut down.
	StatusAborted

	// StatusInvalidArgument indicates the operation was malformed.
	StatusInvalidArgument

	// StatusPreconditionError indicates the operation was issued in a state that
	// does not permit it.
	StatusPreconditionError

	// StatusInProgress indicates the operation has not yet completed. It is
	// never delivered as a terminal status.
	StatusInProgress
)

// String implements fmt.Stringer.
func (t StatusType) String() string {
	switch t {
	case StatusOK:
		return "ok"
	case StatusUnknown:
		return "unknown"
	case StatusAborted:
		return "aborted"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusPreconditionError:
		return "precondition error"
	case StatusInProgress:
		return "in progress"
	}
	return "invalid"
}

// Status is the discriminated result delivered to in-flight operations when
// their process set reaches a terminal state. It is a plain value: compare with
// ==, pass by value.
type Status struct {
	statusType StatusType
	reason     string
}

// OK returns a successful status.
func OK() Status {
	return Status{statusType: StatusOK}
}

// Aborted returns an aborted status with the given reason.
func Aborted(reason string) Status {
	return Status{statusType: StatusAborted, reason: reason}
}

// InvalidArgument returns an invalid-argument status with the given reason.
func InvalidArgument(reason string) Status {
	return Status{statusType: StatusInvalidArgument, reason: reason}
}

// PreconditionError returns a precondition-error status with the given reason.
func PreconditionError(reason string) Status {
	return Status{statusType: StatusPreconditionError, reason: reason}
}

// InProgress returns the non-terminal in-progress status.
func InProgress() Status {
	return Status{statusType: StatusInProgress}
}

// Type returns the status discriminant.
func (s Status) Type() StatusType {
	return s.statusType
}

// Reason returns the human-readable message attached to a non-OK status.
func (s Status) Reason() string {
	return s.reason
}

// OK reports whether the status is successful.
func (s Status) OK() bool {
	return s.statusType == StatusOK
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s.reason == "" {
		return s.statusType.String()
	}
	return s.statusType.String() + ": " + s.reason
}
