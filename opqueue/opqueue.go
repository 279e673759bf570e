// Package opqueue implements the tensor queue of a process set: the in-flight
// reduction operations waiting on the group's collective cycle.
//
// Every accepted operation is delivered exactly one terminal status, either
// when the reduction layer completes it or, collectively, when the queue is
// finalized during process set teardown -- operations fail with the teardown
// status rather than vanish silently.
package opqueue

import (
	"sync"

	"github.com/gomlx/collectives/comms"
	"github.com/pkg/errors"
)

// Queue holds one process set's in-flight operations. The zero value is not
// usable; create queues with New.
type Queue struct {
	mu sync.Mutex

	// order keeps insertion order for deterministic terminal delivery.
	order   []string
	pending map[string]func(comms.Status)

	closed   bool
	terminal comms.Status
}

// New returns an empty, open queue.
func New() *Queue {
	return &Queue{
		pending: make(map[string]func(comms.Status)),
	}
}

// Enqueue registers an in-flight operation under name; done receives the
// operation's terminal status, exactly once, possibly on another goroutine.
//
// On a finalized queue the operation is not accepted: done immediately receives
// the queue's terminal status and Enqueue still returns nil, mirroring that the
// caller learns the outcome through done.
// A name already in flight is rejected.
func (q *Queue) Enqueue(name string, done func(comms.Status)) error {
	q.mu.Lock()
	if q.closed {
		terminal := q.terminal
		q.mu.Unlock()
		done(terminal)
		return nil
	}
	if _, ok := q.pending[name]; ok {
		q.mu.Unlock()
		return errors.Errorf("operation %q is already in flight", name)
	}
	q.pending[name] = done
	q.order = append(q.order, name)
	q.mu.Unlock()
	return nil
}

// Submit is a channel-flavored Enqueue: the returned channel yields the
// operation's terminal status, exactly once.
func (q *Queue) Submit(name string) (<-chan comms.Status, error) {
	ch := make(chan comms.Status, 1)
	err := q.Enqueue(name, func(status comms.Status) {
		ch <- status
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Complete delivers status to the named in-flight operation and removes it.
// It reports whether the name was in flight.
func (q *Queue) Complete(name string, status comms.Status) bool {
	q.mu.Lock()
	done, ok := q.pending[name]
	if ok {
		delete(q.pending, name)
		q.removeFromOrder(name)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	done(status)
	return true
}

// FinalizeTensorQueue fails every in-flight operation with status, in
// submission order, and closes the queue: later Enqueue calls complete
// immediately with the same status until Reset. Finalizing an already finalized
// queue only updates the terminal status.
func (q *Queue) FinalizeTensorQueue(status comms.Status) {
	q.mu.Lock()
	var callbacks []func(comms.Status)
	for _, name := range q.order {
		if done, ok := q.pending[name]; ok {
			callbacks = append(callbacks, done)
		}
	}
	q.order = nil
	q.pending = make(map[string]func(comms.Status))
	q.closed = true
	q.terminal = status
	q.mu.Unlock()

	// Deliver outside the lock: callbacks may re-enter the queue.
	for _, done := range callbacks {
		done(status)
	}
}

// Reset reopens a finalized queue so the owning process set can be
// re-initialized. It is a no-op on an open queue.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = false
	q.terminal = comms.Status{}
}

// Len returns the number of in-flight operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Closed reports whether the queue has been finalized and not yet reset.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) removeFromOrder(name string) {
	for i, n := range q.order {
		if n == name {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
