package procset

import (
	"slices"
	"sync"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/collectives/internal/telemetry"
	"github.com/gomlx/collectives/opqueue"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// removalPhase is the state of the single coordinated-removal slot. At most one
// coordinated removal may be outstanding at a time.
type removalPhase int

const (
	// removalIdle: no removal outstanding.
	removalIdle removalPhase = iota

	// removalPending: an id is marked locally; removal waits for every process
	// to mark the same id.
	removalPending

	// removalDone: a removal completed; the next HasJustBeenRemoved poll
	// consumes it and resets the slot to idle.
	removalDone
)

// noRemoval is the wire sentinel gathered from processes with nothing pending.
// Idle and just-done are indistinguishable to peers: both defer removal.
const noRemoval int32 = -1

type removalState struct {
	phase removalPhase
	id    int32
}

// Table owns every ProcessSet, assigns and recycles their ids, and runs the
// distributed protocols deciding when registered or marked-for-removal sets may
// transition state.
//
// All methods are safe for concurrent use within the process. The three
// distributed ones -- Initialize, InitializeRegisteredIfReady and
// RemoveMarkedProcessSetIfReady -- issue collectives that are synchronous
// across every process: they return only once all processes reach the same
// call, with no timeout at this layer. Disagreement between processes is never
// an error there; the call returns without effect and the caller retries later.
type Table struct {
	mu sync.Mutex

	sets map[int32]*ProcessSet

	// ids of live sets in registration order. Collective-issuing loops iterate
	// in ascending id order instead, so every process matches collectives even
	// when recycled ids made registration orders differ.
	ids []int32

	// freeIDs were returned by deregistration; the oldest is reused before a
	// new id is minted.
	freeIDs []int32
	nextID  int32

	removal removalState

	newQueue func(id int32) TensorQueue
}

// TableOption configures a Table at construction.
type TableOption func(t *Table)

// WithQueueFactory makes the table bind each newly registered set to the queue
// returned by factory, instead of a fresh opqueue.Queue.
func WithQueueFactory(factory func(id int32) TensorQueue) TableOption {
	return func(t *Table) {
		t.newQueue = factory
	}
}

// NewTable creates a Table with the global process set already registered under
// id 0. The global set is never fully removed, only finalized and possibly
// re-initialized.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		sets: make(map[int32]*ProcessSet),
		newQueue: func(id int32) TensorQueue {
			return opqueue.New()
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	id, err := t.RegisterProcessSet()
	if err != nil || id != 0 {
		exceptions.Panicf("registering the global process set: got id %d, err %+v", id, err)
	}
	return t
}

// RegisterProcessSet allocates an id, registers a new process set with the
// given member global ranks under it and returns the id. An empty ranks list
// means every process in the global communicator. Registration is purely local;
// cross-rank agreement on the content of ranks is deferred to initialization.
//
// When the global set's controller is live, ranks are validated locally: they
// must be duplicate-free and each within [0, global size); violations return an
// ErrInvalidArgument and leave the table unmodified.
func (t *Table) RegisterProcessSet(ranks ...int32) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(ranks) > 0 && t.containsLocked(0) {
		if err := t.validateRanksLocked(ranks); err != nil {
			return 0, err
		}
	}

	var id int32
	if len(t.freeIDs) > 0 {
		id = t.freeIDs[0]
		t.freeIDs = t.freeIDs[1:]
	} else {
		id = t.nextID
		t.nextID++
	}

	t.sets[id] = &ProcessSet{
		id:              id,
		registeredRanks: slices.Clone(ranks),
		queue:           t.newQueue(id),
	}
	t.ids = append(t.ids, id)

	telemetry.RegistrationsTotal.Inc()
	telemetry.LiveProcessSets.Set(float64(len(t.ids)))
	return id, nil
}

func (t *Table) validateRanksLocked(ranks []int32) error {
	sorted := slices.Clone(ranks)
	slices.Sort(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return errors.Wrapf(ErrInvalidArgument,
				"tried to register process set with duplicate rank %d", sorted[i])
		}
	}
	globalController := t.getLocked(0).controller
	for _, rank := range ranks {
		if rank < 0 || (globalController != nil && int(rank) >= globalController.GetSize()) {
			return errors.Wrapf(ErrInvalidArgument,
				"tried to register process set with invalid rank %d", rank)
		}
	}
	return nil
}

// DeregisterProcessSet removes the set with the given id from the table and
// returns its id to the free pool. It is a no-op if the id is absent. It does
// not finalize: callers tearing down a live set must finalize it first.
func (t *Table) DeregisterProcessSet(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deregisterLocked(id)
}

func (t *Table) deregisterLocked(id int32) {
	if _, ok := t.sets[id]; !ok {
		return
	}
	delete(t.sets, id)
	if idx := slices.Index(t.ids, id); idx >= 0 {
		t.ids = slices.Delete(t.ids, idx, idx+1)
	}
	t.freeIDs = append(t.freeIDs, id)

	telemetry.DeregistrationsTotal.Inc()
	telemetry.LiveProcessSets.Set(float64(len(t.ids)))
}

// Initialize is the startup path: it initializes the global process set. It
// panics unless the global set is the only one registered; static non-global
// sets are initialized afterwards through InitializeRegisteredIfReady.
func (t *Table) Initialize(ctx backends.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ids) != 1 || t.ids[0] != 0 {
		exceptions.Panicf("table Initialize requires exactly the global process set to be registered, have ids %v", t.ids)
	}
	return t.getLocked(0).Initialize(ctx)
}

// InitializeRegisteredIfReady initializes registered, not yet initialized
// process sets once every process has registered equally many.
//
// Each process's count of locally registered sets is all-gathered over the
// global controller first. If the counts disagree -- some process has not
// caught up registering -- the call returns without side effects and the caller
// retries later. On agreement, every registered set is initialized in ascending
// id order on all processes.
func (t *Table) InitializeRegisteredIfReady(ctx backends.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	localCount := int32(len(t.ids))
	counts, err := t.globalControllerLocked().AllgatherInt(localCount)
	if err != nil {
		return errors.WithMessage(err, "exchanging registered process set counts")
	}
	for _, count := range counts {
		if count != localCount {
			// Some process has not registered the newest sets yet.
			telemetry.DeferredAgreementsTotal.WithLabelValues("initialize").Inc()
			klog.V(2).Infof("Deferring process set initialization: %d sets registered locally, %v across ranks", localCount, counts)
			return nil
		}
	}

	ids := slices.Clone(t.ids)
	slices.Sort(ids)
	for _, id := range ids {
		if err := t.getLocked(id).Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Finalize finalizes every live process set, delivering status to its tensor
// queue and releasing its resources, and deregisters all of them except the
// global set: that one stays registered (finalized) so the library can be
// re-initialized later.
func (t *Table) Finalize(status comms.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range slices.Clone(t.ids) {
		t.getLocked(id).Finalize(status)
		if id != 0 {
			t.deregisterLocked(id)
		}
	}
}

// MarkProcessSetForRemoval records id as locally pending coordinated removal.
// The removal slot must be idle: marking while another removal is outstanding
// is a precondition violation and panics, as is marking the global set (id 0),
// which is never removed.
func (t *Table) MarkProcessSetForRemoval(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == 0 {
		exceptions.Panicf("the global process set (id 0) cannot be removed")
	}
	if t.removal.phase != removalIdle {
		exceptions.Panicf("marking process set %d for removal while a previous removal (phase %d, id %d) is outstanding",
			id, t.removal.phase, t.removal.id)
	}
	t.removal = removalState{phase: removalPending, id: id}
}

// ProcessSetHasJustBeenRemoved reports whether a coordinated removal completed
// since the last call. It consumes the completion: exactly one caller observes
// true per removal, and the slot returns to idle.
func (t *Table) ProcessSetHasJustBeenRemoved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removal.phase == removalDone {
		t.removal = removalState{phase: removalIdle}
		return true
	}
	return false
}

// RemoveMarkedProcessSetIfReady completes the pending coordinated removal once
// every process has marked the identical id.
//
// The locally marked id (or the idle sentinel) is all-gathered over the global
// controller. Unless every process reports the same non-idle id, the call
// returns without side effects and the caller retries later. On unanimity the
// set is finalized with an aborted status, deregistered (its id recycled) and
// the removal slot set so that exactly one subsequent
// ProcessSetHasJustBeenRemoved poll observes the completion.
func (t *Table) RemoveMarkedProcessSetIfReady() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	wire := noRemoval
	if t.removal.phase == removalPending {
		wire = t.removal.id
	}
	marked, err := t.globalControllerLocked().AllgatherInt(wire)
	if err != nil {
		return errors.WithMessage(err, "exchanging marked process set ids")
	}
	for _, id := range marked {
		if id != wire {
			// Not every process has marked the same set yet.
			telemetry.DeferredAgreementsTotal.WithLabelValues("remove").Inc()
			klog.V(2).Infof("Deferring process set removal: marked %d locally, %v across ranks", wire, marked)
			return nil
		}
	}
	if t.removal.phase != removalPending {
		return nil
	}

	t.getLocked(wire).Finalize(comms.Aborted("Process set has been removed"))
	t.deregisterLocked(wire)
	t.removal = removalState{phase: removalDone}

	telemetry.RemovalsTotal.Inc()
	klog.V(1).Infof("Removed process set %d", wire)
	return nil
}

// Ids returns a point-in-time copy of the live ids, in registration order.
func (t *Table) Ids() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.ids)
}

// Contains reports whether a set with the given id is registered.
func (t *Table) Contains(id int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.containsLocked(id)
}

// Len returns the number of live process sets, including the global one.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}

// Get returns the process set registered under id. Requesting an absent id is a
// programming error and panics.
func (t *Table) Get(id int32) *ProcessSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(id)
}

func (t *Table) containsLocked(id int32) bool {
	_, ok := t.sets[id]
	return ok
}

func (t *Table) getLocked(id int32) *ProcessSet {
	ps, ok := t.sets[id]
	if !ok {
		exceptions.Panicf("no process set registered with id %d", id)
	}
	return ps
}

// globalControllerLocked returns the live controller of the global process set.
// The distributed protocols require the global set to be initialized first.
func (t *Table) globalControllerLocked() comms.Controller {
	controller := t.getLocked(0).controller
	if controller == nil {
		exceptions.Panicf("the global process set (id 0) must be initialized before running distributed table protocols")
	}
	return controller
}
