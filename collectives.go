// Package collectives is a collective-communication library for distributed
// tensor reduction.
//
// Its core is dynamic process sets: named subsets of cooperating processes,
// each with a dedicated communicator, that independent processes agree on using
// only the collective primitives the library itself provisions (see package
// procset). Communication backends plug in through package backends; the
// in-process reference backend lives in backends/loopback.
//
// Typical use: every process calls Init with its backend context, optionally
// listing static process sets (the same list everywhere); afterwards, with
// COLLECTIVES_DYNAMIC_PROCESS_SETS=1, processes may add and remove sets at
// runtime with AddProcessSet and RemoveProcessSet.
package collectives

import (
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gomlx/collectives/backends"
	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/collectives/internal/telemetry"
	"github.com/gomlx/collectives/procset"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// COLLECTIVES_DYNAMIC_PROCESS_SETS is the environment variable gating dynamic
// process set management: set it to 1 (or "true") to allow AddProcessSet and
// RemoveProcessSet after initialization.
const COLLECTIVES_DYNAMIC_PROCESS_SETS = "COLLECTIVES_DYNAMIC_PROCESS_SETS"

var (
	mu          sync.Mutex
	globalCtx   backends.Context
	table       *procset.Table
	initialized bool
)

func dynamicEnabled() bool {
	v := os.Getenv(COLLECTIVES_DYNAMIC_PROCESS_SETS)
	return v == "1" || strings.EqualFold(v, "true")
}

// Init initializes the library for the calling process over the given backend
// context (nil selects the default backend, see backends.New). Every
// cooperating process must call Init.
//
// processSets optionally lists static process sets to create during
// initialization; every process must pass an identical list, and non-global
// sets require a backend with rank-subset communicators. Init blocks until all
// processes initialized all static sets.
//
// Init after Shutdown re-initializes the library. Calling Init while
// initialized is a no-op.
func Init(ctx backends.Context, processSets ...[]int32) error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return nil
	}
	if ctx == nil {
		ctx = backends.New()
	}
	if len(processSets) > 0 && !ctx.Capabilities().RankSubsets {
		return errors.Errorf("backend does not support rank-subset communicators; only the global process set is available")
	}
	if table == nil {
		// The table persists across Shutdown so the global set's id survives.
		table = procset.NewTable()
	}

	if err := table.Initialize(ctx); err != nil {
		return err
	}
	for _, ranks := range processSets {
		if _, err := table.RegisterProcessSet(ranks...); err != nil {
			return err
		}
	}
	if err := driveInitialization(ctx); err != nil {
		return err
	}

	globalCtx = ctx
	initialized = true
	klog.V(1).Infof("Collectives initialized: rank %d of %d", ctx.GlobalRank(), ctx.GlobalSize())
	return nil
}

// driveInitialization repeats the ready-polling initialization protocol until
// every registered set is initialized. The collectives inside pace-match the
// processes; a process that registered fewer sets stalls the rest, which is the
// documented contract of the distributed calls.
func driveInitialization(ctx backends.Context) error {
	for {
		if err := table.InitializeRegisteredIfReady(ctx); err != nil {
			return err
		}
		done := true
		for _, id := range table.Ids() {
			if !table.Get(id).Initialized() {
				done = false
				break
			}
		}
		if done {
			return nil
		}
	}
}

// Shutdown finalizes the library: every in-flight operation fails with an
// aborted status and every process set except the global one is deregistered.
// The library can be re-initialized with Init afterwards. Shutdown of an
// uninitialized library is a no-op.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return
	}
	table.Finalize(comms.Aborted("collectives library has been shut down"))
	initialized = false
	globalCtx = nil
	klog.V(1).Info("Collectives shut down")
}

// IsInitialized reports whether the library is initialized.
func IsInitialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return initialized
}

var errNotInitialized = errors.New("collectives library has not been initialized; call collectives.Init first")

// Size returns the number of processes in the global communicator.
func Size() (int, error) {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return 0, errNotInitialized
	}
	return globalCtx.GlobalSize(), nil
}

// Rank returns the global rank of the calling process.
func Rank() (int, error) {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return 0, errNotInitialized
	}
	return globalCtx.GlobalRank(), nil
}

// MetricsHandler returns an HTTP handler exposing the library's prometheus
// metrics.
func MetricsHandler() http.Handler {
	return telemetry.Handler()
}
