// Package backends defines the interface a communication backend needs to
// implement to be used by the collectives library.
//
// A backend supplies the actual communicators: the global one spanning every
// process, and communicators restricted to a rank subset for non-global process
// sets. The coordination layer (package procset) never talks to the wire itself;
// it only issues the small integer collectives declared here and on
// comms.Controller.
//
// To simplify error handling, constructor-registry functions are expected to
// throw (panic) with a stack trace in case of errors.
// See package github.com/gomlx/exceptions.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/exceptions"
)

// Capabilities describes what a backend supports.
type Capabilities struct {
	// RankSubsets reports whether the backend can construct communicators
	// restricted to a subset of the global ranks. Backends without it can only
	// host the all-inclusive global process set, and their initialization path
	// skips the cross-rank rank-list verification: the only rank list they ever
	// see is the empty (all-inclusive) one, which is vacuously consistent.
	RankSubsets bool
}

// Comms is a backend communicator handle owned by one process set.
type Comms interface {
	// Included reports whether the calling process is a member of the
	// communicator.
	Included() bool

	// Finalize releases the communicator's resources. It is idempotent.
	Finalize()
}

// Context is the opaque handle to a live communication backend, bound to the
// calling process's global rank.
//
// The global collectives (AllgatherInt, AllreduceInts) run over the
// all-inclusive communicator and are synchronous across every process: a call
// returns only once all processes have reached the same call.
type Context interface {
	// GlobalSize returns the number of processes in the global communicator.
	GlobalSize() int

	// GlobalRank returns the calling process's rank in the global communicator.
	GlobalRank() int

	// AllgatherInt gathers one int32 per process over the global communicator.
	AllgatherInt(v int32) ([]int32, error)

	// AllreduceInts element-wise reduces vals across all processes over the
	// global communicator. Every process must pass a vector of the same length.
	AllreduceInts(vals []int32, op comms.ReduceOp) ([]int32, error)

	// NewComms builds a communicator restricted to the given global ranks.
	// An empty ranks slice means every process in the global communicator.
	NewComms(ranks []int32) (Comms, error)

	// NewController builds an un-started controller for the group of the given
	// global ranks (empty means all). Starting it is the caller's decision: a
	// process excluded from the group keeps its controller un-started.
	NewController(ranks []int32) comms.Controller

	// Capabilities returns what this backend supports.
	Capabilities() Capabilities
}

// Constructor takes a config string (optionally empty) and returns a Context.
type Constructor func(config string) Context

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as
// input a configuration string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// COLLECTIVES_BACKEND is the environment variable with the default backend
// configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "loopback")
// and "<backend_configuration>" is backend specific.
const COLLECTIVES_BACKEND = "COLLECTIVES_BACKEND"

// New returns a new Context for the default backend.
//
// The default is:
//
// 1. The environment COLLECTIVES_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Context {
	config, found := os.LookupEnv(COLLECTIVES_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as
// "<backend_name>:<backend_configuration>" and returns a Context for that
// backend. A config without a ":" selects the first registered backend and is
// passed to it whole.
func NewWithConfig(config string) Context {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for collectives -- maybe import the in-process one with import _ "github.com/gomlx/collectives/backends/loopback"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
