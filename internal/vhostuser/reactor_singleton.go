package vhostuser

import (
	"sync"

	"github.com/oriys/vhostuser/internal/reactor"
)

// reactorHandle is a thin reference to the process-wide reactor; every
// Endpoint shares the same singleton per the protocol's design (multiple
// endpoints, one poll loop, one reconnect worker).
type reactorHandle struct {
	r *reactor.Reactor
}

var (
	globalReactorOnce sync.Once
	globalReactor     *reactor.Reactor
	globalReactorErr  error
	globalMaxFDs      = 1024
)

// SetReactorCapacity configures the fd-table size used when the global
// reactor is first started. Must be called before the first Endpoint
// start; later calls have no effect once the reactor exists.
func SetReactorCapacity(maxFDs int) {
	if maxFDs > 0 {
		globalMaxFDs = maxFDs
	}
}

func getReactor() (*reactor.Reactor, error) {
	globalReactorOnce.Do(func() {
		globalReactor, globalReactorErr = reactor.New(globalMaxFDs)
	})
	return globalReactor, globalReactorErr
}

// resetReactorForTest tears down the singleton so tests can start a
// fresh reactor. Not part of the public API.
func resetReactorForTest() {
	if globalReactor != nil {
		globalReactor.Close()
	}
	globalReactorOnce = sync.Once{}
	globalReactor = nil
	globalReactorErr = nil
}
