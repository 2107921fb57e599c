package vhostuser

import (
	"sync"
	"time"

	"github.com/oriys/vhostuser/internal/logging"
	"github.com/oriys/vhostuser/internal/metrics"
	"golang.org/x/sys/unix"
)

// reconnectEntry is one pending client socket awaiting a successful
// connect, held on the process-global reconnect list until the worker
// promotes it to a Connection or the owning endpoint is torn down.
type reconnectEntry struct {
	endpoint *Endpoint
	fd       int
	addr     *unix.SockaddrUnix
}

var (
	reconnectOnce    sync.Once
	reconnectMu      sync.Mutex
	reconnectPending []*reconnectEntry
	reconnectStop    chan struct{}
	reconnectTick    = time.Second
)

// startReconnectWorker lazily starts the singleton reconnect worker on
// the first client endpoint configured with Reconnect. Every endpoint
// sharing the process shares this one ticker, mirroring the reactor's
// own singleton discipline.
func startReconnectWorker() {
	reconnectOnce.Do(func() {
		reconnectStop = make(chan struct{})
		go reconnectLoop(reconnectStop)
	})
}

// resetReconnectWorkerForTest lets tests restart the worker with a
// fresh tick interval. Not part of the public API.
func resetReconnectWorkerForTest() {
	reconnectMu.Lock()
	if reconnectStop != nil {
		close(reconnectStop)
	}
	reconnectPending = nil
	reconnectStop = nil
	reconnectMu.Unlock()
	reconnectOnce = sync.Once{}
}

func reconnectLoop(stop chan struct{}) {
	ticker := time.NewTicker(reconnectTick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			reconnectTickOnce()
		}
	}
}

// reconnectTickOnce walks the pending list once, attempting a connect
// on each entry and applying the three-way outcome the listener itself
// uses for a fresh client dial.
func reconnectTickOnce() {
	reconnectMu.Lock()
	entries := make([]*reconnectEntry, len(reconnectPending))
	copy(entries, reconnectPending)
	reconnectMu.Unlock()

	for _, ent := range entries {
		metrics.RecordReconnectAttempt(ent.endpoint.Path)
		err := unix.Connect(ent.fd, ent.addr)
		if classifyConnect(err) != connectOutcomeSuccess {
			// Every connect errno is retryable; keep the entry for the
			// next tick.
			continue
		}

		removeReconnectEntry(ent)
		if err := unix.SetNonblock(ent.fd, false); err != nil {
			// The one fatal outcome: the connected socket cannot be
			// switched to blocking mode.
			logging.Op().Error("reconnect: clear nonblock", "path", ent.endpoint.Path, "error", err)
			unix.Close(ent.fd)
			continue
		}
		logging.Op().Info("vhostuser client reconnected", "path", ent.endpoint.Path)
		metrics.RecordReconnectSuccess(ent.endpoint.Path)
		if err := ent.endpoint.addConnection(ent.fd); err != nil {
			logging.Op().Error("reconnect: install connection failed", "path", ent.endpoint.Path, "error", err)
		}
	}
}

// enqueueReconnect adds fd to the pending list after a client endpoint's
// initial connect attempt comes back retryable.
func enqueueReconnect(e *Endpoint, fd int, addr *unix.SockaddrUnix) {
	reconnectMu.Lock()
	defer reconnectMu.Unlock()
	reconnectPending = append(reconnectPending, &reconnectEntry{endpoint: e, fd: fd, addr: addr})
}

func removeReconnectEntry(target *reconnectEntry) {
	reconnectMu.Lock()
	defer reconnectMu.Unlock()
	out := reconnectPending[:0]
	for _, ent := range reconnectPending {
		if ent != target {
			out = append(out, ent)
		}
	}
	reconnectPending = out
}

// removeReconnectEntriesForEndpoint drains any pending entries owned by
// e, closing their sockets, as part of Endpoint.Cleanup. The reconnect
// worker itself is never stopped by this — it is process-global and
// outlives any one endpoint.
func removeReconnectEntriesForEndpoint(e *Endpoint) {
	reconnectMu.Lock()
	defer reconnectMu.Unlock()

	out := reconnectPending[:0]
	for _, ent := range reconnectPending {
		if ent.endpoint == e {
			unix.Close(ent.fd)
			continue
		}
		out = append(out, ent)
	}
	reconnectPending = out
}
