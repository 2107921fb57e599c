package vhostuser

import (
	"fmt"
	"os"

	"github.com/oriys/vhostuser/internal/logging"
	"github.com/oriys/vhostuser/internal/metrics"
	"github.com/oriys/vhostuser/internal/wire"
	"golang.org/x/sys/unix"
)

// NewEndpoint constructs an Endpoint for path, in server or client mode
// per isServer. It does not touch the network; call
// Start to bind/listen or connect.
func NewEndpoint(path string, isServer bool, flags Flags, notify NotifyOps, handler MessageHandler, factory DeviceFactory) *Endpoint {
	if factory == nil {
		factory = noopDeviceFactory{}
	}
	return &Endpoint{
		Path:        path,
		IsServer:    isServer,
		Flags:       flags,
		Notify:      notify,
		Handler:     handler,
		Factory:     factory,
		socketFD:    -1,
		connections: make(map[string]*Connection),
	}
}

// Start lazily initialises the shared reactor, then binds/listens
// (server mode) or connects (client mode).
func (e *Endpoint) Start() error {
	if e.Flags.Reconnect && e.IsServer {
		return fmt.Errorf("vhostuser: endpoint %s: reconnect is only meaningful in client mode", e.Path)
	}
	if e.Flags.Reconnect {
		startReconnectWorker()
	}

	r, err := getReactor()
	if err != nil {
		return fmt.Errorf("vhostuser: start reactor: %w", err)
	}
	e.reactor = &reactorHandle{r: r}

	if e.IsServer {
		return e.startServer()
	}
	return e.startClient()
}

func (e *Endpoint) startServer() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("%w: socket: %v", ErrSyscallFatal, err)
	}

	addr, err := unixAddr(e.Path)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: %v", ErrSyscallFatal, err)
	}

	// No pre-unlink: removing a pre-existing socket path is the
	// operator's responsibility, not this transport's.
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: bind %s: %v", ErrSyscallFatal, e.Path, err)
	}
	if err := unix.Listen(fd, wire.MaxVirtioBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: listen %s: %v", ErrSyscallFatal, e.Path, err)
	}

	e.mu.Lock()
	e.socketFD = fd
	e.mu.Unlock()

	if err := e.reactor.r.Add(fd, e.serverAccept, nil, nil); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: register listener: %v", ErrResourceExhaustion, err)
	}
	e.reactor.r.Notify()

	logging.Op().Info("vhostuser endpoint listening", "path", e.Path)
	return nil
}

func (e *Endpoint) serverAccept(fd int, _ any) (remove bool) {
	connFD, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return false
		}
		logging.Op().Error("accept failed", "path", e.Path, "error", err)
		return false
	}
	if err := unix.SetNonblock(connFD, false); err != nil {
		unix.Close(connFD)
		logging.Op().Error("clear nonblock on accepted fd", "path", e.Path, "error", err)
		return false
	}
	if err := e.addConnection(connFD); err != nil {
		logging.Op().Error("install accepted connection failed", "path", e.Path, "error", err)
	}
	return false
}

func (e *Endpoint) startClient() error {
	fd, addr, err := dialNonblocking(e.Path)
	if addr == nil {
		// Socket or address construction failed; there is nothing to
		// retry, unlike a connect errno.
		if fd >= 0 {
			unix.Close(fd)
		}
		return err
	}

	if classifyConnect(err) == connectOutcomeSuccess {
		if err := unix.SetNonblock(fd, false); err != nil {
			unix.Close(fd)
			return fmt.Errorf("%w: clear nonblock: %v", ErrSyscallFatal, err)
		}
		e.mu.Lock()
		e.socketFD = fd
		e.mu.Unlock()
		return e.addConnection(fd)
	}

	if e.Flags.Reconnect {
		enqueueReconnect(e, fd, addr)
		return nil
	}
	unix.Close(fd)
	return fmt.Errorf("%w: connect %s: %v", ErrSyscallFatal, e.Path, err)
}

// Cleanup tears down the endpoint: for a server, it unregisters and
// closes the listen socket and unlinks the path; for a client it drains
// any pending reconnect entries. It then drains every live connection
// using try-del + retry to avoid the endpoint-mutex-then-reactor-mutex
// lock inversion.
func (e *Endpoint) Cleanup() {
	if e.IsServer {
		e.mu.Lock()
		fd := e.socketFD
		e.socketFD = -1
		e.mu.Unlock()
		if fd >= 0 {
			if e.reactor != nil {
				e.reactor.r.Del(fd)
			}
			unix.Close(fd)
			_ = os.Remove(e.Path)
		}
	} else if e.Flags.Reconnect {
		removeReconnectEntriesForEndpoint(e)
	}

	for {
		e.mu.Lock()
		busy := false
		for _, c := range e.connections {
			if e.reactor != nil {
				if err := e.reactor.r.TryDel(c.ConnFD); err != nil {
					busy = true
					break
				}
			}
		}
		if busy {
			// An in-flight callback may need e.mu; release and restart
			// the whole walk rather than holding it across the retry.
			e.mu.Unlock()
			continue
		}

		for id, c := range e.connections {
			c.closeLocked()
			delete(e.connections, id)
		}
		e.mu.Unlock()
		break
	}

	metrics.SetActiveConnections(e.Path, 0)
}

type noopDeviceFactory struct{}

func (noopDeviceFactory) NewDevice(endpointPath string) (*Device, error) {
	return &Device{PostcopyUFD: -1}, nil
}

func (noopDeviceFactory) DestroyDevice(d *Device) {}
