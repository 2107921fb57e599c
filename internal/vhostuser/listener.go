package vhostuser

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func unixAddr(path string) (*unix.SockaddrUnix, error) {
	if len(path) >= len(unix.RawSockaddrUnix{}.Path) {
		return nil, fmt.Errorf("vhostuser: socket path %q too long", path)
	}
	return &unix.SockaddrUnix{Name: path}, nil
}

type connectOutcome int

const (
	connectOutcomeSuccess connectOutcome = iota
	connectOutcomeRetryable
)

// dialNonblocking creates a non-blocking AF_UNIX socket and attempts to
// connect it to path, returning the raw fd regardless of outcome so the
// caller can close it, hand it to the reactor, or enqueue it on the
// Reconnector.
func dialNonblocking(path string) (fd int, addr *unix.SockaddrUnix, err error) {
	fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("%w: socket: %v", ErrSyscallFatal, err)
	}

	addr, err = unixAddr(path)
	if err != nil {
		return fd, nil, fmt.Errorf("%w: %v", ErrSyscallFatal, err)
	}

	connErr := unix.Connect(fd, addr)
	return fd, addr, connErr
}

// classifyConnect maps a unix.Connect error into the listener/
// reconnector contract: established, or retry on the next tick. Every
// connect(2) errno except EISCONN is retryable — the fatal class is
// reserved for the clear-nonblock step performed after a successful
// connect, never for connect's own errno.
func classifyConnect(err error) connectOutcome {
	// EISCONN: a previously in-progress connect has completed.
	if err == nil || err == unix.EISCONN {
		return connectOutcomeSuccess
	}
	return connectOutcomeRetryable
}
