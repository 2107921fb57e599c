//go:build linux

package reactor

import (
	"errors"

	"golang.org/x/sys/unix"
)

var errInterrupted = errors.New("reactor: poll interrupted")

// pollBackend abstracts the OS-level readiness primitive so the
// dispatch loop in reactor.go stays platform-independent.
type pollBackend interface {
	add(fd int) error
	del(fd int)
	wait() ([]int, error)
	close()
}

type epollBackend struct {
	epfd int
}

func newPollBackend() (pollBackend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{epfd: fd}, nil
}

func (b *epollBackend) add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (b *epollBackend) del(fd int) {
	_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) wait() ([]int, error) {
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(b.epfd, events, -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, errInterrupted
		}
		return nil, err
	}
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fds = append(fds, int(events[i].Fd))
	}
	return fds, nil
}

func (b *epollBackend) close() {
	unix.Close(b.epfd)
}

func newWakePipe() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func writeWake(fd int) {
	var b [1]byte
	for {
		_, err := unix.Write(fd, b[:])
		if err == nil || !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

func drainWake(fd int) {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(fd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

func closeWake(readFD, writeFD int) {
	unix.Close(readFD)
	unix.Close(writeFD)
}
