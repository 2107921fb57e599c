// Package reactor implements a single-threaded epoll-based FD multiplexer:
// a slotted table of {fd, read callback, write callback, user data} pairs
// serviced by one long-lived poll loop, with add/delete/try-delete and a
// wake pipe to interrupt a pending wait when the set changes.
package reactor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oriys/vhostuser/internal/logging"
	"github.com/oriys/vhostuser/internal/metrics"
)

// ErrFull is returned by Add when the fd table has no free slots.
var ErrFull = errors.New("reactor: fd table full")

// ErrBusy is returned by TryDel when the slot's callback is currently
// executing; the caller must release any lock it holds and retry.
var ErrBusy = errors.New("reactor: slot busy")

// ReadCallback is invoked when fd becomes readable. It returns true if
// the reactor should remove fd from its set afterward (the callback
// itself decides, mirroring the out-param "remove flag" contract).
type ReadCallback func(fd int, userData any) (remove bool)

// WriteCallback is stored alongside a slot's read callback. The poll
// loop registers read interest only and never invokes it.
type WriteCallback func(fd int, userData any) (remove bool)

type slot struct {
	fd       int
	readCB   ReadCallback
	writeCB  WriteCallback
	userData any
	busy     bool
	used     bool
}

// Reactor is a slotted-table epoll multiplexer. The zero value is not
// usable; construct with New.
type Reactor struct {
	mu    sync.Mutex
	slots []slot
	index map[int]int // fd -> slot index

	backend pollBackend
	wakeR   int
	wakeW   int

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Reactor with room for maxFDs registered descriptors and
// starts its poll loop in a background goroutine.
func New(maxFDs int) (*Reactor, error) {
	if maxFDs <= 0 {
		maxFDs = 1024
	}

	backend, err := newPollBackend()
	if err != nil {
		return nil, fmt.Errorf("reactor: create poll backend: %w", err)
	}

	r := &Reactor{
		slots:   make([]slot, maxFDs),
		index:   make(map[int]int, maxFDs),
		backend: backend,
		closed:  make(chan struct{}),
	}

	wr, ww, err := newWakePipe()
	if err != nil {
		backend.close()
		return nil, fmt.Errorf("reactor: create wake pipe: %w", err)
	}
	r.wakeR = wr
	r.wakeW = ww

	if err := r.backend.add(r.wakeR); err != nil {
		backend.close()
		return nil, fmt.Errorf("reactor: register wake pipe: %w", err)
	}

	go r.loop()
	return r, nil
}

// Add registers fd with the given callbacks and opaque user data in the
// first free slot.
func (r *Reactor) Add(fd int, readCB ReadCallback, writeCB WriteCallback, userData any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[fd]; exists {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}

	idx := -1
	for i := range r.slots {
		if !r.slots[i].used {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrFull
	}

	r.slots[idx] = slot{fd: fd, readCB: readCB, writeCB: writeCB, userData: userData, used: true}
	r.index[fd] = idx

	if err := r.backend.add(fd); err != nil {
		r.slots[idx] = slot{}
		delete(r.index, fd)
		return fmt.Errorf("reactor: add fd %d to poll set: %w", fd, err)
	}

	r.notifyLocked()
	metrics.SetFDSlots(len(r.index), len(r.slots))
	return nil
}

// Del unconditionally removes fd from the set. It must not be called
// from within that fd's own callback; use the callback's remove return
// value for that case instead.
func (r *Reactor) Del(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delLocked(fd)
}

func (r *Reactor) delLocked(fd int) {
	idx, ok := r.index[fd]
	if !ok {
		return
	}
	r.backend.del(fd)
	r.slots[idx] = slot{}
	delete(r.index, fd)
	metrics.SetFDSlots(len(r.index), len(r.slots))
}

// TryDel removes fd if its callback is not currently executing, else
// returns ErrBusy. The caller is expected to release whatever lock the
// in-flight callback might need and retry.
func (r *Reactor) TryDel(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.index[fd]
	if !ok {
		return nil // already gone
	}
	if r.slots[idx].busy {
		return ErrBusy
	}
	r.delLocked(fd)
	return nil
}

// Notify wakes a pending poll, used after Add so the new fd takes
// effect promptly instead of waiting for the next unrelated wakeup.
func (r *Reactor) Notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyLocked()
}

func (r *Reactor) notifyLocked() {
	writeWake(r.wakeW)
}

// Close stops the poll loop and releases the backend and wake pipe.
// Registered fds are not closed by Close; callers own their own fds.
func (r *Reactor) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		writeWake(r.wakeW)
	})
}

func (r *Reactor) loop() {
	for {
		select {
		case <-r.closed:
			r.backend.close()
			closeWake(r.wakeR, r.wakeW)
			return
		default:
		}

		readyFDs, err := r.backend.wait()
		if err != nil {
			if errors.Is(err, errInterrupted) {
				continue
			}
			logging.Op().Error("reactor poll failed", "error", err)
			continue
		}

		metrics.RecordReactorWakeup()

		for _, fd := range readyFDs {
			if fd == r.wakeR {
				drainWake(r.wakeR)
				continue
			}
			r.dispatch(fd)
		}
	}
}

func (r *Reactor) dispatch(fd int) {
	r.mu.Lock()
	idx, ok := r.index[fd]
	if !ok {
		r.mu.Unlock()
		return
	}
	cb := r.slots[idx].readCB
	userData := r.slots[idx].userData
	r.slots[idx].busy = true
	r.mu.Unlock()

	var remove bool
	if cb != nil {
		remove = cb(fd, userData)
	}

	r.mu.Lock()
	idx, ok = r.index[fd]
	if ok {
		r.slots[idx].busy = false
	}
	r.mu.Unlock()

	if remove {
		r.Del(fd)
	}
}
