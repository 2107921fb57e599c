package vhostuser

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

func TestVringCallWritesEventfd(t *testing.T) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	defer unix.Close(efd)

	vq := &Vring{CallFD: efd, KickFD: -1, ErrFD: -1}
	if err := VringCall(vq); err != nil {
		t.Fatalf("VringCall: %v", err)
	}
	if err := VringCall(vq); err != nil {
		t.Fatalf("VringCall repeat: %v", err)
	}

	// Two calls before a read coalesce into one counter value of 2.
	var buf [8]byte
	if _, err := unix.Read(efd, buf[:]); err != nil {
		t.Fatalf("read eventfd: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf[:]); got != 2 {
		t.Fatalf("eventfd counter = %d, want 2", got)
	}
}

func TestVringCallNoCallFDIsNoop(t *testing.T) {
	vq := &Vring{CallFD: -1, KickFD: -1, ErrFD: -1}
	if err := VringCall(vq); err != nil {
		t.Fatalf("VringCall with no callfd: %v", err)
	}
}
