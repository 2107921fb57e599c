package vhostuser

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SetLogBase maps the dirty-page log region described by a SET_LOG_BASE
// message: size bytes at mmapOffset, fd closed immediately after the
// mapping is taken (the kernel keeps the mapping alive independently of
// the fd). Any previously mapped log region is unmapped first.
//
// The mapping workaround from the source is preserved: offset need not
// be page-aligned for the *region* described by the protocol, only the
// resulting mmap call's own offset argument (which is always 0 here —
// the whole size+offset span is mapped and the logical offset is
// applied in-process via LogState.Base).
func (dev *Device) SetLogBase(size, mmapOffset uint64, fd int) error {
	defer unix.Close(fd)

	total := size + mmapOffset
	if total == 0 {
		return fmt.Errorf("%w: set_log_base: zero-length log region", ErrSyscallFatal)
	}

	data, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap log region: %v", ErrSyscallFatal, err)
	}

	unmapLog(dev)

	dev.Log = LogState{
		Mapped: true,
		slice:  data,
		Addr:   sliceAddr(data),
		Size:   size,
	}
	dev.Log.Base = dev.Log.Addr + uintptr(mmapOffset)
	return nil
}

// unmapLog releases dev's log mapping if one is present. Called both
// from SetLogBase (replacing a prior mapping) and from
// cleanupConnection (final teardown).
func unmapLog(dev *Device) {
	if dev == nil || !dev.Log.Mapped {
		return
	}
	if dev.Log.slice != nil {
		unix.Munmap(dev.Log.slice)
	}
	dev.Log = LogState{}
}
