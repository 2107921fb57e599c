//go:build linux

package vhostuser

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// uffdioRegister mirrors struct uffdio_register from
// linux/userfaultfd.h: a {start, len} range, the registration mode
// bitmask, and an out-param the kernel fills with the ioctls the
// registered range supports.
type uffdioRegister struct {
	start  uint64
	length uint64
	mode   uint64
	ioctls uint64
}

const (
	uffdioRegisterModeMissing = 1 << 0
	// uffdioRegisterIoctl is UFFDIO_REGISTER's ioctl number: _IOWR(0xAA, 0x00, struct uffdio_register).
	uffdioRegisterIoctl = 0xc020aa00
)

// armPostcopy issues UFFDIO_REGISTER in MISSING mode for every mapped
// region on dev against dev.PostcopyUFD.
func (dev *Device) armPostcopy() error {
	if dev.PostcopyUFD < 0 {
		return fmt.Errorf("%w: postcopy_ufd not set", ErrSyscallFatal)
	}
	for i := range dev.Mem.Regions {
		r := &dev.Mem.Regions[i]
		if !r.Mapped {
			continue
		}
		reg := uffdioRegister{
			start:  uint64(r.MmapAddr),
			length: r.MmapSize,
			mode:   uffdioRegisterModeMissing,
		}
		if err := ioctlUffdioRegister(dev.PostcopyUFD, &reg); err != nil {
			return fmt.Errorf("%w: UFFDIO_REGISTER region at %#x: %v", ErrSyscallFatal, r.MmapAddr, err)
		}
	}
	return nil
}

func ioctlUffdioRegister(ufd int, reg *uffdioRegister) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(ufd), uffdioRegisterIoctl, uintptr(unsafe.Pointer(reg)))
	if errno != 0 {
		return errno
	}
	return nil
}

// uffdioAPI mirrors struct uffdio_api: the feature negotiation the
// kernel requires immediately after userfaultfd(2) before any
// UFFDIO_REGISTER call is accepted.
type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

const (
	uffdAPI        = 0xAA
	uffdioAPIIoctl = 0xc018aa3f // _IOWR(0xAA, 0x3f, struct uffdio_api)
)

// createUserfaultfd opens a new non-blocking, close-on-exec userfaultfd and
// negotiates the kernel API, returning the fd POSTCOPY_ADVISE hands
// back to the peer.
func createUserfaultfd() (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return -1, fmt.Errorf("%w: userfaultfd(2): %v", ErrSyscallFatal, errno)
	}
	api := uffdioAPI{api: uffdAPI}
	_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, uffdioAPIIoctl, uintptr(unsafe.Pointer(&api)))
	if errno != 0 {
		unix.Close(int(fd))
		return -1, fmt.Errorf("%w: UFFDIO_API: %v", ErrSyscallFatal, errno)
	}
	return int(fd), nil
}
