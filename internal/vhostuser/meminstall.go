package vhostuser

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/oriys/vhostuser/internal/metrics"
	"golang.org/x/sys/unix"
)

// MemRegionDesc is one region descriptor parsed out of a SET_MEM_TABLE
// payload by the out-of-scope message handler before it calls
// MapMemRegions; the handler owns the payload layout, this package only
// needs the fields the installer acts on.
type MemRegionDesc struct {
	GuestPhysAddr uint64
	UserspaceAddr uint64
	Size          uint64
	MmapOffset    uint64
}

// MapMemRegions installs one batch of guest-memory regions: it mmaps
// each region's backing fd, records the resulting host address, and
// when AsyncCopy is enabled, folds the mapping into the connection's
// sorted, coalesced guest-page index used for IOVA translation.
//
// fds[i] is consumed: on success it is stored into the installed
// region and cleared from fds so the caller's own cleanup never
// double-closes it; on failure for region i, fds[i] and every fd from
// i+1 onward are still owned by the caller.
func (c *Connection) MapMemRegions(descs []MemRegionDesc, fds []int, asyncCopy bool) error {
	if len(descs) != len(fds) {
		return fmt.Errorf("vhostuser: mem table region/fd count mismatch (%d regions, %d fds)", len(descs), len(fds))
	}

	dev := c.Device
	for i, d := range descs {
		fd := fds[i]
		region := MemRegion{
			GuestPhysAddr: d.GuestPhysAddr,
			GuestUserAddr: d.UserspaceAddr,
			Size:          d.Size,
			MmapOffset:    d.MmapOffset,
			FD:            fd,
		}

		blockSize, err := mapOneRegion(&region, asyncCopy)
		if err != nil {
			return fmt.Errorf("vhostuser: map region %d: %w", i, err)
		}
		// Ownership of fds[i] has transferred into region.FD; clear the
		// caller's slice entry so an error-unwind on a later region
		// cannot close it a second time.
		fds[i] = -1

		if asyncCopy {
			insertGuestPages(dev, &region, blockSize)
		}

		dev.Mem.Regions = append(dev.Mem.Regions, region)
		dev.Mem.NRegions++
	}

	if len(dev.Mem.GuestPages) >= BinarySearchThreshold {
		sort.Slice(dev.Mem.GuestPages, func(i, j int) bool {
			return dev.Mem.GuestPages[i].HostPhysAddr < dev.Mem.GuestPages[j].HostPhysAddr
		})
	}

	metrics.SetMemRegionsMapped(c.Endpoint.Path, dev.Mem.NRegions)
	metrics.SetGuestPagesTotal(c.Endpoint.Path, len(dev.Mem.GuestPages))
	return nil
}

// mapOneRegion performs the mmap sizing and syscall for a single
// region: overflow-checked rounding of the mapping size to the backing
// fd's block size, then PROT_READ|PROT_WRITE MAP_SHARED mmap, populated
// eagerly when the region will feed the async-copy page index. It
// returns the fstat-derived block size, which doubles as the page-index
// slicing alignment.
func mapOneRegion(region *MemRegion, populate bool) (uint64, error) {
	if region.MmapOffset > ^uint64(0)-region.Size {
		return 0, fmt.Errorf("%w: mmap_offset %d + size %d overflows", ErrSyscallFatal, region.MmapOffset, region.Size)
	}
	rawSize := region.Size + region.MmapOffset

	var st unix.Stat_t
	if err := unix.Fstat(region.FD, &st); err != nil {
		return 0, fmt.Errorf("%w: fstat region fd: %v", ErrSyscallFatal, err)
	}
	blockSize := uint64(st.Blksize)
	if blockSize == 0 {
		blockSize = 4096
	}

	mmapSize := roundUp(rawSize, blockSize)
	if mmapSize == 0 {
		return 0, fmt.Errorf("%w: mmap size rounds to zero (overflow)", ErrSyscallFatal)
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_SHARED
	if populate {
		flags |= unix.MAP_POPULATE
	}
	data, err := unix.Mmap(region.FD, 0, int(mmapSize), prot, flags)
	if err != nil {
		return 0, fmt.Errorf("%w: mmap: %v", ErrSyscallFatal, err)
	}

	region.mmapSlice = data
	region.MmapAddr = sliceAddr(data)
	region.MmapSize = mmapSize
	region.HostUserAddr = uint64(region.MmapAddr) + region.MmapOffset
	region.Mapped = true
	return blockSize, nil
}

// roundUp rounds v up to the next multiple of align (align must be a
// power of two, as block sizes from fstat always are).
func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// insertGuestPages splits region into pageSize-aligned slices and folds
// each into dev.Mem.GuestPages, coalescing with the previous entry
// whenever the new slice's host-physical range is contiguous with it.
// pageSize is the block size fstat reported for the region's backing fd
// during mapping; alignment is on the guest physical address, so the
// first slice is shortened to bring later slices onto page boundaries.
// The host IOVA of a mapped address is, in this transport-only
// rendition, identity-mapped to the host virtual address the mmap
// produced; a real backend supplies the platform translation.
func insertGuestPages(dev *Device, region *MemRegion, pageSize uint64) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		pageSize = 4096
	}

	hostAddr := region.HostUserAddr
	guestAddr := region.GuestPhysAddr
	remaining := region.Size

	size := pageSize - (guestAddr & (pageSize - 1))
	if size > remaining {
		size = remaining
	}
	for remaining > 0 {
		appendGuestPage(dev, GuestPage{
			GuestPhysAddr: guestAddr,
			HostPhysAddr:  hostIOVA(hostAddr),
			Size:          size,
		})

		hostAddr += size
		guestAddr += size
		remaining -= size

		size = pageSize
		if size > remaining {
			size = remaining
		}
	}
}

// appendGuestPage inserts entry into dev.Mem.GuestPages, merging it
// into the previous entry when the two ranges are contiguous in host
// physical address space.
func appendGuestPage(dev *Device, entry GuestPage) {
	n := len(dev.Mem.GuestPages)
	if n > 0 {
		prev := &dev.Mem.GuestPages[n-1]
		if prev.HostPhysAddr+prev.Size == entry.HostPhysAddr {
			prev.Size += entry.Size
			return
		}
	}
	dev.Mem.GuestPages = append(dev.Mem.GuestPages, entry)
}

// hostIOVA computes the host IOVA for a mapped host virtual address.
// This transport-only rendition has no platform IOMMU/IOVA translator
// to call into, so it identity-maps the host virtual address; a real
// async-copy backend replaces this with its own lookup.
func hostIOVA(hostVirtAddr uint64) uint64 {
	return hostVirtAddr
}

// UnmapMemRegions releases every mapped region on dev, munmapping and
// closing each backing fd. Regions are identified by the explicit
// Mapped flag rather than a "host_user_addr != 0" sentinel, so a
// mapping that happens to land at virtual address 0 is never
// mistakenly treated as unmapped (see DESIGN.md Open Question #2).
func (dev *Device) UnmapMemRegions() {
	for i := range dev.Mem.Regions {
		r := &dev.Mem.Regions[i]
		if !r.Mapped {
			continue
		}
		if r.mmapSlice != nil {
			unix.Munmap(r.mmapSlice)
		}
		if r.FD >= 0 {
			unix.Close(r.FD)
		}
		r.Mapped = false
	}
	dev.Mem.Regions = nil
	dev.Mem.GuestPages = nil
	dev.Mem.NRegions = 0
}

// sliceAddr extracts the base address of an mmap'd slice as a uintptr,
// matching the region's MmapAddr field shape without holding onto an
// unsafe.Pointer longer than needed.
func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
