package vhostuser

import (
	"testing"

	"golang.org/x/sys/unix"
)

func memfd(t *testing.T, size int64) int {
	t.Helper()
	fd, err := unix.MemfdCreate("guestmem", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		t.Fatalf("ftruncate: %v", err)
	}
	return fd
}

func testConnection() *Connection {
	return &Connection{
		Endpoint:   &Endpoint{Path: "/tmp/vu-test.sock"},
		SlaveReqFD: -1,
		Device:     &Device{PostcopyUFD: -1},
	}
}

func TestMapMemRegionsSingleRegion(t *testing.T) {
	const size = 2 << 20
	fd := memfd(t, size)

	c := testConnection()
	descs := []MemRegionDesc{{
		GuestPhysAddr: 0,
		UserspaceAddr: 0x7f0000000000,
		Size:          size,
		MmapOffset:    0,
	}}
	fds := []int{fd}

	if err := c.MapMemRegions(descs, fds, false); err != nil {
		t.Fatalf("MapMemRegions: %v", err)
	}
	defer c.Device.UnmapMemRegions()

	if c.Device.Mem.NRegions != 1 {
		t.Fatalf("NRegions = %d, want 1", c.Device.Mem.NRegions)
	}
	r := c.Device.Mem.Regions[0]
	if !r.Mapped {
		t.Fatal("region not marked mapped")
	}
	if r.HostUserAddr != uint64(r.MmapAddr) {
		t.Fatalf("HostUserAddr = %#x, want MmapAddr %#x (offset 0)", r.HostUserAddr, r.MmapAddr)
	}
	if r.MmapSize != size {
		t.Fatalf("MmapSize = %d, want %d", r.MmapSize, size)
	}
	if fds[0] != -1 {
		t.Fatalf("fds[0] = %d, want -1 (ownership transferred)", fds[0])
	}
}

func TestMapMemRegionsOffsetApplied(t *testing.T) {
	const size = 1 << 20
	const offset = 8192
	fd := memfd(t, size+offset)

	c := testConnection()
	descs := []MemRegionDesc{{Size: size, MmapOffset: offset}}
	fds := []int{fd}

	if err := c.MapMemRegions(descs, fds, false); err != nil {
		t.Fatalf("MapMemRegions: %v", err)
	}
	defer c.Device.UnmapMemRegions()

	r := c.Device.Mem.Regions[0]
	if r.HostUserAddr != uint64(r.MmapAddr)+offset {
		t.Fatalf("HostUserAddr = %#x, want MmapAddr+%d = %#x", r.HostUserAddr, offset, uint64(r.MmapAddr)+offset)
	}
	if r.MmapSize < size+offset {
		t.Fatalf("MmapSize = %d, want >= %d", r.MmapSize, size+offset)
	}
}

func TestMapMemRegionsOffsetOverflowRejected(t *testing.T) {
	fd := memfd(t, 4096)
	defer unix.Close(fd)

	c := testConnection()
	descs := []MemRegionDesc{{Size: 4096, MmapOffset: ^uint64(0) - 100}}
	fds := []int{fd}

	if err := c.MapMemRegions(descs, fds, false); err == nil {
		c.Device.UnmapMemRegions()
		t.Fatal("expected overflow error for mmap_offset + size wrap")
	}
	if fds[0] != fd {
		t.Fatalf("fds[0] = %d, want %d (ownership retained on failure)", fds[0], fd)
	}
}

func TestMapMemRegionsAsyncCopyBuildsPageIndex(t *testing.T) {
	const size = 1 << 20
	fd := memfd(t, size)

	c := testConnection()
	descs := []MemRegionDesc{{Size: size}}
	fds := []int{fd}

	if err := c.MapMemRegions(descs, fds, true); err != nil {
		t.Fatalf("MapMemRegions: %v", err)
	}
	defer c.Device.UnmapMemRegions()

	// An mmap-backed region is page-aligned and its identity-mapped
	// IOVA slices are all contiguous, so the whole region must
	// coalesce into a single guest-page entry covering it.
	pages := c.Device.Mem.GuestPages
	if len(pages) != 1 {
		t.Fatalf("guest pages = %d entries, want 1 coalesced entry", len(pages))
	}
	if pages[0].Size != size {
		t.Fatalf("coalesced size = %d, want %d", pages[0].Size, size)
	}
}

func TestInsertGuestPagesUnalignedGuestAddr(t *testing.T) {
	dev := &Device{}
	region := &MemRegion{
		GuestPhysAddr: 0x1234,
		HostUserAddr:  0x7f0000000000,
		Size:          10000,
	}
	insertGuestPages(dev, region, 4096)

	// The first slice is shortened to bring later slices onto
	// guest-physical page boundaries; with the identity IOVA the host
	// ranges stay contiguous, so everything coalesces back into one
	// entry covering the whole region.
	if len(dev.Mem.GuestPages) != 1 {
		t.Fatalf("guest pages = %d entries, want 1", len(dev.Mem.GuestPages))
	}
	p := dev.Mem.GuestPages[0]
	if p.GuestPhysAddr != 0x1234 || p.Size != 10000 {
		t.Fatalf("coalesced entry = %+v, want guest_phys 0x1234 size 10000", p)
	}
}

func TestGuestPageCoalescingLaw(t *testing.T) {
	dev := &Device{}
	const base = 0x100000

	for i := uint64(0); i < 4; i++ {
		appendGuestPage(dev, GuestPage{
			GuestPhysAddr: i * 4096,
			HostPhysAddr:  base + i*4096,
			Size:          4096,
		})
	}
	if len(dev.Mem.GuestPages) != 1 {
		t.Fatalf("contiguous inserts produced %d entries, want 1", len(dev.Mem.GuestPages))
	}
	if got := dev.Mem.GuestPages[0].Size; got != 4*4096 {
		t.Fatalf("coalesced size = %d, want %d", got, 4*4096)
	}

	// A gap must start a fresh entry.
	appendGuestPage(dev, GuestPage{HostPhysAddr: base + 1<<20, Size: 4096})
	if len(dev.Mem.GuestPages) != 2 {
		t.Fatalf("discontiguous insert produced %d entries, want 2", len(dev.Mem.GuestPages))
	}
}

func TestUnmapMemRegionsResetsTable(t *testing.T) {
	fd := memfd(t, 4096)

	c := testConnection()
	if err := c.MapMemRegions([]MemRegionDesc{{Size: 4096}}, []int{fd}, true); err != nil {
		t.Fatalf("MapMemRegions: %v", err)
	}

	c.Device.UnmapMemRegions()
	if c.Device.Mem.NRegions != 0 || len(c.Device.Mem.Regions) != 0 || len(c.Device.Mem.GuestPages) != 0 {
		t.Fatalf("mem table not reset: %+v", c.Device.Mem)
	}
}

func TestSetLogBaseReplacesPriorMapping(t *testing.T) {
	dev := &Device{PostcopyUFD: -1}

	fd1 := memfd(t, 8192)
	if err := dev.SetLogBase(4096, 4096, fd1); err != nil {
		t.Fatalf("SetLogBase: %v", err)
	}
	if !dev.Log.Mapped {
		t.Fatal("log region not marked mapped")
	}
	if dev.Log.Base != dev.Log.Addr+4096 {
		t.Fatalf("Base = %#x, want Addr+4096 = %#x", dev.Log.Base, dev.Log.Addr+4096)
	}
	if dev.Log.Size != 4096 {
		t.Fatalf("Size = %d, want 4096", dev.Log.Size)
	}

	fd2 := memfd(t, 4096)
	if err := dev.SetLogBase(4096, 0, fd2); err != nil {
		t.Fatalf("SetLogBase replace: %v", err)
	}
	if dev.Log.Base != dev.Log.Addr {
		t.Fatalf("replaced Base = %#x, want Addr %#x", dev.Log.Base, dev.Log.Addr)
	}

	unmapLog(dev)
	if dev.Log.Mapped {
		t.Fatal("log region still marked mapped after unmap")
	}
}
