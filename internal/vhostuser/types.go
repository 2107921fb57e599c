// Package vhostuser implements the connection-management core of a
// vhost-user control-plane endpoint: listener/reconnector, per-connection
// state machine, guest-memory region installer and log-base installer,
// built on top of the reactor and wire packages.
package vhostuser

import (
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/oriys/vhostuser/internal/wire"
)

// Error kinds the transport surfaces. They compose with errors.Is over
// the lower-level wire/syscall errors they wrap.
var (
	ErrSyscallFatal       = errors.New("vhostuser: fatal syscall error")
	ErrResourceExhaustion = errors.New("vhostuser: resource exhausted")
	ErrHandlerReject      = errors.New("vhostuser: message handler rejected")
	ErrMalformedReply     = errors.New("vhostuser: malformed reply")
)

// NotifyOps are the user-facing connection lifecycle callbacks.
type NotifyOps struct {
	NewConnection     func(vid string) error
	DestroyConnection func(vid string)
}

// MessageHandler is the out-of-scope collaborator that interprets
// message payloads. It returns an error to tear the connection down
// (equivalent to PeerClosed at the transport layer).
type MessageHandler func(vid string, conn *Connection, msg *wire.Message) error

// DeviceFactory allocates the out-of-scope virtio device object a
// Connection owns. A no-op factory is supplied for transport-only
// tests; a real backend supplies virtqueue setup, vDPA attach, etc.
type DeviceFactory interface {
	NewDevice(endpointPath string) (*Device, error)
	DestroyDevice(d *Device)
}

// Flags mirror the endpoint behavior bits from the configuration layer.
type Flags struct {
	UseBuiltinVirtioNet  bool
	Extbuf               bool
	Linearbuf            bool
	AsyncCopy            bool
	NetCompliantOffloads bool
	Reconnect            bool
}

// Endpoint is one user-registered socket path: either a listening
// server or a reconnecting client, with a live connection list.
type Endpoint struct {
	Path     string
	IsServer bool
	Flags    Flags

	Notify  NotifyOps
	Handler MessageHandler
	Factory DeviceFactory

	mu          sync.Mutex
	socketFD    int
	connections map[string]*Connection

	reactor *reactorHandle
}

// Connection is one accepted or connected peer.
type Connection struct {
	ID         string
	Endpoint   *Endpoint
	ConnFD     int
	conn       *net.UnixConn
	SlaveReqFD int
	slaveConn  *net.UnixConn

	slaveMu sync.Mutex

	Device *Device

	closed bool
}

func newConnectionID() string {
	return uuid.NewString()
}

// MemRegion describes one mapped guest-memory region.
type MemRegion struct {
	GuestPhysAddr uint64
	GuestUserAddr uint64
	Size          uint64
	FD            int
	MmapOffset    uint64

	MmapAddr     uintptr
	mmapSlice    []byte
	MmapSize     uint64
	HostUserAddr uint64

	// Mapped is an explicit sentinel, not a zero-address check, so a
	// valid mapping that happens to land at virtual address 0 is never
	// mistaken for "unmapped" during UnmapMemRegions.
	Mapped bool
}

// GuestPage is one coalesced entry in the guest-to-host page index used
// for async-copy address translation.
type GuestPage struct {
	GuestPhysAddr uint64
	HostPhysAddr  uint64
	Size          uint64
}

// BinarySearchThreshold is the guest-page count at or above which the index
// is kept sorted for binary search instead of scanned linearly.
const BinarySearchThreshold = 256

// MemTable holds the installed region set and derived page index for
// one connection's Device.
type MemTable struct {
	Regions    []MemRegion
	GuestPages []GuestPage
	NRegions   int
}

// LogState holds the mapped dirty-page log region.
type LogState struct {
	Mapped bool
	Addr   uintptr
	slice  []byte
	Base   uintptr
	Size   uint64
}

// Vring is the minimal vring state the device bridge needs to deliver
// a call notification; ring setup itself is out of scope.
type Vring struct {
	CallFD int
	KickFD int
	ErrFD  int
}

// Device is the thin bridge object a Connection owns: a handle the
// out-of-scope virtio stack addresses by vid, carrying the memory
// table, log state, and vring set this transport manipulates directly.
type Device struct {
	VID         string
	IfName      string
	Mem         MemTable
	Log         LogState
	Vrings      []Vring
	PostcopyUFD int
	PostcopyOn  bool
}
