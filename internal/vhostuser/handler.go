package vhostuser

import (
	"encoding/binary"
	"fmt"

	"github.com/oriys/vhostuser/internal/logging"
	"github.com/oriys/vhostuser/internal/wire"
	"golang.org/x/sys/unix"
)

// BuiltinHandler implements just enough of the vhost-user negotiation
// to run the transport end-to-end in tests and via the CLI:
// GET_FEATURES, SET_OWNER, SET_MEM_TABLE, SET_LOG_BASE and
// SET_SLAVE_REQ_FD. Its *semantics* are a convenience, not the subject
// of this package — everything else (feature bits, virtqueue setup,
// vring enable/kick/call) is left to a real collaborator's handler.
//
// Features reports the feature bitmask this handler advertises on
// GET_FEATURES; a real backend supplies its own negotiated value.
type BuiltinHandler struct {
	Features uint64
}

// Handle implements MessageHandler.
func (h *BuiltinHandler) Handle(vid string, c *Connection, msg *wire.Message) error {
	switch msg.Request {
	case wire.RequestGetFeatures:
		msg.CloseFDs(closeIgnoreErr)
		reply := &wire.Message{
			Header:  wire.Header{Request: wire.RequestGetFeatures, Flags: wire.FlagReply},
			Payload: make([]byte, 8),
		}
		binary.LittleEndian.PutUint64(reply.Payload, h.Features)
		reply.Size = uint32(len(reply.Payload))
		return c.SendReply(reply)

	case wire.RequestSetOwner:
		msg.CloseFDs(closeIgnoreErr)
		return maybeAckReply(c, msg)

	case wire.RequestSetMemTable:
		return h.handleSetMemTable(c, msg)

	case wire.RequestSetLogBase:
		return h.handleSetLogBase(c, msg)

	case wire.RequestPostcopyAdvise:
		msg.CloseFDs(closeIgnoreErr)
		ufd, err := createUserfaultfd()
		if err != nil {
			return err
		}
		c.Device.PostcopyUFD = ufd
		// The reply hands the userfault fd to the peer; the kernel dups
		// it on send, so this endpoint keeps its own copy for
		// UFFDIO_REGISTER during the mem-table install.
		reply := &wire.Message{
			Header: wire.Header{Request: wire.RequestPostcopyAdvise, Flags: wire.FlagReply},
			FDs:    []int{ufd},
		}
		return c.SendReply(reply)

	case wire.RequestPostcopyListen:
		msg.CloseFDs(closeIgnoreErr)
		c.Device.PostcopyOn = true
		return maybeAckReply(c, msg)

	case wire.RequestPostcopyEnd:
		msg.CloseFDs(closeIgnoreErr)
		c.Device.PostcopyOn = false
		if c.Device.PostcopyUFD >= 0 {
			closeIgnoreErr(c.Device.PostcopyUFD)
			c.Device.PostcopyUFD = -1
		}
		return maybeAckReply(c, msg)

	case wire.RequestSetSlaveReqFD:
		if len(msg.FDs) < 1 {
			return fmt.Errorf("%w: SET_SLAVE_REQ_FD carries no fd", ErrMalformedReply)
		}
		fd := msg.FDs[0]
		msg.FDs = msg.FDs[1:]
		msg.CloseFDs(closeIgnoreErr)
		if err := c.SetSlaveReqFD(fd); err != nil {
			return err
		}
		return maybeAckReply(c, msg)

	default:
		// Out of scope for the builtin handler: log and acknowledge so
		// the connection keeps flowing for negotiation steps this
		// handler does not implement (vring setup, feature flags, ...).
		logging.Op().Debug("builtin handler: unhandled request", "request", msg.Request.String(), "vid", vid)
		msg.CloseFDs(closeIgnoreErr)
		return maybeAckReply(c, msg)
	}
}

// memTableHeaderSize is the wire size of a VhostUserMemory header:
// uint32 nregions followed by 4 bytes of padding.
const memTableHeaderSize = 8

// memRegionWireSize is the wire size of one VhostUserMemoryRegion:
// guest_phys_addr, memory_size, userspace_addr, mmap_offset, each u64.
const memRegionWireSize = 32

func (h *BuiltinHandler) handleSetMemTable(c *Connection, msg *wire.Message) error {
	if len(msg.Payload) < memTableHeaderSize {
		msg.CloseFDs(closeIgnoreErr)
		return fmt.Errorf("%w: SET_MEM_TABLE payload too short for header", ErrMalformedReply)
	}
	nregions := int(binary.LittleEndian.Uint32(msg.Payload[0:4]))
	want := memTableHeaderSize + nregions*memRegionWireSize
	if len(msg.Payload) < want || len(msg.FDs) < nregions {
		msg.CloseFDs(closeIgnoreErr)
		return fmt.Errorf("%w: SET_MEM_TABLE payload/fd count mismatch (nregions=%d, fds=%d)", ErrMalformedReply, nregions, len(msg.FDs))
	}

	descs := make([]MemRegionDesc, nregions)
	for i := 0; i < nregions; i++ {
		off := memTableHeaderSize + i*memRegionWireSize
		descs[i] = MemRegionDesc{
			GuestPhysAddr: binary.LittleEndian.Uint64(msg.Payload[off : off+8]),
			Size:          binary.LittleEndian.Uint64(msg.Payload[off+8 : off+16]),
			UserspaceAddr: binary.LittleEndian.Uint64(msg.Payload[off+16 : off+24]),
			MmapOffset:    binary.LittleEndian.Uint64(msg.Payload[off+24 : off+32]),
		}
	}
	fds := append([]int(nil), msg.FDs[:nregions]...)
	// Any fds beyond nregions are not this message's concern; close them.
	for _, extra := range msg.FDs[nregions:] {
		closeIgnoreErr(extra)
	}
	msg.FDs = nil

	if err := c.MapMemRegions(descs, fds, c.Endpoint.Flags.AsyncCopy); err != nil {
		for _, fd := range fds {
			if fd >= 0 {
				closeIgnoreErr(fd)
			}
		}
		return err
	}

	if !c.Device.PostcopyOn {
		return maybeAckReply(c, msg)
	}

	reply := &wire.Message{
		Header:  wire.Header{Request: wire.RequestSetMemTable, Flags: wire.FlagReply},
		Payload: append([]byte(nil), msg.Payload...),
	}
	addrs := c.Device.HostUserAddrs()
	for i, addr := range addrs {
		off := memTableHeaderSize + i*memRegionWireSize + 16
		binary.LittleEndian.PutUint64(reply.Payload[off:off+8], addr)
	}
	reply.Size = uint32(len(reply.Payload))
	return c.PostcopyHandshake(reply)
}

// logBaseWireSize is the wire size of a VhostUserLog payload: mmap_size
// and mmap_offset, each u64.
const logBaseWireSize = 16

func (h *BuiltinHandler) handleSetLogBase(c *Connection, msg *wire.Message) error {
	if len(msg.Payload) < logBaseWireSize || len(msg.FDs) < 1 {
		msg.CloseFDs(closeIgnoreErr)
		return fmt.Errorf("%w: SET_LOG_BASE payload/fd mismatch", ErrMalformedReply)
	}
	size := binary.LittleEndian.Uint64(msg.Payload[0:8])
	off := binary.LittleEndian.Uint64(msg.Payload[8:16])
	fd := msg.FDs[0]
	for _, extra := range msg.FDs[1:] {
		closeIgnoreErr(extra)
	}
	msg.FDs = nil

	if err := c.Device.SetLogBase(size, off, fd); err != nil {
		return err
	}
	return maybeAckReply(c, msg)
}

// maybeAckReply replies with an empty success payload when the request
// carried NEED_REPLY, matching the vhost-user convention that most
// requests are fire-and-forget unless the master explicitly asks for
// an ack.
func maybeAckReply(c *Connection, msg *wire.Message) error {
	if !wire.NeedsReply(msg.Flags) {
		return nil
	}
	reply := &wire.Message{
		Header:  wire.Header{Request: msg.Request, Flags: wire.FlagReply, Size: 8},
		Payload: make([]byte, 8),
	}
	return c.SendReply(reply)
}

func closeIgnoreErr(fd int) error {
	return unix.Close(fd)
}
