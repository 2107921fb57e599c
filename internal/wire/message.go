// Package wire implements the vhost-user framed message codec: a fixed
// header, an opaque payload, and 0..N file descriptors passed as
// ancillary data over a Unix domain stream socket.
package wire

import "fmt"

// Request identifies a vhost-user message type. The transport treats the
// payload as opaque; only a handful of request codes are inspected by
// the transport itself (SET_MEM_TABLE, SET_LOG_BASE, SET_SLAVE_REQ_FD)
// and the rest pass through to the out-of-scope message handler.
type Request uint32

// Request codes the transport itself inspects or emits. The full
// vhost-user message set is a collaborator concern; these are the ones
// whose framing or fd-passing behavior this package must get right.
const (
	RequestNone          Request = 0
	RequestGetFeatures    Request = 1
	RequestSetOwner       Request = 3
	RequestSetMemTable    Request = 5
	RequestSetLogBase     Request = 6
	RequestSetLogFD       Request = 7
	RequestSetVringKick   Request = 12
	RequestSetVringCall   Request = 13
	RequestSetVringErr    Request = 14
	RequestSetSlaveReqFD  Request = 21
	RequestPostcopyAdvise Request = 28
	RequestPostcopyListen Request = 29
	RequestPostcopyEnd    Request = 30
)

func (r Request) String() string {
	switch r {
	case RequestGetFeatures:
		return "GET_FEATURES"
	case RequestSetOwner:
		return "SET_OWNER"
	case RequestSetMemTable:
		return "SET_MEM_TABLE"
	case RequestSetLogBase:
		return "SET_LOG_BASE"
	case RequestSetLogFD:
		return "SET_LOG_FD"
	case RequestSetVringKick:
		return "SET_VRING_KICK"
	case RequestSetVringCall:
		return "SET_VRING_CALL"
	case RequestSetVringErr:
		return "SET_VRING_ERR"
	case RequestSetSlaveReqFD:
		return "SET_SLAVE_REQ_FD"
	case RequestPostcopyAdvise:
		return "POSTCOPY_ADVISE"
	case RequestPostcopyListen:
		return "POSTCOPY_LISTEN"
	case RequestPostcopyEnd:
		return "POSTCOPY_END"
	default:
		return fmt.Sprintf("REQUEST(%d)", uint32(r))
	}
}

// Flag bits carried in the message header.
const (
	FlagVersionMask uint32 = 0x3
	FlagReply       uint32 = 0x4
	FlagNeedReply   uint32 = 0x8
)

// Size limits bit-exactly preserved from the protocol this transport
// implements.
const (
	// MaxVirtioBacklog is the listen() backlog for the server socket.
	MaxVirtioBacklog = 128

	// MaxAttachedFDs bounds the ancillary-data buffer sizing; it mirrors
	// the protocol's VHOST_MEMORY_MAX_NREGIONS, the largest number of
	// fds any single message attaches (one per SET_MEM_TABLE region).
	MaxAttachedFDs = 8

	// MaxPayloadSize bounds a single message's payload.
	MaxPayloadSize = 8192

	// HeaderSize is the wire size of the fixed header.
	HeaderSize = 12
)

// NeedsReply reports whether the NEED_REPLY flag is set.
func NeedsReply(flags uint32) bool {
	return flags&FlagNeedReply != 0
}

// Header is the fixed framing prefix of every message.
type Header struct {
	Request Request
	Flags   uint32
	Size    uint32
}

// Message is one fully-decoded vhost-user frame: header, payload bytes,
// and any attached file descriptors. The transport does not interpret
// Payload; request-specific decoding is a handler concern.
type Message struct {
	Header
	Payload []byte
	FDs     []int
}

// CloseFDs closes every fd carried by the message. Used on error paths
// where the message was received but will not be consumed further, so
// its fds must not leak.
func (m *Message) CloseFDs(closeFn func(fd int) error) {
	for _, fd := range m.FDs {
		if fd >= 0 {
			_ = closeFn(fd)
		}
	}
	m.FDs = nil
}
