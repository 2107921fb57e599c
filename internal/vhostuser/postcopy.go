package vhostuser

import (
	"fmt"

	"github.com/oriys/vhostuser/internal/metrics"
	"github.com/oriys/vhostuser/internal/wire"
)

// HostUserAddrs returns the installed host_user_addr for each region on
// dev, in installation order — the values the out-of-scope message
// handler rewrites into the SET_MEM_TABLE payload's userspace_addr
// fields before the postcopy handshake's reply leg. The payload's byte
// layout itself is the handler's concern, not the transport's.
func (dev *Device) HostUserAddrs() []uint64 {
	addrs := make([]uint64, len(dev.Mem.Regions))
	for i, r := range dev.Mem.Regions {
		addrs[i] = r.HostUserAddr
	}
	return addrs
}

// PostcopyHandshake performs the postcopy leg of a SET_MEM_TABLE
// install once PostcopyOn is set on the device: it sends reply (already
// rewritten by the handler with fd_num=0) and blocks on this
// connection's master channel for the peer's acknowledgement, which
// must echo SET_MEM_TABLE with no attached fds. Only after the ack does
// it arm userfault registration on every mapped region.
func (c *Connection) PostcopyHandshake(reply *wire.Message) error {
	if len(reply.FDs) != 0 {
		return fmt.Errorf("vhostuser: postcopy reply must carry no fds")
	}
	if err := c.SendReply(reply); err != nil {
		return fmt.Errorf("vhostuser: postcopy handshake: send reply: %w", err)
	}

	ack, err := wire.ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("vhostuser: postcopy handshake: read ack: %w", err)
	}
	if ack.Request != wire.RequestSetMemTable {
		ack.CloseFDs(func(fd int) error { return nil })
		return fmt.Errorf("%w: postcopy ack has request %s, want SET_MEM_TABLE", ErrMalformedReply, ack.Request)
	}
	if len(ack.FDs) != 0 {
		ack.CloseFDs(func(fd int) error { return nil })
		return fmt.Errorf("%w: postcopy ack carries %d fds, want 0", ErrMalformedReply, len(ack.FDs))
	}

	if err := c.Device.armPostcopy(); err != nil {
		return fmt.Errorf("vhostuser: postcopy handshake: arm userfault: %w", err)
	}
	metrics.RecordPostcopyArmed(c.Endpoint.Path)
	return nil
}
