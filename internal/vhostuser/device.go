package vhostuser

import (
	"encoding/binary"
	"fmt"

	"github.com/oriys/vhostuser/internal/wire"
	"golang.org/x/sys/unix"
)

// VringCall delivers a call notification on vq's callfd by writing the
// canonical 8-byte eventfd increment. It is idempotent: eventfd
// counters coalesce, so repeated calls before the guest drains the
// counter are not lost, merely merged.
func VringCall(vq *Vring) error {
	if vq.CallFD < 0 {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(vq.CallFD, buf[:]); err != nil {
		if err == unix.EAGAIN {
			// Counter at max; guest hasn't drained it yet. Not fatal.
			return nil
		}
		return fmt.Errorf("vhostuser: vring_call: %w", err)
	}
	return nil
}

// SendReply writes msg back to the peer on this connection's master
// channel. It is the thin bridge the out-of-scope message handler uses
// to reply to a request, bypassing the slave-channel reply gating that
// SendSlaveReq/ProcessSlaveMessageReply implement for the back-channel.
func (c *Connection) SendReply(msg *wire.Message) error {
	if err := wire.WriteMessage(c.conn, msg); err != nil {
		return fmt.Errorf("vhostuser: send_reply: %w", err)
	}
	return nil
}
