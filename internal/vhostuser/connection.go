package vhostuser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/oriys/vhostuser/internal/logging"
	"github.com/oriys/vhostuser/internal/metrics"
	"github.com/oriys/vhostuser/internal/observability"
	"github.com/oriys/vhostuser/internal/wire"
	"golang.org/x/sys/unix"
)

// addConnection installs fd as a new Connection on endpoint e: it
// allocates the Device, invokes the user's NewConnection callback,
// registers the fd with the shared reactor, and inserts the Connection
// into the endpoint's list under its mutex.
func (e *Endpoint) addConnection(fd int) error {
	dev, err := e.Factory.NewDevice(e.Path)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: device allocation: %v", ErrResourceExhaustion, err)
	}

	id := newConnectionID()
	dev.VID = id
	dev.IfName = e.Path
	dev.PostcopyUFD = -1

	f := os.NewFile(uintptr(fd), "vhost-user-conn")
	netConn, err := net.FileConn(f)
	// FileConn dup'd fd; the wrapper's copy is the connection's live
	// descriptor from here on, so the handed-in original is released.
	f.Close()
	if err != nil {
		e.Factory.DestroyDevice(dev)
		return fmt.Errorf("%w: wrap connection fd: %v", ErrSyscallFatal, err)
	}
	unixConn, ok := netConn.(*net.UnixConn)
	if !ok {
		netConn.Close()
		e.Factory.DestroyDevice(dev)
		return fmt.Errorf("%w: accepted fd is not a unix stream socket", ErrSyscallFatal)
	}

	conn := &Connection{
		ID:         id,
		Endpoint:   e,
		ConnFD:     connFDOf(unixConn),
		conn:       unixConn,
		SlaveReqFD: -1,
		Device:     dev,
	}

	abort := func() {
		unixConn.Close()
		e.Factory.DestroyDevice(dev)
	}

	if e.Notify.NewConnection != nil {
		if err := e.Notify.NewConnection(id); err != nil {
			abort()
			return fmt.Errorf("%w: new_connection rejected: %v", ErrHandlerReject, err)
		}
	}

	if e.reactor == nil {
		abort()
		return fmt.Errorf("%w: reactor not started", ErrSyscallFatal)
	}
	if err := e.reactor.r.Add(conn.ConnFD, func(fd int, _ any) bool {
		return conn.readCB()
	}, nil, conn); err != nil {
		abort()
		return fmt.Errorf("%w: register connection: %v", ErrResourceExhaustion, err)
	}

	e.mu.Lock()
	e.connections[id] = conn
	e.mu.Unlock()
	e.reactor.r.Notify()

	metrics.RecordConnectionAccepted(e.Path)
	e.updateActiveConnections()
	logging.DefaultConnectionLogger().Log(&logging.ConnectionEvent{
		ConnectionID: id, EndpointPath: e.Path, Event: "install", Success: true,
	})
	return nil
}

// readCB is invoked by the reactor when ConnFD becomes readable. It
// reads one message, dispatches it to the endpoint's handler, and on
// any error tears the connection down, returning true to tell the
// reactor to unregister the fd.
func (c *Connection) readCB() (remove bool) {
	ctx, span := observability.StartServerSpan(context.Background(), "vhostuser.read_message",
		observability.AttrEndpointPath.String(c.Endpoint.Path),
		observability.AttrConnectionID.String(c.ID),
	)
	defer span.End()

	msg, err := wire.ReadMessage(c.conn)
	if err != nil {
		observability.SetSpanError(span, err)
		reason := "peer_closed"
		if !errors.Is(err, wire.ErrPeerClosed) {
			reason = "malformed"
		}
		observability.Logger(ctx).Debug("connection read failed", "conn_id", c.ID, "reason", reason, "error", err)
		metrics.RecordMessage("unknown", reason)
		c.teardown(reason)
		return true
	}

	span.SetAttributes(observability.AttrRequestCode.String(msg.Request.String()))

	if c.Endpoint.Handler != nil {
		if err := c.Endpoint.Handler(c.ID, c, msg); err != nil {
			msg.CloseFDs(unix.Close)
			observability.SetSpanError(span, err)
			observability.Logger(ctx).Warn("message handler rejected request",
				"conn_id", c.ID, "request", msg.Request.String(), "error", err)
			metrics.RecordMessage(msg.Request.String(), "handler_reject")
			c.teardown("handler_reject")
			return true
		}
	} else {
		msg.CloseFDs(unix.Close)
	}

	metrics.RecordMessage(msg.Request.String(), "ok")
	observability.SetSpanOK(span)
	return false
}

// teardown runs the concurrency-sensitive close sequence: close connfd,
// invoke DestroyConnection, re-enqueue on the Reconnector if this is a
// reconnecting client, then remove from the endpoint's list and destroy
// the Device. The reactor slot removal itself is signalled by readCB's
// return value; teardown only handles everything else.
func (c *Connection) teardown(reason string) {
	c.conn.Close()

	if c.Endpoint.Notify.DestroyConnection != nil {
		c.Endpoint.Notify.DestroyConnection(c.ID)
	}

	metrics.RecordConnectionTornDown(c.Endpoint.Path, reason)
	logging.DefaultConnectionLogger().Log(&logging.ConnectionEvent{
		ConnectionID: c.ID, EndpointPath: c.Endpoint.Path, Event: "teardown", Success: reason == "ok",
	})

	if !c.Endpoint.IsServer && c.Endpoint.Flags.Reconnect {
		if err := c.Endpoint.startClient(); err != nil {
			logging.Op().Warn("reconnect restart failed", "path", c.Endpoint.Path, "error", err)
		}
	}

	c.Endpoint.mu.Lock()
	delete(c.Endpoint.connections, c.ID)
	c.Endpoint.mu.Unlock()

	cleanupConnection(c)
	c.Endpoint.Factory.DestroyDevice(c.Device)
	c.Endpoint.updateActiveConnections()
}

// closeLocked is used by Endpoint.Cleanup, which already holds e.mu and
// has already verified the reactor slot is not busy. It performs the
// same resource release as teardown but without re-enqueuing a
// reconnect (cleanup is a deliberate shutdown, not a transient error).
func (c *Connection) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
	if c.Endpoint.Notify.DestroyConnection != nil {
		c.Endpoint.Notify.DestroyConnection(c.ID)
	}
	cleanupConnection(c)
	c.Endpoint.Factory.DestroyDevice(c.Device)
	metrics.RecordConnectionTornDown(c.Endpoint.Path, "cleanup")
}

func (e *Endpoint) updateActiveConnections() {
	e.mu.Lock()
	n := len(e.connections)
	e.mu.Unlock()
	metrics.SetActiveConnections(e.Path, n)
}

// SendSlaveReq sends msg on the slave back-channel. If msg carries
// NEED_REPLY, slaveMu is held until ProcessSlaveMessageReply releases
// it, enforcing at most one outstanding NEED_REPLY request.
func (c *Connection) SendSlaveReq(msg *wire.Message) error {
	if c.slaveConn == nil {
		return fmt.Errorf("vhostuser: no slave_req_fd registered")
	}
	if wire.NeedsReply(msg.Flags) {
		c.slaveMu.Lock()
	}
	if err := wire.WriteMessage(c.slaveConn, msg); err != nil {
		if wire.NeedsReply(msg.Flags) {
			c.slaveMu.Unlock()
		}
		return fmt.Errorf("vhostuser: send slave request: %w", err)
	}
	return nil
}

// ProcessSlaveMessageReply reads and validates the reply to a prior
// NEED_REPLY slave request, releasing slaveMu regardless of outcome.
func (c *Connection) ProcessSlaveMessageReply(sentRequest wire.Request, needReply bool) error {
	if !needReply {
		return nil
	}
	defer c.slaveMu.Unlock()

	if c.slaveConn == nil {
		metrics.RecordSlaveReply("no_slave_fd")
		return fmt.Errorf("vhostuser: no slave_req_fd registered for reply")
	}

	reply, err := wire.ReadMessage(c.slaveConn)
	if err != nil {
		metrics.RecordSlaveReply("read_error")
		return fmt.Errorf("vhostuser: read slave reply: %w", err)
	}
	if reply.Request != sentRequest {
		metrics.RecordSlaveReply("mismatched_code")
		return fmt.Errorf("vhostuser: slave reply code %s does not match sent request %s", reply.Request, sentRequest)
	}
	if len(reply.Payload) >= 8 {
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(reply.Payload[i]) << (8 * i)
		}
		if v != 0 {
			metrics.RecordSlaveReply("rejected")
			return fmt.Errorf("vhostuser: slave reply reported failure (u64=%d)", v)
		}
	}
	metrics.RecordSlaveReply("ok")
	return nil
}

// SetSlaveReqFD stores fd as the connection's slave back-channel and
// wraps it once as a UnixConn for the codec.
//
// Deviation from the source (documented open question): rather than
// silently overwriting a prior value, this closes the existing
// slave_req_fd first so no fd is ever leaked across repeated
// SET_SLAVE_REQ_FD messages.
func (c *Connection) SetSlaveReqFD(fd int) error {
	if fd < 0 {
		return fmt.Errorf("vhostuser: set_slave_req_fd: negative fd")
	}

	f := os.NewFile(uintptr(fd), "slave-req")
	netConn, err := net.FileConn(f)
	// FileConn dup'd the fd; the wrapper's copy is the one the codec
	// uses from here on, so the handed-over original is released.
	f.Close()
	if err != nil {
		return fmt.Errorf("vhostuser: wrap slave_req_fd: %w", err)
	}
	uc, ok := netConn.(*net.UnixConn)
	if !ok {
		netConn.Close()
		return fmt.Errorf("vhostuser: slave_req_fd is not a unix stream socket")
	}

	if c.slaveConn != nil {
		c.slaveConn.Close()
	}
	c.slaveConn = uc
	c.SlaveReqFD = connFDOf(uc)
	return nil
}

// connFDOf reports the live descriptor backing uc, for bookkeeping and
// logs; uc retains ownership.
func connFDOf(uc *net.UnixConn) int {
	fd := -1
	rc, err := uc.SyscallConn()
	if err != nil {
		return fd
	}
	rc.Control(func(s uintptr) { fd = int(s) })
	return fd
}

// cleanupConnection unmaps the log region if mapped and closes the
// slave request channel if set, mirroring cleanup_device's two duties
// split across this package's Connection/Device types.
func cleanupConnection(c *Connection) {
	if c == nil {
		return
	}
	unmapLog(c.Device)
	if c.Device != nil && c.Device.PostcopyUFD >= 0 {
		unix.Close(c.Device.PostcopyUFD)
		c.Device.PostcopyUFD = -1
	}
	if c.slaveConn != nil {
		c.slaveConn.Close()
		c.slaveConn = nil
	}
	c.SlaveReqFD = -1
}
