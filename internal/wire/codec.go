package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Sentinel error kinds. ReadMessage returns ErrPeerClosed when the peer
// closed before sending a header, and wraps ErrMalformed for framing
// faults (truncation flags, a short header or payload, an oversized
// payload, unparsable rights); WriteMessage wraps ErrMalformed for an
// oversized payload. Socket errors are wrapped with context only.
// ErrTruncated is not returned by either function.
var (
	ErrPeerClosed = errors.New("wire: peer closed connection")
	ErrMalformed  = errors.New("wire: malformed message")
	ErrTruncated  = errors.New("wire: message truncated")
)

// ReadMessage reads one framed message from conn, including up to
// MaxAttachedFDs file descriptors passed as SCM_RIGHTS ancillary data.
//
// The header and the out-of-band buffer are read with a single
// ReadMsgUnix call; the payload (if any) is read with a second call on
// the same connection, mirroring the two-stage read the protocol's
// reference implementations use since the header must be parsed before
// the payload length is known.
func ReadMessage(conn *net.UnixConn) (*Message, error) {
	hdrBuf := make([]byte, HeaderSize)
	oobBuf := make([]byte, unix.CmsgSpace(MaxAttachedFDs*4))

	n, oobn, flags, _, err := conn.ReadMsgUnix(hdrBuf, oobBuf)
	if err != nil {
		return nil, fmt.Errorf("wire: read header: %w", err)
	}
	fds, err := parseRights(oobBuf[:oobn])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := &Message{FDs: fds}
	if n == 0 {
		msg.CloseFDs(unix.Close)
		return nil, ErrPeerClosed
	}
	if flags&unix.MSG_TRUNC != 0 || flags&unix.MSG_CTRUNC != 0 {
		msg.CloseFDs(unix.Close)
		return nil, fmt.Errorf("%w: MSG_TRUNC/MSG_CTRUNC set", ErrMalformed)
	}
	if n < HeaderSize {
		msg.CloseFDs(unix.Close)
		return nil, fmt.Errorf("%w: short header read (%d bytes)", ErrMalformed, n)
	}

	hdr := Header{
		Request: Request(binary.LittleEndian.Uint32(hdrBuf[0:4])),
		Flags:   binary.LittleEndian.Uint32(hdrBuf[4:8]),
		Size:    binary.LittleEndian.Uint32(hdrBuf[8:12]),
	}
	msg.Header = hdr
	if hdr.Size > MaxPayloadSize {
		msg.CloseFDs(unix.Close)
		return nil, fmt.Errorf("%w: payload size %d exceeds max %d", ErrMalformed, hdr.Size, MaxPayloadSize)
	}

	if hdr.Size > 0 {
		payload := make([]byte, hdr.Size)
		if err := readFull(conn, payload); err != nil {
			msg.CloseFDs(unix.Close)
			return nil, fmt.Errorf("%w: short payload read: %v", ErrMalformed, err)
		}
		msg.Payload = payload
	}

	return msg, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, cmsg := range cmsgs {
		rights, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func readFull(conn *net.UnixConn, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if n > 0 {
			read += n
		}
		if err != nil {
			if read == len(buf) {
				return nil
			}
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// WriteMessage writes msg to conn as a single framed message, attaching
// msg.FDs as SCM_RIGHTS ancillary data when present.
//
// The kernel duplicates attached fds into the peer's process; the
// caller retains ownership of its own copies and must close them
// explicitly after a successful send if they were meant to be
// transferred rather than shared.
func WriteMessage(conn *net.UnixConn, msg *Message) error {
	if len(msg.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds max %d", ErrMalformed, len(msg.Payload), MaxPayloadSize)
	}

	buf := make([]byte, HeaderSize+len(msg.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(msg.Request))
	binary.LittleEndian.PutUint32(buf[4:8], msg.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(msg.Payload)))
	copy(buf[HeaderSize:], msg.Payload)

	var oob []byte
	if len(msg.FDs) > 0 {
		oob = unix.UnixRights(msg.FDs...)
	}

	n, _, err := conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return fmt.Errorf("wire: write message: %w", err)
	}
	if n < len(buf) {
		return fmt.Errorf("wire: short write (%d of %d bytes)", n, len(buf))
	}
	return nil
}
