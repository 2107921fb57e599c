package vhostuser

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/vhostuser/internal/wire"
)

type callbackRecorder struct {
	newCh     chan string
	destroyCh chan string
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{
		newCh:     make(chan string, 8),
		destroyCh: make(chan string, 8),
	}
}

func (r *callbackRecorder) ops() NotifyOps {
	return NotifyOps{
		NewConnection: func(vid string) error {
			r.newCh <- vid
			return nil
		},
		DestroyConnection: func(vid string) {
			r.destroyCh <- vid
		},
	}
}

func waitFor(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case vid := <-ch:
		return vid
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func assertQuiet(t *testing.T, ch chan string, what string) {
	t.Helper()
	select {
	case vid := <-ch:
		t.Fatalf("unexpected %s (vid=%s)", what, vid)
	default:
	}
}

func TestServerAcceptFiresNewConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vu.sock")
	rec := newCallbackRecorder()

	ep := NewEndpoint(path, true, Flags{}, rec.ops(), nil, nil)
	if err := ep.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ep.Cleanup()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, rec.newCh, "NewConnection")
	assertQuiet(t, rec.newCh, "second NewConnection")
	assertQuiet(t, rec.destroyCh, "DestroyConnection")
}

func TestTruncatedHeaderTearsDownAndServerKeepsAccepting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vu.sock")
	rec := newCallbackRecorder()

	ep := NewEndpoint(path, true, Flags{}, rec.ops(), nil, nil)
	if err := ep.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ep.Cleanup()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, rec.newCh, "NewConnection")

	// Four bytes of a twelve-byte header, then close.
	conn.Write([]byte{1, 2, 3, 4})
	conn.Close()

	waitFor(t, rec.destroyCh, "DestroyConnection after truncated header")

	// The listener must still be live.
	conn2, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer conn2.Close()
	waitFor(t, rec.newCh, "NewConnection after teardown")
}

func TestGetFeaturesEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vu.sock")
	rec := newCallbackRecorder()
	handler := &BuiltinHandler{Features: 0x0000000140000000}

	ep := NewEndpoint(path, true, Flags{}, rec.ops(), handler.Handle, nil)
	if err := ep.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ep.Cleanup()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, rec.newCh, "NewConnection")

	var req [wire.HeaderSize]byte
	binary.LittleEndian.PutUint32(req[0:4], uint32(wire.RequestGetFeatures))
	binary.LittleEndian.PutUint32(req[4:8], 0)
	binary.LittleEndian.PutUint32(req[8:12], 0)
	if _, err := conn.Write(req[:]); err != nil {
		t.Fatalf("write GET_FEATURES: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, wire.HeaderSize+8)
	read := 0
	for read < len(reply) {
		n, err := conn.Read(reply[read:])
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		read += n
	}

	if got := wire.Request(binary.LittleEndian.Uint32(reply[0:4])); got != wire.RequestGetFeatures {
		t.Fatalf("reply request = %s, want GET_FEATURES", got)
	}
	if size := binary.LittleEndian.Uint32(reply[8:12]); size != 8 {
		t.Fatalf("reply payload size = %d, want 8", size)
	}
	if got := binary.LittleEndian.Uint64(reply[wire.HeaderSize:]); got != handler.Features {
		t.Fatalf("reply features = %#x, want %#x", got, handler.Features)
	}
}

func TestCleanupWaitsForInFlightHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vu.sock")
	rec := newCallbackRecorder()

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := func(vid string, c *Connection, msg *wire.Message) error {
		close(entered)
		<-release
		return nil
	}

	ep := NewEndpoint(path, true, Flags{}, rec.ops(), handler, nil)
	if err := ep.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, rec.newCh, "NewConnection")

	var hdr [wire.HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(wire.RequestSetOwner))
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatalf("write SET_OWNER: %v", err)
	}
	<-entered

	cleanupDone := make(chan struct{})
	go func() {
		ep.Cleanup()
		close(cleanupDone)
	}()

	select {
	case <-cleanupDone:
		t.Fatal("Cleanup completed while a handler was still in flight")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)

	select {
	case <-cleanupDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Cleanup never completed after handler returned")
	}

	waitFor(t, rec.destroyCh, "DestroyConnection from cleanup")
}

func TestServerRefusesToBindOverExistingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vu.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ep := NewEndpoint(path, true, Flags{}, NotifyOps{}, nil, nil)
	if err := ep.Start(); err == nil {
		ep.Cleanup()
		t.Fatal("expected bind to fail on a pre-existing socket path")
	}
}
