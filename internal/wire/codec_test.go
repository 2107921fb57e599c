package wire

import (
	"net"
	"os"
	"syscall"
	"testing"
)

func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	toConn := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "sock")
		c, err := net.FileConn(f)
		if err != nil {
			t.Fatalf("FileConn: %v", err)
		}
		f.Close()
		uc, ok := c.(*net.UnixConn)
		if !ok {
			t.Fatalf("not a UnixConn")
		}
		return uc
	}

	a := toConn(fds[0])
	b := toConn(fds[1])
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestRoundTripNoFDs(t *testing.T) {
	a, b := socketpair(t)

	sent := &Message{
		Header:  Header{Request: RequestSetOwner, Flags: FlagNeedReply, Size: 0},
		Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	sent.Size = uint32(len(sent.Payload))

	go func() {
		if err := WriteMessage(a, sent); err != nil {
			t.Errorf("WriteMessage: %v", err)
		}
	}()

	got, err := ReadMessage(b)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Request != sent.Request || got.Flags != sent.Flags {
		t.Fatalf("header mismatch: got %+v want %+v", got.Header, sent.Header)
	}
	if string(got.Payload) != string(sent.Payload) {
		t.Fatalf("payload mismatch: got %v want %v", got.Payload, sent.Payload)
	}
	if len(got.FDs) != 0 {
		t.Fatalf("expected no fds, got %d", len(got.FDs))
	}
}

func TestRoundTripWithFDs(t *testing.T) {
	a, b := socketpair(t)

	tmp1, err := os.CreateTemp(t.TempDir(), "fda")
	if err != nil {
		t.Fatal(err)
	}
	defer tmp1.Close()
	tmp2, err := os.CreateTemp(t.TempDir(), "fdb")
	if err != nil {
		t.Fatal(err)
	}
	defer tmp2.Close()

	sent := &Message{
		Header: Header{Request: RequestSetMemTable, Size: 8},
		Payload: []byte{8, 7, 6, 5, 4, 3, 2, 1},
		FDs:     []int{int(tmp1.Fd()), int(tmp2.Fd())},
	}

	go func() {
		if err := WriteMessage(a, sent); err != nil {
			t.Errorf("WriteMessage: %v", err)
		}
	}()

	got, err := ReadMessage(b)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(got.FDs) != 2 {
		t.Fatalf("expected 2 fds, got %d", len(got.FDs))
	}

	var wantStat, gotStat syscall.Stat_t
	if err := syscall.Fstat(int(tmp1.Fd()), &wantStat); err != nil {
		t.Fatal(err)
	}
	if err := syscall.Fstat(got.FDs[0], &gotStat); err != nil {
		t.Fatal(err)
	}
	if wantStat.Ino != gotStat.Ino {
		t.Fatalf("received fd does not refer to same inode: want %d got %d", wantStat.Ino, gotStat.Ino)
	}

	got.CloseFDs(func(fd int) error { return syscall.Close(fd) })
}

func TestReadMessageTruncatedHeader(t *testing.T) {
	a, b := socketpair(t)

	go func() {
		a.Write([]byte{1, 2, 3, 4})
		a.Close()
	}()

	_, err := ReadMessage(b)
	if err == nil {
		t.Fatal("expected error on truncated header")
	}
}

func TestReadMessagePeerClosed(t *testing.T) {
	a, b := socketpair(t)
	a.Close()

	_, err := ReadMessage(b)
	if err == nil {
		t.Fatal("expected error on peer closed")
	}
}
