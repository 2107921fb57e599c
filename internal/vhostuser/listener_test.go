package vhostuser

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestClassifyConnectSuccess(t *testing.T) {
	if got := classifyConnect(nil); got != connectOutcomeSuccess {
		t.Fatalf("classifyConnect(nil) = %v, want success", got)
	}
	if got := classifyConnect(unix.EISCONN); got != connectOutcomeSuccess {
		t.Fatalf("classifyConnect(EISCONN) = %v, want success", got)
	}
}

func TestClassifyConnectEveryErrnoIsRetryable(t *testing.T) {
	// connect(2)'s own errno never evicts an entry; the fatal class is
	// reserved for the clear-nonblock step after a successful connect.
	errnos := []unix.Errno{
		unix.ECONNREFUSED,
		unix.ENOENT,
		unix.EAGAIN,
		unix.EINPROGRESS,
		unix.EALREADY,
		unix.EINTR,
		unix.ECONNRESET,
		unix.ENETUNREACH,
		unix.EHOSTUNREACH,
		unix.ENETDOWN,
		unix.ETIMEDOUT,
		unix.EACCES,
	}
	for _, errno := range errnos {
		if got := classifyConnect(errno); got != connectOutcomeRetryable {
			t.Fatalf("classifyConnect(%v) = %v, want retryable", errno, got)
		}
	}
}

func TestUnixAddrRejectsOverlongPath(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := unixAddr(string(long)); err == nil {
		t.Fatal("expected error for overlong socket path")
	}
}
