//go:build !linux

package vhostuser

import "errors"

// ErrUnsupported is returned by armPostcopy on platforms without
// userfaultfd (anything but Linux). Postcopy live migration is a
// Linux-only kernel facility; the rest of the transport works
// identically on any platform net.UnixConn and SCM_RIGHTS are
// available on.
var ErrUnsupported = errors.New("vhostuser: postcopy userfault registration is only supported on linux")

func (dev *Device) armPostcopy() error {
	return ErrUnsupported
}

func createUserfaultfd() (int, error) {
	return -1, ErrUnsupported
}
