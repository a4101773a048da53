//go:build linux

package kvm

import (
	"fmt"

	"github.com/tinyrange/vmmio/internal/hv"
	"golang.org/x/sys/unix"
)

// eventDescriptor wraps a Linux eventfd. Writing the 8-byte counter value 1
// is what both KVM_IOEVENTFD and KVM_IRQFD treat as a signal.
type eventDescriptor struct {
	fd int
}

func newEventDescriptor() (*eventDescriptor, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("kvm: eventfd: %w", err)
	}
	return &eventDescriptor{fd: fd}, nil
}

func (e *eventDescriptor) Signal() error {
	buf := [8]byte{1}
	_, err := unix.Write(e.fd, buf[:])
	if err != nil {
		return fmt.Errorf("kvm: signal eventfd: %w", err)
	}
	return nil
}

func (e *eventDescriptor) Close() error {
	return unix.Close(e.fd)
}

var _ hv.EventDescriptor = (*eventDescriptor)(nil)
