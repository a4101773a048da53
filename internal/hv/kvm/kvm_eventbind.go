//go:build linux

package kvm

import (
	"fmt"

	"github.com/tinyrange/vmmio/internal/hv"
)

// NewEventDescriptor implements hv.EventBinder.
func (v *virtualMachine) NewEventDescriptor() (hv.EventDescriptor, error) {
	return newEventDescriptor()
}

// RegisterIOEvent implements hv.EventBinder.
func (v *virtualMachine) RegisterIOEvent(ed hv.EventDescriptor, addr uint64, length uint32, datamatch uint64) error {
	fd, ok := ed.(*eventDescriptor)
	if !ok {
		return fmt.Errorf("kvm: event descriptor not created by this hypervisor")
	}
	return registerIoEventFd(v.vmFd, fd.fd, addr, length, datamatch)
}

// RegisterIRQFD implements hv.EventBinder.
func (v *virtualMachine) RegisterIRQFD(ed hv.EventDescriptor, irqLine uint32) error {
	fd, ok := ed.(*eventDescriptor)
	if !ok {
		return fmt.Errorf("kvm: event descriptor not created by this hypervisor")
	}
	return registerIrqFd(v.vmFd, fd.fd, irqLine)
}

var _ hv.EventBinder = (*virtualMachine)(nil)
