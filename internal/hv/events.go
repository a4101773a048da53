package hv

import "io"

// EventDescriptor is a host kernel event object a device can signal to
// request interrupt delivery. When bound via EventBinder.RegisterIRQFD, a
// Signal call injects the guest interrupt directly, without a VM exit.
type EventDescriptor interface {
	io.Closer

	// Signal notifies the descriptor. If it has been bound to a guest
	// interrupt line with RegisterIRQFD, the bound line is asserted.
	Signal() error
}

// EventBinder exposes the ioeventfd/irqfd primitives a hypervisor uses to
// let devices bypass synchronous MMIO trap-and-emulate for queue
// notification and interrupt delivery.
type EventBinder interface {
	// NewEventDescriptor allocates a host event descriptor usable with both
	// RegisterIOEvent and RegisterIRQFD.
	NewEventDescriptor() (EventDescriptor, error)

	// RegisterIOEvent arms ed so a guest MMIO write of datamatch to addr
	// signals ed without exiting to userspace. length is the access width in
	// bytes (1, 2, 4, or 8).
	RegisterIOEvent(ed EventDescriptor, addr uint64, length uint32, datamatch uint64) error

	// RegisterIRQFD binds ed so that signalling it asserts irqLine in the
	// guest.
	RegisterIRQFD(ed EventDescriptor, irqLine uint32) error
}
