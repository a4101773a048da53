package devmgr

import "errors"

// Error taxonomy surfaced from registration/update operations. Registration
// failures are fatal to VM startup in the caller's boot orchestrator; update
// failures are returned to the control plane as a client-facing error.
var (
	// ErrIrqsExhausted is returned when the next IRQ to assign exceeds the
	// configured maximum. The string is load-bearing: control-plane clients
	// match on it.
	ErrIrqsExhausted = errors.New("no more IRQs are available")

	ErrCreateMmioDevice = errors.New("devmgr: create mmio device")
	ErrRegisterIoEvent  = errors.New("devmgr: register ioevent")
	ErrRegisterIrqFd    = errors.New("devmgr: register irqfd")
	ErrBusOverlap       = errors.New("devmgr: bus overlap")
	ErrCmdline          = errors.New("devmgr: command line")
	ErrUpdateFailed     = errors.New("devmgr: update failed")

	ErrDuplicateID = errors.New("devmgr: device id already registered")
)
