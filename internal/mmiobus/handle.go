package mmiobus

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vmmio/internal/hv"
)

// Handle is a shared, lock-guarded reference to a device installed on a Bus.
// Every dispatch against the device's address range goes through Do, so
// concurrent vCPU threads accessing the same device serialize while
// accesses to different devices proceed in parallel.
type Handle struct {
	mu     sync.Mutex
	device hv.MemoryMappedIODevice
}

// Do runs fn with the device lock held. A panic inside fn is recovered and
// turned into an error rather than leaving the handle permanently locked;
// Go mutexes have no poisoning concept, so this is the idiomatic stand-in
// for it, and callers (Manager.UpdateDrive) treat the resulting error the
// same way a poisoned-lock error would be treated.
func (h *Handle) Do(fn func(hv.MemoryMappedIODevice) error) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mmiobus: device handler panicked: %v", r)
		}
	}()
	return fn(h.device)
}

// Device returns the wrapped device without acquiring the lock. Safe to
// call for read-only inspection (type assertions, interface checks); use Do
// for anything that touches device state.
func (h *Handle) Device() hv.MemoryMappedIODevice {
	return h.device
}
