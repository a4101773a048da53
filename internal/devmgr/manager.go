// Package devmgr implements the MMIO device manager: it allocates MMIO
// address windows and IRQ numbers, registers virtio and legacy MMIO devices
// against the hypervisor and the bus, records per-device metadata, and
// emits the discovery tokens (kernel command-line fragments, device-info
// table for FDT generation) the guest needs to find them.
package devmgr

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/vmmio/internal/cmdline"
	"github.com/tinyrange/vmmio/internal/devices/virtio"
	"github.com/tinyrange/vmmio/internal/hv"
	"github.com/tinyrange/vmmio/internal/mmiobus"
)

// DeviceType tags a registered device's kind for FDT generation.
type DeviceType int

const (
	DeviceTypeVirtio DeviceType = iota
	DeviceTypeSerial
	DeviceTypeRTC
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeVirtio:
		return "virtio"
	case DeviceTypeSerial:
		return "serial"
	case DeviceTypeRTC:
		return "rtc"
	default:
		return "unknown"
	}
}

// DeviceInfo is the immutable-after-registration record the control plane
// and FDT generator consume. No field is updated after registration; Len is
// the MMIO window size, always 4096, and a virtio-block capacity resize does
// not change it.
type DeviceInfo struct {
	Addr uint64
	Len  uint64
	IRQ  uint32
	Type DeviceType
}

// Config configures a Manager at construction.
type Config struct {
	MMIOBase uint64
	IRQMin   uint32
	IRQMax   uint32
}

// Manager allocates MMIO address windows and IRQ numbers for virtio and
// legacy MMIO devices, installs them on a Bus, and records their metadata
// in a name-keyed registry.
//
// Manager state (nextAddr, irq, the info registry) is written only from the
// control-plane thread; the bus itself is safe for concurrent vCPU-thread
// dispatch per mmiobus's own locking.
type Manager struct {
	mu sync.RWMutex

	bus    *mmiobus.Bus
	binder hv.EventBinder

	nextAddr uint64
	irq      uint32
	lastIrq  uint32

	info map[string]DeviceInfo
}

// New constructs a Manager with an empty bus and registry.
func New(binder hv.EventBinder, cfg Config) *Manager {
	return &Manager{
		bus:      mmiobus.New(),
		binder:   binder,
		nextAddr: cfg.MMIOBase,
		irq:      cfg.IRQMin,
		lastIrq:  cfg.IRQMax,
		info:     make(map[string]DeviceInfo),
	}
}

// Bus returns the underlying Bus, for wiring into the vCPU MMIO-exit path.
func (m *Manager) Bus() *mmiobus.Bus {
	return m.bus
}

// RegisterVirtioDevice wraps dev in the virtio-MMIO transport, binds its
// queue and interrupt event descriptors through the hypervisor, installs it
// on the bus, appends its command-line fragment, and records its info. It
// is all-or-nothing through the point the bus insertion and command-line
// append succeed; hypervisor registrations from steps before a later
// failure may persist.
func (m *Manager) RegisterVirtioDevice(dev virtio.Device, cl *cmdline.Builder, id string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.info[id]; dup {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	if m.irq > m.lastIrq {
		return 0, ErrIrqsExhausted
	}

	addr := m.nextAddr
	irq := m.irq

	transport, err := virtio.NewMMIOTransport(addr, dev, m.binder)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCreateMmioDevice, err)
	}

	for i, evt := range transport.QueueEventDescriptors() {
		if err := m.binder.RegisterIOEvent(evt, addr+virtio.NotifyRegOffset, 4, uint64(i)); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRegisterIoEvent, err)
		}
	}
	if err := m.binder.RegisterIRQFD(transport.InterruptDescriptor(), irq); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRegisterIrqFd, err)
	}

	if _, err := m.bus.Insert(transport, addr, virtio.SlotSize); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBusOverlap, err)
	}

	if cl != nil {
		frag := fmt.Sprintf("virtio_mmio.device=4K@0x%08x:%d", addr, irq)
		if err := cl.InsertStr(frag); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCmdline, err)
		}
	}

	m.info[id] = DeviceInfo{Addr: addr, Len: virtio.SlotSize, IRQ: irq, Type: DeviceTypeVirtio}
	m.nextAddr += virtio.SlotSize
	m.irq++

	slog.Info("devmgr: registered virtio device", "id", id, "addr", fmt.Sprintf("0x%08x", addr), "irq", irq)

	return addr, nil
}

// resizableTarget is the surface UpdateDrive needs from a registered
// device: build a new config-space payload for a size and raise the
// config-change interrupt once it is written.
type resizableTarget interface {
	BuildConfigSpace(newSize uint64) ([]byte, error)
	PulseConfigInterrupt()
}

// UpdateDrive rewrites the config space of the virtio device registered at
// addr to reflect newSize, then pulses its config-change interrupt. addr
// must be the base address returned from RegisterVirtioDevice.
func (m *Manager) UpdateDrive(addr uint64, newSize uint64) error {
	m.mu.RLock()
	handle, ok := m.bus.GetByBase(addr)
	m.mu.RUnlock()
	if !ok {
		return ErrUpdateFailed
	}

	err := handle.Do(func(dev hv.MemoryMappedIODevice) error {
		target, ok := dev.(resizableTarget)
		if !ok {
			return fmt.Errorf("devmgr: device at 0x%08x does not support resize", addr)
		}
		payload, err := target.BuildConfigSpace(newSize)
		if err != nil {
			return err
		}
		if err := dev.WriteMMIO(nil, addr+virtio.ConfigSpaceOffset, payload); err != nil {
			return err
		}
		target.PulseConfigInterrupt()
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}

	slog.Info("devmgr: updated drive", "addr", fmt.Sprintf("0x%08x", addr), "new_size", newSize)
	return nil
}

// GetAddress returns the base address registered under id.
func (m *Manager) GetAddress(id string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.info[id]
	return info.Addr, ok
}

// GetDeviceInfo returns the full record registered under id.
func (m *Manager) GetDeviceInfo(id string) (DeviceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.info[id]
	return info, ok
}

// DeviceInfoTable returns every registered device's info, sorted by
// address, the order the FDT generator consumes.
func (m *Manager) DeviceInfoTable() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DeviceInfo, 0, len(m.info))
	for _, info := range m.info {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// testRemoveDeviceInfo is a test-only hook to exercise UpdateFailed
// deterministically; it is not part of the steady-state contract.
func (m *Manager) testRemoveDeviceInfo(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.info, id)
}
