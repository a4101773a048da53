package devmgr

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/vmmio/internal/chipset"
	"github.com/tinyrange/vmmio/internal/cmdline"
	"github.com/tinyrange/vmmio/internal/devices/pl031"
	"github.com/tinyrange/vmmio/internal/devices/serial"
	"github.com/tinyrange/vmmio/internal/hv"
)

const legacyMMIOSize = 0x1000

// RegisterMMIOSerial installs an 8250-style UART at the next address
// window, bound to out as its transmit sink, and emits the earlycon
// command-line fragment architectures that discover devices via the
// command line (rather than FDT) expect. The UART binds its own interrupt
// event descriptor as an irqfd during Init, since hv.VirtualMachine already
// flows through Device.Init for every device kind.
func (m *Manager) RegisterMMIOSerial(vm hv.VirtualMachine, out io.Writer, cl *cmdline.Builder, id string) (uint64, error) {
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

	dev := serial.NewUART8250MMIO(addr, 2, irq, out)
	if err := dev.Init(vm); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCreateMmioDevice, err)
	}

	if _, err := m.bus.Insert(dev, addr, legacyMMIOSize); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBusOverlap, err)
	}

	if cl != nil {
		frag := fmt.Sprintf("earlycon=uart,mmio32,0x%08x", addr)
		if err := cl.InsertStr(frag); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCmdline, err)
		}
	}

	m.info[id] = DeviceInfo{Addr: addr, Len: legacyMMIOSize, IRQ: irq, Type: DeviceTypeSerial}
	m.nextAddr += legacyMMIOSize
	m.irq++

	slog.Info("devmgr: registered mmio serial", "id", id, "addr", fmt.Sprintf("0x%08x", addr), "irq", irq)

	return addr, nil
}

// RegisterMMIORTC installs a PL031 real-time clock at the next address
// window. Unlike virtio devices and the UART, PL031 is a chipset.ChipsetDevice
// rather than an hv.MemoryMappedIODevice directly, so it is wrapped through
// adaptChipsetDevice before it can live on the bus. No command-line fragment
// is emitted: RTC discovery is FDT-only.
func (m *Manager) RegisterMMIORTC(vm hv.VirtualMachine, id string) (uint64, error) {
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

	line := chipset.LineInterruptDetached()
	if binder, ok := vm.(hv.EventBinder); ok {
		ed, err := binder.NewEventDescriptor()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCreateMmioDevice, err)
		}
		if err := binder.RegisterIRQFD(ed, irq); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRegisterIrqFd, err)
		}
		line = newEdgeLine(ed)
	}

	rtc := pl031.New(addr, line)
	if err := rtc.Init(vm); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCreateMmioDevice, err)
	}

	dev, err := adaptChipsetDevice(rtc)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCreateMmioDevice, err)
	}

	if _, err := m.bus.Insert(dev, addr, legacyMMIOSize); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBusOverlap, err)
	}

	m.info[id] = DeviceInfo{Addr: addr, Len: legacyMMIOSize, IRQ: irq, Type: DeviceTypeRTC}
	m.nextAddr += legacyMMIOSize
	m.irq++

	slog.Info("devmgr: registered mmio rtc", "id", id, "addr", fmt.Sprintf("0x%08x", addr), "irq", irq)

	return addr, nil
}

// newEdgeLine adapts an irqfd-bound event descriptor to chipset.LineInterrupt,
// signalling only on the low-to-high transition since irqfd (without a
// resamplefd) is an edge mechanism.
func newEdgeLine(ed hv.EventDescriptor) chipset.LineInterrupt {
	asserted := false
	return chipset.LineInterruptFromFunc(func(level bool) {
		if level && !asserted {
			_ = ed.Signal()
		}
		asserted = level
	})
}

// chipsetMMIOAdapter adapts a chipset.ChipsetDevice exposing an MMIO
// intercept to hv.MemoryMappedIODevice, the shape mmiobus.Bus requires.
// This mirrors the teacher's own kvm package adapters in the opposite
// direction (those adapt hv.MemoryMappedIODevice into chipset.ChipsetDevice
// for the in-process chipset dispatcher).
type chipsetMMIOAdapter struct {
	chipset.ChipsetDevice
	regions []hv.MMIORegion
	handler chipset.MmioHandler
}

func (a *chipsetMMIOAdapter) MMIORegions() []hv.MMIORegion { return a.regions }

func (a *chipsetMMIOAdapter) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return a.handler.ReadMMIO(ctx, addr, data)
}

func (a *chipsetMMIOAdapter) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return a.handler.WriteMMIO(ctx, addr, data)
}

func adaptChipsetDevice(dev chipset.ChipsetDevice) (hv.MemoryMappedIODevice, error) {
	mmio := dev.SupportsMmio()
	if mmio == nil {
		return nil, fmt.Errorf("devmgr: device does not support mmio")
	}
	return &chipsetMMIOAdapter{ChipsetDevice: dev, regions: mmio.Regions, handler: mmio.Handler}, nil
}

var _ hv.MemoryMappedIODevice = (*chipsetMMIOAdapter)(nil)
