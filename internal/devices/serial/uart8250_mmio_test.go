package serial

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/vmmio/internal/hv"
)

type fakeEventDescriptor struct{ signals int }

func (f *fakeEventDescriptor) Signal() error { f.signals++; return nil }
func (f *fakeEventDescriptor) Close() error  { return nil }

type fakeBinder struct {
	descriptors []*fakeEventDescriptor
	irqLines    []uint32
}

func (b *fakeBinder) NewEventDescriptor() (hv.EventDescriptor, error) {
	ed := &fakeEventDescriptor{}
	b.descriptors = append(b.descriptors, ed)
	return ed, nil
}

func (b *fakeBinder) RegisterIOEvent(hv.EventDescriptor, uint64, uint32, uint64) error {
	return nil
}

func (b *fakeBinder) RegisterIRQFD(ed hv.EventDescriptor, irqLine uint32) error {
	b.irqLines = append(b.irqLines, irqLine)
	return nil
}

var _ hv.EventBinder = (*fakeBinder)(nil)

// fakeVM implements hv.VirtualMachine (and hv.EventBinder, via embedding)
// with the minimum needed to drive Init.
type fakeVM struct{ fakeBinder }

func (v *fakeVM) ReadAt(p []byte, off int64) (int, error)  { return 0, nil }
func (v *fakeVM) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }
func (v *fakeVM) Close() error                             { return nil }
func (v *fakeVM) Hypervisor() hv.Hypervisor                { return nil }
func (v *fakeVM) MemorySize() uint64                       { return 0 }
func (v *fakeVM) MemoryBase() uint64                       { return 0 }
func (v *fakeVM) Run(ctx context.Context, cfg hv.RunConfig) error { return nil }
func (v *fakeVM) SetIRQ(irqLine uint32, level bool) error   { return nil }
func (v *fakeVM) VirtualCPUCall(id int, f func(hv.VirtualCPU) error) error { return nil }
func (v *fakeVM) AddDevice(dev hv.Device) error                   { return nil }
func (v *fakeVM) AddDeviceFromTemplate(t hv.DeviceTemplate) error { return nil }
func (v *fakeVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, errors.New("not implemented")
}
func (v *fakeVM) CaptureSnapshot() (hv.Snapshot, error) { return nil, nil }
func (v *fakeVM) RestoreSnapshot(hv.Snapshot) error     { return nil }

var _ hv.VirtualMachine = (*fakeVM)(nil)

func TestUART8250MMIOInitBindsIrqfd(t *testing.T) {
	vm := &fakeVM{}
	uart := NewUART8250MMIO(0x3f8, 0, 4, &bytes.Buffer{})

	if err := uart.Init(vm); err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(vm.irqLines) != 1 || vm.irqLines[0] != 4 {
		t.Fatalf("expected irqfd registered on line 4, got %v", vm.irqLines)
	}
}

func TestUART8250MMIOTransmitAndInterrupt(t *testing.T) {
	vm := &fakeVM{}
	var out bytes.Buffer
	uart := NewUART8250MMIO(0x3f8, 0, 4, &out)
	if err := uart.Init(vm); err != nil {
		t.Fatalf("init: %v", err)
	}

	// enable THR-empty interrupt
	if err := uart.WriteMMIO(nil, 0x3f8+1, []byte{0x02}); err != nil {
		t.Fatalf("write ier: %v", err)
	}

	ed := vm.descriptors[0]
	before := ed.signals

	if err := uart.WriteMMIO(nil, 0x3f8, []byte{'A'}); err != nil {
		t.Fatalf("write thr: %v", err)
	}

	if out.String() != "A" {
		t.Fatalf("got output %q, want %q", out.String(), "A")
	}
	if ed.signals <= before {
		t.Fatalf("expected irqfd signal on THRE interrupt, signals=%d", ed.signals)
	}

	// rewriting IER while THRE is still asserted must not re-signal (edge
	// trigger).
	before = ed.signals
	if err := uart.WriteMMIO(nil, 0x3f8+1, []byte{0x02}); err != nil {
		t.Fatalf("write ier: %v", err)
	}
	if ed.signals != before {
		t.Fatalf("expected no additional signal while already asserted, got %d new signals", ed.signals-before)
	}
}

func TestUART8250MMIOStrideAndBounds(t *testing.T) {
	for _, regShift := range []uint32{0, 1, 2} {
		stride := uint64(1) << regShift

		vm := &fakeVM{}
		var out bytes.Buffer
		uart := NewUART8250MMIO(0x1000, regShift, 0, &out)
		if err := uart.Init(vm); err != nil {
			t.Fatalf("stride=%d init: %v", stride, err)
		}

		scrAddr := uint64(0x1000) + 7*stride
		if err := uart.WriteMMIO(nil, scrAddr, []byte{0x42}); err != nil {
			t.Fatalf("stride=%d write scr: %v", stride, err)
		}
		buf := []byte{0}
		if err := uart.ReadMMIO(nil, scrAddr, buf); err != nil {
			t.Fatalf("stride=%d read scr: %v", stride, err)
		}
		if buf[0] != 0x42 {
			t.Fatalf("stride=%d scr mismatch: got 0x%02x", stride, buf[0])
		}

		outOfBounds := uint64(0x1000) + UART8250MMIOSize + 1
		readBuf := []byte{0xff}
		if err := uart.ReadMMIO(nil, outOfBounds, readBuf); err != nil {
			t.Fatalf("stride=%d out-of-bounds read returned error: %v", stride, err)
		}
		if readBuf[0] != 0 {
			t.Fatalf("stride=%d out-of-bounds read should yield 0, got 0x%02x", stride, readBuf[0])
		}
	}
}
