package mmiobus

import (
	"testing"

	"github.com/tinyrange/vmmio/internal/hv"
)

type fakeDevice struct {
	reads  int
	writes int
	last   []byte
}

func (d *fakeDevice) Init(vm hv.VirtualMachine) error { return nil }

func (d *fakeDevice) MMIORegions() []hv.MMIORegion { return nil }

func (d *fakeDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.reads++
	for i := range data {
		data[i] = 0xAB
	}
	return nil
}

func (d *fakeDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.writes++
	d.last = append([]byte(nil), data...)
	return nil
}

var _ hv.MemoryMappedIODevice = (*fakeDevice)(nil)

func TestBusInsertAndDispatch(t *testing.T) {
	bus := New()
	dev := &fakeDevice{}

	if _, err := bus.Insert(dev, 0xd0000000, 0x1000); err != nil {
		t.Fatalf("insert: %v", err)
	}

	buf := make([]byte, 4)
	bus.Read(nil, 0xd0000010, buf)
	if dev.reads != 1 {
		t.Fatalf("expected 1 read, got %d", dev.reads)
	}
	for _, b := range buf {
		if b != 0xAB {
			t.Fatalf("unexpected read data: %x", buf)
		}
	}

	bus.Write(nil, 0xd0000100, []byte{1, 2, 3, 4})
	if dev.writes != 1 {
		t.Fatalf("expected 1 write, got %d", dev.writes)
	}
}

func TestBusOverlapRejected(t *testing.T) {
	bus := New()
	dev1 := &fakeDevice{}
	dev2 := &fakeDevice{}

	if _, err := bus.Insert(dev1, 0xd0000000, 0x1000); err != nil {
		t.Fatalf("insert dev1: %v", err)
	}

	tests := []struct {
		name string
		base uint64
		len  uint64
	}{
		{"exact duplicate", 0xd0000000, 0x1000},
		{"overlap from below", 0xcfffff00, 0x200},
		{"overlap from above", 0xd0000f00, 0x200},
		{"fully contained", 0xd0000100, 0x100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := bus.Insert(dev2, tc.base, tc.len); err == nil {
				t.Fatalf("expected overlap error")
			} else if err != ErrOverlap {
				t.Fatalf("expected ErrOverlap, got %v", err)
			}
		})
	}
}

func TestBusAdjacentRegionsAllowed(t *testing.T) {
	bus := New()
	dev1 := &fakeDevice{}
	dev2 := &fakeDevice{}

	if _, err := bus.Insert(dev1, 0xd0000000, 0x1000); err != nil {
		t.Fatalf("insert dev1: %v", err)
	}
	if _, err := bus.Insert(dev2, 0xd0001000, 0x1000); err != nil {
		t.Fatalf("insert adjacent dev2: %v", err)
	}

	if _, h, ok := bus.Get(0xd0001050); !ok {
		t.Fatalf("expected hit in dev2's region")
	} else if h.Device() != hv.MemoryMappedIODevice(dev2) {
		t.Fatalf("expected dev2 handle")
	}
}

func TestBusReadWriteMiss(t *testing.T) {
	bus := New()
	dev := &fakeDevice{}
	if _, err := bus.Insert(dev, 0x1000, 0x1000); err != nil {
		t.Fatalf("insert: %v", err)
	}

	buf := []byte{0x11, 0x22}
	bus.Read(nil, 0x5000, buf)
	if buf[0] != 0x11 || buf[1] != 0x22 {
		t.Fatalf("expected buffer untouched on miss, got %x", buf)
	}
	if dev.reads != 0 {
		t.Fatalf("expected no dispatch on miss")
	}

	bus.Write(nil, 0x5000, []byte{1})
	if dev.writes != 0 {
		t.Fatalf("expected write dropped on miss")
	}
}

func TestHandleDoRecoversPanic(t *testing.T) {
	bus := New()
	dev := &fakeDevice{}
	_, err := bus.Insert(dev, 0x2000, 0x1000)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, h, ok := bus.Get(0x2000)
	if !ok {
		t.Fatalf("expected hit")
	}

	err = h.Do(func(hv.MemoryMappedIODevice) error {
		panic("boom")
	})
	if err == nil {
		t.Fatalf("expected error from recovered panic")
	}

	// the handle must still be usable afterwards
	if err := h.Do(func(hv.MemoryMappedIODevice) error { return nil }); err != nil {
		t.Fatalf("handle should remain usable after recovered panic: %v", err)
	}
}
