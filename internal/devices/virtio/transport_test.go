package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/vmmio/internal/hv"
)

type fakeEventDescriptor struct {
	signals int
	closed  bool
}

func (f *fakeEventDescriptor) Signal() error { f.signals++; return nil }
func (f *fakeEventDescriptor) Close() error  { f.closed = true; return nil }

type fakeBinder struct {
	created []*fakeEventDescriptor
}

func (f *fakeBinder) NewEventDescriptor() (hv.EventDescriptor, error) {
	ed := &fakeEventDescriptor{}
	f.created = append(f.created, ed)
	return ed, nil
}

func (f *fakeBinder) RegisterIOEvent(ed hv.EventDescriptor, addr uint64, length uint32, datamatch uint64) error {
	return nil
}

func (f *fakeBinder) RegisterIRQFD(ed hv.EventDescriptor, irqLine uint32) error {
	return nil
}

var _ hv.EventBinder = (*fakeBinder)(nil)

func readReg(t *testing.T, tr *MMIOTransport, base uint64, offset uint64) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := tr.ReadMMIO(nil, base+offset, buf); err != nil {
		t.Fatalf("read offset 0x%x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func writeReg(t *testing.T, tr *MMIOTransport, base uint64, offset uint64, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := tr.WriteMMIO(nil, base+offset, buf); err != nil {
		t.Fatalf("write offset 0x%x: %v", offset, err)
	}
}

func TestTransportRegisterFile(t *testing.T) {
	const base = 0xd0000000
	dev := NewBlockDevice(nil, nil, 1<<20)
	binder := &fakeBinder{}

	tr, err := NewMMIOTransport(base, dev, binder)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	if got := readReg(t, tr, base, RegMagicValue); got != magicValue {
		t.Fatalf("magic value: got 0x%x", got)
	}
	if got := readReg(t, tr, base, RegDeviceID); got != blkDeviceType {
		t.Fatalf("device id: got %d", got)
	}

	writeReg(t, tr, base, RegQueueSel, 0)
	if got := readReg(t, tr, base, RegQueueNumMax); got != blkQueueSize {
		t.Fatalf("queue num max: got %d", got)
	}

	writeReg(t, tr, base, RegQueueNum, blkQueueSize)
	writeReg(t, tr, base, RegQueueDescLow, 0x1000)
	writeReg(t, tr, base, RegQueueAvailLow, 0x2000)
	writeReg(t, tr, base, RegQueueUsedLow, 0x3000)
	writeReg(t, tr, base, RegQueueReady, 1)

	if got := readReg(t, tr, base, RegQueueReady); got != 1 {
		t.Fatalf("expected queue ready")
	}

	writeReg(t, tr, base, RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)

	if !tr.activated {
		t.Fatalf("expected activation on DRIVER_OK")
	}
	if tr.queueState[0].DescTableAddr != 0x1000 {
		t.Fatalf("unexpected desc table addr: 0x%x", tr.queueState[0].DescTableAddr)
	}
}

func TestTransportQueueNumExceedsMaxRejected(t *testing.T) {
	const base = 0xd0000000
	dev := NewBlockDevice(nil, nil, 1<<20)
	binder := &fakeBinder{}
	tr, err := NewMMIOTransport(base, dev, binder)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, blkQueueSize+1)
	if err := tr.WriteMMIO(nil, base+RegQueueNum, buf); err == nil {
		t.Fatalf("expected error for oversized queue")
	}
}

func TestUpdateDriveConfigSpaceAndInterrupt(t *testing.T) {
	const base = 0xd0000000
	dev := NewBlockDevice(nil, nil, 1<<20)
	binder := &fakeBinder{}
	tr, err := NewMMIOTransport(base, dev, binder)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	payload, err := tr.BuildConfigSpace(2 << 20)
	if err != nil {
		t.Fatalf("build config space: %v", err)
	}
	if err := tr.WriteMMIO(nil, base+ConfigSpaceOffset, payload); err != nil {
		t.Fatalf("write config space: %v", err)
	}
	tr.PulseConfigInterrupt()

	readBuf := make([]byte, len(payload))
	if err := tr.ReadMMIO(nil, base+ConfigSpaceOffset, readBuf); err != nil {
		t.Fatalf("read config space: %v", err)
	}
	gotSectors := binary.LittleEndian.Uint64(readBuf[:8])
	if wantSectors := uint64(2<<20) / 512; gotSectors != wantSectors {
		t.Fatalf("got %d sectors, want %d", gotSectors, wantSectors)
	}

	status := tr.interruptStatus.Load()
	if status&IntConfig == 0 {
		t.Fatalf("expected IntConfig bit set, got 0x%x", status)
	}
}
