package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmmio/internal/hv"
)

// MMIOTransport wraps an opaque Device with the virtio-MMIO register file,
// translating guest register accesses into the Device capability calls and
// owning the per-queue and interrupt event descriptors the hypervisor binds
// via ioeventfd/irqfd.
type MMIOTransport struct {
	mu sync.Mutex

	base   uint64
	device Device

	queueMax []uint16

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	queueSel          uint32
	queueNum          []uint32
	queueReady        []bool
	queueState        []QueueState

	status           uint32
	configGeneration uint32
	interruptStatus  atomic.Uint32

	queueEvts   []hv.EventDescriptor
	interruptEvt hv.EventDescriptor

	activated bool
}

// NewMMIOTransport constructs the register file for dev at base, allocating
// one event descriptor per queue plus one interrupt event descriptor
// through binder. It does not yet register them as ioeventfd/irqfd — that
// is the caller's (Manager's) responsibility once the transport is
// constructed, so a failed bus insertion does not leave stray hypervisor
// registrations from this step alone.
func NewMMIOTransport(base uint64, dev Device, binder hv.EventBinder) (*MMIOTransport, error) {
	maxSizes := dev.QueueMaxSizes()
	n := len(maxSizes)

	t := &MMIOTransport{
		base:       base,
		device:     dev,
		queueMax:   maxSizes,
		queueNum:   make([]uint32, n),
		queueReady: make([]bool, n),
		queueState: make([]QueueState, n),
		queueEvts:  make([]hv.EventDescriptor, n),
	}

	interruptEvt, err := binder.NewEventDescriptor()
	if err != nil {
		return nil, fmt.Errorf("virtio: allocate interrupt event: %w", err)
	}
	t.interruptEvt = interruptEvt

	for i := range t.queueEvts {
		evt, err := binder.NewEventDescriptor()
		if err != nil {
			return nil, fmt.Errorf("virtio: allocate queue %d event: %w", i, err)
		}
		t.queueEvts[i] = evt
	}

	return t, nil
}

// QueueEventDescriptors returns the per-queue descriptors in queue-index
// order, for the caller to register with RegisterIOEvent.
func (t *MMIOTransport) QueueEventDescriptors() []hv.EventDescriptor {
	return t.queueEvts
}

// InterruptDescriptor returns the descriptor to register with RegisterIRQFD.
func (t *MMIOTransport) InterruptDescriptor() hv.EventDescriptor {
	return t.interruptEvt
}

// Init implements hv.Device.
func (t *MMIOTransport) Init(vm hv.VirtualMachine) error {
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (t *MMIOTransport) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: t.base, Size: SlotSize}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (t *MMIOTransport) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if addr < t.base || addr+uint64(len(data)) > t.base+SlotSize {
		return fmt.Errorf("virtio-mmio: address 0x%x out of bounds", addr)
	}
	offset := addr - t.base

	if offset >= ConfigSpaceOffset {
		t.device.ReadConfig(offset-ConfigSpaceOffset, data)
		return nil
	}

	if len(data) != 4 || offset%4 != 0 {
		return fmt.Errorf("virtio-mmio: unsupported read width at offset 0x%x", offset)
	}

	t.mu.Lock()
	value := t.readRegister(offset)
	t.mu.Unlock()

	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (t *MMIOTransport) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if addr < t.base || addr+uint64(len(data)) > t.base+SlotSize {
		return fmt.Errorf("virtio-mmio: address 0x%x out of bounds", addr)
	}
	offset := addr - t.base

	if offset >= ConfigSpaceOffset {
		t.device.WriteConfig(offset-ConfigSpaceOffset, data)
		return nil
	}

	if len(data) != 4 || offset%4 != 0 {
		return fmt.Errorf("virtio-mmio: unsupported write width at offset 0x%x", offset)
	}

	value := binary.LittleEndian.Uint32(data)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeRegister(offset, value)
}

func (t *MMIOTransport) readRegister(offset uint64) uint32 {
	switch offset {
	case RegMagicValue:
		return magicValue
	case RegVersion:
		return mmioVersion
	case RegDeviceID:
		return t.device.DeviceType()
	case RegVendorID:
		return 0x4d4d4956 // "VIMM"
	case RegDeviceFeatures:
		return t.deviceFeatureBits()
	case RegQueueNumMax:
		if int(t.queueSel) < len(t.queueMax) {
			return uint32(t.queueMax[t.queueSel])
		}
		return 0
	case RegQueueReady:
		if int(t.queueSel) < len(t.queueReady) && t.queueReady[t.queueSel] {
			return 1
		}
		return 0
	case RegInterruptStatus:
		return t.interruptStatus.Load()
	case RegStatus:
		return t.status
	case RegConfigGeneration:
		return t.configGeneration
	default:
		return 0
	}
}

// deviceFeatureBits is a stand-in for a richer per-page feature query; real
// devices with >32 feature bits should extend this alongside AckFeatures.
func (t *MMIOTransport) deviceFeatureBits() uint32 {
	if t.deviceFeaturesSel == 0 {
		return 1 // VIRTIO_F_VERSION_1 lives in bit 32 of the 64-bit feature space; page 1 would carry it
	}
	return 0
}

func (t *MMIOTransport) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case RegDeviceFeaturesSel:
		t.deviceFeaturesSel = value
	case RegDriverFeaturesSel:
		t.driverFeaturesSel = value
	case RegDriverFeatures:
		t.device.AckFeatures(t.driverFeaturesSel, value)
		t.configGeneration++
	case RegQueueSel:
		t.queueSel = value
	case RegQueueNum:
		if int(t.queueSel) >= len(t.queueNum) {
			return fmt.Errorf("virtio-mmio: queue %d out of range", t.queueSel)
		}
		if int(t.queueSel) < len(t.queueMax) && uint16(value) > t.queueMax[t.queueSel] {
			return fmt.Errorf("virtio-mmio: queue %d size %d exceeds max %d", t.queueSel, value, t.queueMax[t.queueSel])
		}
		t.queueNum[t.queueSel] = value
	case RegQueueReady:
		if int(t.queueSel) >= len(t.queueReady) {
			return fmt.Errorf("virtio-mmio: queue %d out of range", t.queueSel)
		}
		t.queueReady[t.queueSel] = value != 0
		if value != 0 && int(t.queueSel) < len(t.queueState) {
			t.queueState[t.queueSel].Size = uint16(t.queueNum[t.queueSel])
		}
	case RegQueueDescLow:
		t.setQueueAddrLow(&t.queueState[t.queueSel].DescTableAddr, value)
	case RegQueueDescHigh:
		t.setQueueAddrHigh(&t.queueState[t.queueSel].DescTableAddr, value)
	case RegQueueAvailLow:
		t.setQueueAddrLow(&t.queueState[t.queueSel].AvailRingAddr, value)
	case RegQueueAvailHigh:
		t.setQueueAddrHigh(&t.queueState[t.queueSel].AvailRingAddr, value)
	case RegQueueUsedLow:
		t.setQueueAddrLow(&t.queueState[t.queueSel].UsedRingAddr, value)
	case RegQueueUsedHigh:
		t.setQueueAddrHigh(&t.queueState[t.queueSel].UsedRingAddr, value)
	case RegInterruptAck:
		t.interruptStatus.Store(t.interruptStatus.Load() &^ value)
	case RegStatus:
		prev := t.status
		t.status = value
		if value == 0 {
			// guest-initiated device reset
			t.activated = false
			for i := range t.queueReady {
				t.queueReady[i] = false
			}
		}
		if value&StatusDriverOK != 0 && prev&StatusDriverOK == 0 && !t.activated {
			return t.activate()
		}
	case RegQueueNotify:
		// reached only when the hypervisor does not support ioeventfd;
		// under KVM this register is served entirely by the kernel.
	default:
	}
	return nil
}

func (t *MMIOTransport) setQueueAddrLow(field *uint64, value uint32) {
	if int(t.queueSel) >= len(t.queueState) {
		return
	}
	*field = (*field &^ 0xffffffff) | uint64(value)
}

func (t *MMIOTransport) setQueueAddrHigh(field *uint64, value uint32) {
	if int(t.queueSel) >= len(t.queueState) {
		return
	}
	*field = (*field & 0xffffffff) | (uint64(value) << 32)
}

func (t *MMIOTransport) activate() error {
	t.activated = true

	signalers := make([]EventSignaler, len(t.queueEvts))
	for i, evt := range t.queueEvts {
		signalers[i] = evt
	}

	return t.device.Activate(append([]QueueState(nil), t.queueState...), signalers, t.interruptEvt)
}

// PulseConfigInterrupt implements the resizableDevice surface the device
// manager's UpdateDrive path consumes: it sets the config-change cause bit
// and fires the interrupt descriptor.
func (t *MMIOTransport) PulseConfigInterrupt() {
	t.interruptStatus.Store(t.interruptStatus.Load() | IntConfig)
	_ = t.interruptEvt.Signal()
}

// BuildConfigSpace implements the device manager's resizableDevice surface.
// If the wrapped Device implements ConfigSpaceBuilder, the call is
// delegated; otherwise the new size in bytes is encoded as a little-endian
// uint64 count of 512-byte sectors, the virtio-block capacity-field
// convention.
func (t *MMIOTransport) BuildConfigSpace(newSize uint64) ([]byte, error) {
	if builder, ok := t.device.(ConfigSpaceBuilder); ok {
		return builder.BuildConfigSpace(newSize)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, newSize/512)
	return buf, nil
}

var _ hv.MemoryMappedIODevice = (*MMIOTransport)(nil)
