package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	blkDeviceType  = 2
	blkQueueSize   = 256
	blkConfigBytes = 16 // capacity (8) + size_max/seg_max/geometry truncated for this surface
)

// BlockDevice is a minimal virtio-block backend: it serves config-space
// capacity and supports live resize through ConfigSpaceBuilder. Ring
// processing (descriptor walking, read/write against backend) is not
// implemented: Activate starts a goroutine that only waits for Stop, and
// no request is served and no interrupt is signalled.
type BlockDevice struct {
	mu       sync.Mutex
	backend  io.ReaderAt
	writable io.WriterAt
	sectors  uint64 // 512-byte sectors

	stopCh chan struct{}
}

// NewBlockDevice wraps backend, exposing sizeBytes worth of 512-byte
// sectors to the guest. writable may be nil for a read-only device.
func NewBlockDevice(backend io.ReaderAt, writable io.WriterAt, sizeBytes uint64) *BlockDevice {
	return &BlockDevice{
		backend:  backend,
		writable: writable,
		sectors:  sizeBytes / 512,
	}
}

// DeviceType implements Device.
func (b *BlockDevice) DeviceType() uint32 { return blkDeviceType }

// QueueMaxSizes implements Device.
func (b *BlockDevice) QueueMaxSizes() []uint16 { return []uint16{blkQueueSize} }

// AckFeatures implements Device.
func (b *BlockDevice) AckFeatures(page uint32, value uint32) {
	// no optional feature bits are currently negotiated away from defaults
}

// ReadConfig implements Device.
func (b *BlockDevice) ReadConfig(offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.configSpaceLocked()
	for i := range data {
		idx := offset + uint64(i)
		if idx < uint64(len(buf)) {
			data[i] = buf[idx]
		} else {
			data[i] = 0
		}
	}
}

// WriteConfig implements Device. The capacity field is host-owned; writes
// to it are ignored the way real virtio-block firmware ignores driver
// writes to read-only config fields.
func (b *BlockDevice) WriteConfig(offset uint64, data []byte) {}

// Activate implements Device.
func (b *BlockDevice) Activate(queues []QueueState, queueEvts []EventSignaler, interruptEvt EventSignaler) error {
	if len(queues) == 0 {
		return fmt.Errorf("virtio-blk: no queues negotiated")
	}

	b.mu.Lock()
	if b.stopCh != nil {
		b.mu.Unlock()
		return fmt.Errorf("virtio-blk: already activated")
	}
	stop := make(chan struct{})
	b.stopCh = stop
	b.mu.Unlock()

	slog.Debug("virtio-blk: activated", "queue_size", queues[0].Size)

	// The actual descriptor-ring walk against guest memory belongs to the
	// caller's memory handle, which this capability surface deliberately
	// does not receive (§6 places virtio device implementations beyond
	// their published surface out of scope). Real backends plug a
	// hv.MemoryRegion in here; this stub only demonstrates the
	// activation handshake and never signals interruptEvt.
	go func() {
		<-stop
	}()

	return nil
}

// Stop halts the device's worker goroutine. The queue and interrupt event
// descriptors are not closed.
func (b *BlockDevice) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopCh != nil {
		close(b.stopCh)
		b.stopCh = nil
	}
}

// BuildConfigSpace implements ConfigSpaceBuilder.
func (b *BlockDevice) BuildConfigSpace(newSize uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sectors = newSize / 512
	return b.configSpaceLocked(), nil
}

func (b *BlockDevice) configSpaceLocked() []byte {
	buf := make([]byte, blkConfigBytes)
	binary.LittleEndian.PutUint64(buf[0:8], b.sectors)
	return buf
}

var _ Device = (*BlockDevice)(nil)
var _ ConfigSpaceBuilder = (*BlockDevice)(nil)
