package virtio

// Device is the capability set an opaque virtio device implementation
// exposes to the MMIO transport. The transport owns register-file state and
// queue/interrupt event descriptors; the device owns the data plane (ring
// walking, backend I/O) once activated.
type Device interface {
	// DeviceType is the virtio device-type ID (e.g. 2 for block, 1 for net).
	DeviceType() uint32

	// QueueMaxSizes returns the maximum ring size for each queue the device
	// exposes, in queue-index order.
	QueueMaxSizes() []uint16

	// AckFeatures is called once per 32-bit feature page as the driver
	// negotiates feature bits; page is the page selected via
	// RegDriverFeaturesSel.
	AckFeatures(page uint32, value uint32)

	// ReadConfig/WriteConfig access the device-specific configuration region
	// at offsets relative to ConfigSpaceOffset.
	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte)

	// Activate is called once the driver has marked DRIVER_OK. queues
	// describes the negotiated ring geometry per queue index; queueEvts and
	// interruptEvt are the descriptors the hypervisor has already bound via
	// RegisterIOEvent/RegisterIRQFD. The device takes ownership of running
	// its data plane from this point on (typically on its own worker
	// goroutine), signalling interruptEvt itself to raise IntVring.
	Activate(queues []QueueState, queueEvts []EventSignaler, interruptEvt EventSignaler) error
}

// EventSignaler is the minimal surface a virtio device needs from a bound
// event descriptor: the ability to wake whatever is listening on it. It is
// satisfied by hv.EventDescriptor; defined narrowly here so this package
// does not need to import hv just to pass descriptors through.
type EventSignaler interface {
	Signal() error
}

// QueueState is the ring geometry the driver wrote for one queue before
// marking it ready.
type QueueState struct {
	Size          uint16
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
}

// ConfigSpaceBuilder is an optional capability a device implements when its
// configuration space can be regenerated from a single live-update
// parameter (a virtio-block size given in bytes and stored in the capacity
// field as 512-byte sectors, for example). The
// MMIO device manager uses it to serve drive-resize requests.
type ConfigSpaceBuilder interface {
	BuildConfigSpace(newSize uint64) ([]byte, error)
}
