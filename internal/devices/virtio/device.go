// Package virtio emulates the device side of virtio over the PCI transport,
// so guest drivers can be exercised without hardware.
package virtio

// Backend is the transport-independent part of an emulated virtio device.
type Backend interface {
	// DeviceType returns the virtio device type (2 for block).
	DeviceType() uint16

	// Features returns the full 64-bit feature set offered to the driver.
	Features() uint64

	NumQueues() int
	QueueMaxSize(index int) uint16

	// ConfigBytes returns the current device-specific configuration
	// structure in its little-endian layout.
	ConfigBytes() []byte

	// AcceptFeatures is consulted when the driver sets FEATURES_OK. Returning
	// false leaves FEATURES_OK clear.
	AcceptFeatures(accepted uint64) bool

	// ProcessQueue handles every chain the driver has made available on q.
	ProcessQueue(index int, q *VirtQueue) error

	Reset()
}

// Feature bits shared by every device.
const (
	FeatureVersion1 = uint64(1) << 32
)
