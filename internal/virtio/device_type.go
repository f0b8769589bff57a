package virtio

import "fmt"

const (
	VendorID = 0x1af4

	// Modern (virtio 1.0) PCI device ids are 0x1040 plus the virtio device
	// type.
	modernDeviceIDBase = 0x1040
)

// DeviceType is the kind of virtio device behind a PCI function.
type DeviceType uint8

const (
	DeviceNetwork DeviceType = iota + 1
	DeviceBlock
	DeviceMemoryBallooning
	DeviceConsole
	DeviceScsiHost
	DeviceEntropySource
	DeviceFileSystem9P
)

func (t DeviceType) String() string {
	switch t {
	case DeviceNetwork:
		return "Network"
	case DeviceBlock:
		return "Block"
	case DeviceMemoryBallooning:
		return "MemoryBallooning"
	case DeviceConsole:
		return "Console"
	case DeviceScsiHost:
		return "ScsiHost"
	case DeviceEntropySource:
		return "EntropySource"
	case DeviceFileSystem9P:
		return "FileSystem9P"
	default:
		return fmt.Sprintf("DeviceType(%d)", uint8(t))
	}
}

// deviceTypes maps transitional PCI device ids and modern ones
// (0x1040 + virtio type) to device kinds.
var deviceTypes = map[uint16]DeviceType{
	0x1000: DeviceNetwork,
	0x1001: DeviceBlock,
	0x1002: DeviceMemoryBallooning,
	0x1003: DeviceConsole,
	0x1004: DeviceScsiHost,
	0x1005: DeviceEntropySource,
	0x1009: DeviceFileSystem9P,

	modernDeviceIDBase + 1: DeviceNetwork,
	modernDeviceIDBase + 2: DeviceBlock,
	modernDeviceIDBase + 3: DeviceConsole,
	modernDeviceIDBase + 4: DeviceEntropySource,
	modernDeviceIDBase + 5: DeviceMemoryBallooning,
	modernDeviceIDBase + 8: DeviceScsiHost,
	modernDeviceIDBase + 9: DeviceFileSystem9P,
}

// LookupDeviceType maps a PCI device id to its kind.
func LookupDeviceType(deviceID uint16) (DeviceType, bool) {
	t, ok := deviceTypes[deviceID]
	return t, ok
}
