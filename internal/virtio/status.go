package virtio

import (
	"fmt"
	"strings"
)

// DeviceStatus is the device status register. Bits are only ever added
// during initialization; the one exception is the reset write of zero.
type DeviceStatus uint8

const (
	StatusAcknowledge      DeviceStatus = 1
	StatusDriver           DeviceStatus = 2
	StatusDriverOK         DeviceStatus = 4
	StatusFeaturesOK       DeviceStatus = 8
	StatusDeviceNeedsReset DeviceStatus = 64
	StatusFailed           DeviceStatus = 128
)

var statusNames = []struct {
	bit  DeviceStatus
	name string
}{
	{StatusAcknowledge, "ACKNOWLEDGE"},
	{StatusDriver, "DRIVER"},
	{StatusDriverOK, "DRIVER_OK"},
	{StatusFeaturesOK, "FEATURES_OK"},
	{StatusDeviceNeedsReset, "DEVICE_NEEDS_RESET"},
	{StatusFailed, "FAILED"},
}

// Contains reports whether every bit of other is set in s.
func (s DeviceStatus) Contains(other DeviceStatus) bool {
	return s&other == other
}

func (s DeviceStatus) Union(other DeviceStatus) DeviceStatus {
	return s | other
}

func (s DeviceStatus) Intersect(other DeviceStatus) DeviceStatus {
	return s & other
}

func (s DeviceStatus) String() string {
	if s == 0 {
		return "RESET"
	}
	var parts []string
	rest := s
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("%#02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}
