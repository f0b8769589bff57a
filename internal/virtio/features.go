package virtio

import (
	"fmt"
	"math/bits"
	"strings"
)

// Features is a 64-bit virtio feature bitmap.
type Features uint64

// Device-independent feature bits.
const (
	FeatureNotifyOnEmpty    Features = 1 << 24
	FeatureAnyLayout        Features = 1 << 27
	FeatureRingIndirectDesc Features = 1 << 28
	FeatureRingEventIdx     Features = 1 << 29
	FeatureVersion1         Features = 1 << 32
	FeatureAccessPlatform   Features = 1 << 33
	FeatureRingPacked       Features = 1 << 34
	FeatureInOrder          Features = 1 << 35
	FeatureOrderPlatform    Features = 1 << 36
	FeatureSRIOV            Features = 1 << 37
	FeatureNotificationData Features = 1 << 38
)

// Block device feature bits.
const (
	BlkFeatureSizeMax     Features = 1 << 1
	BlkFeatureSegMax      Features = 1 << 2
	BlkFeatureGeometry    Features = 1 << 4
	BlkFeatureRO          Features = 1 << 5
	BlkFeatureBlkSize     Features = 1 << 6
	BlkFeatureFlush       Features = 1 << 9
	BlkFeatureTopology    Features = 1 << 10
	BlkFeatureConfigWCE   Features = 1 << 11
	BlkFeatureDiscard     Features = 1 << 13
	BlkFeatureWriteZeroes Features = 1 << 14
)

var featureNames = map[Features]string{
	FeatureNotifyOnEmpty:    "NOTIFY_ON_EMPTY",
	FeatureAnyLayout:        "ANY_LAYOUT",
	FeatureRingIndirectDesc: "RING_INDIRECT_DESC",
	FeatureRingEventIdx:     "RING_EVENT_IDX",
	FeatureVersion1:         "VERSION_1",
	FeatureAccessPlatform:   "ACCESS_PLATFORM",
	FeatureRingPacked:       "RING_PACKED",
	FeatureInOrder:          "IN_ORDER",
	FeatureOrderPlatform:    "ORDER_PLATFORM",
	FeatureSRIOV:            "SR_IOV",
	FeatureNotificationData: "NOTIFICATION_DATA",
	BlkFeatureSizeMax:       "BLK_SIZE_MAX",
	BlkFeatureSegMax:        "BLK_SEG_MAX",
	BlkFeatureGeometry:      "BLK_GEOMETRY",
	BlkFeatureRO:            "BLK_RO",
	BlkFeatureBlkSize:       "BLK_BLK_SIZE",
	BlkFeatureFlush:         "BLK_FLUSH",
	BlkFeatureTopology:      "BLK_TOPOLOGY",
	BlkFeatureConfigWCE:     "BLK_CONFIG_WCE",
	BlkFeatureDiscard:       "BLK_DISCARD",
	BlkFeatureWriteZeroes:   "BLK_WRITE_ZEROES",
}

func (f Features) Has(other Features) bool {
	return f&other == other
}

// String lists the named bits. Block bits are named regardless of the
// device type.
func (f Features) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for rest := uint64(f); rest != 0; rest &= rest - 1 {
		bit := Features(1) << bits.TrailingZeros64(rest)
		if name, ok := featureNames[bit]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, fmt.Sprintf("bit%d", bits.TrailingZeros64(rest)))
		}
	}
	return strings.Join(parts, "|")
}

// Negotiator receives the device feature bitmap and returns the subset the
// driver accepts.
type Negotiator func(device Features) Features

// NegotiateNone accepts no optional features.
func NegotiateNone(Features) Features { return 0 }

// NegotiateMask accepts the offered bits that are also in want.
func NegotiateMask(want Features) Negotiator {
	return func(device Features) Features { return device & want }
}
