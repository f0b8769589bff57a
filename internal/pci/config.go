// Package pci locates PCI functions and decodes their configuration space:
// BARs, the capability list and virtio vendor capabilities.
package pci

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wyfcyx/virtio-drivers/internal/mmio"
)

// Type 0 configuration header offsets.
const (
	RegVendorID      = 0x00
	RegDeviceID      = 0x02
	RegCommand       = 0x04
	RegStatus        = 0x06
	RegRevision      = 0x08
	RegProgIF        = 0x09
	RegSubclass      = 0x0a
	RegClass         = 0x0b
	RegHeaderType    = 0x0e
	RegBAR0          = 0x10
	RegSubsysVendor  = 0x2c
	RegSubsysID      = 0x2e
	RegCapPointer    = 0x34
	RegInterruptLine = 0x3c
)

const (
	CommandIOSpace     = 1 << 0
	CommandMemorySpace = 1 << 1
	CommandBusMaster   = 1 << 2

	StatusCapabilitiesList = 1 << 4

	headerTypeMultiFunction = 0x80
	invalidVendorID         = 0xffff
)

// ConfigSpace reads and writes one function's configuration space.
type ConfigSpace interface {
	Read8(offset uint16) uint8
	Read16(offset uint16) uint16
	Read32(offset uint16) uint32
	Write16(offset uint16, value uint16)
	Write32(offset uint16, value uint32)
}

// Mapped is a ConfigSpace that is memory-mapped on a bus, so structures
// inside it can be read in place later.
type Mapped interface {
	ConfigSpace
	Bus() mmio.Bus
	Addr(offset uint16) uint64
}

// Address is a bus/device/function triple.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Device, a.Function)
}

// SysfsName returns the name used under /sys/bus/pci/devices, with
// domain 0.
func (a Address) SysfsName() string {
	return "0000:" + a.String()
}

// ParseAddress accepts "bb:dd.f" with an optional "dddd:" domain prefix.
// Domains other than 0 are rejected.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
	case 3:
		if d, err := strconv.ParseUint(parts[0], 16, 16); err != nil || d != 0 {
			return Address{}, fmt.Errorf("pci: unsupported domain in %q", s)
		}
		parts = parts[1:]
	default:
		return Address{}, fmt.Errorf("pci: malformed address %q", s)
	}
	devFn := strings.Split(parts[1], ".")
	if len(devFn) != 2 {
		return Address{}, fmt.Errorf("pci: malformed address %q", s)
	}
	bus, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("pci: bad bus in %q: %w", s, err)
	}
	dev, err := strconv.ParseUint(devFn[0], 16, 8)
	if err != nil || dev > 0x1f {
		return Address{}, fmt.Errorf("pci: bad device in %q", s)
	}
	fn, err := strconv.ParseUint(devFn[1], 16, 8)
	if err != nil || fn > 7 {
		return Address{}, fmt.Errorf("pci: bad function in %q", s)
	}
	return Address{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}, nil
}

// Info is the identity part of a function's configuration header.
type Info struct {
	Address        Address
	VendorID       uint16
	DeviceID       uint16
	Revision       uint8
	ProgIF         uint8
	Subclass       uint8
	Class          uint8
	HeaderType     uint8
	SubsysVendorID uint16
	SubsysID       uint16
}

func (i Info) String() string {
	return fmt.Sprintf("%s [%04x:%04x] class %02x%02x rev %02x", i.Address, i.VendorID, i.DeviceID, i.Class, i.Subclass, i.Revision)
}

// ReadInfo decodes the identity fields of cs. ok is false when no function
// responds (vendor id 0xffff).
func ReadInfo(addr Address, cs ConfigSpace) (info Info, ok bool) {
	vendor := cs.Read16(RegVendorID)
	if vendor == invalidVendorID {
		return Info{}, false
	}
	return Info{
		Address:        addr,
		VendorID:       vendor,
		DeviceID:       cs.Read16(RegDeviceID),
		Revision:       cs.Read8(RegRevision),
		ProgIF:         cs.Read8(RegProgIF),
		Subclass:       cs.Read8(RegSubclass),
		Class:          cs.Read8(RegClass),
		HeaderType:     cs.Read8(RegHeaderType),
		SubsysVendorID: cs.Read16(RegSubsysVendor),
		SubsysID:       cs.Read16(RegSubsysID),
	}, true
}

// Enable turns on memory decoding and bus mastering.
func Enable(cs ConfigSpace) {
	cmd := cs.Read16(RegCommand)
	cs.Write16(RegCommand, cmd|CommandMemorySpace|CommandBusMaster)
}
