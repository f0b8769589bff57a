// Package hv holds the machine-level plumbing shared by emulated devices:
// physical address allocation and the MMIO device interface.
package hv

import (
	"errors"
	"fmt"
)

var ErrUnhandledAccess = errors.New("unhandled MMIO access")

type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) Contains(addr uint64, length int) bool {
	return addr >= r.Address && addr+uint64(length) <= r.Address+r.Size && addr+uint64(length) >= addr
}

// MemoryMappedIODevice is a device whose registers are decoded from
// physical addresses. data holds the access in little-endian order and its
// length is the access width.
type MemoryMappedIODevice interface {
	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("%w: read from %#x", ErrUnhandledAccess, addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("%w: write to %#x", ErrUnhandledAccess, addr)
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
)

// MMIOAllocationRequest asks the AddressSpace for a window of physical
// address space.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

func (a MMIOAllocation) End() uint64 { return a.Base + a.Size }
