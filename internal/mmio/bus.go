// Package mmio provides register-width access to memory-mapped device
// registers and typed handles over individual registers.
package mmio

import "fmt"

// Bus performs single loads and stores of a fixed width at absolute
// addresses. Implementations must not split or merge accesses: device
// registers have side effects that depend on the access width.
type Bus interface {
	Read8(addr uint64) uint8
	Read16(addr uint64) uint16
	Read32(addr uint64) uint32
	Read64(addr uint64) uint64
	Write8(addr uint64, value uint8)
	Write16(addr uint64, value uint16)
	Write32(addr uint64, value uint32)
	Write64(addr uint64, value uint64)
}

// Read performs a load of the given width (1, 2, 4 or 8 bytes) and returns
// it zero-extended.
func Read(bus Bus, addr uint64, width int) uint64 {
	switch width {
	case 1:
		return uint64(bus.Read8(addr))
	case 2:
		return uint64(bus.Read16(addr))
	case 4:
		return uint64(bus.Read32(addr))
	case 8:
		return bus.Read64(addr)
	default:
		panic(fmt.Sprintf("mmio: unsupported access width %d", width))
	}
}

// Write performs a store of the given width (1, 2, 4 or 8 bytes).
func Write(bus Bus, addr uint64, width int, value uint64) {
	switch width {
	case 1:
		bus.Write8(addr, uint8(value))
	case 2:
		bus.Write16(addr, uint16(value))
	case 4:
		bus.Write32(addr, uint32(value))
	case 8:
		bus.Write64(addr, value)
	default:
		panic(fmt.Sprintf("mmio: unsupported access width %d", width))
	}
}
