package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Direct dereferences bus addresses as pointers in the current address
// space. It is the only place in the module that turns integers into
// pointers.
type Direct struct{}

// NewDirect returns a Bus over the caller's address space.
//
// Every address later passed to the returned Bus must refer to live,
// mapped, suitably aligned memory or device registers for the full width
// of the access. Nothing checks this; a wrong address faults or corrupts
// memory.
func NewDirect() Direct {
	return Direct{}
}

func ptr(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

//go:noinline
func (Direct) Read8(addr uint64) uint8 {
	return *(*uint8)(ptr(addr))
}

//go:noinline
func (Direct) Read16(addr uint64) uint16 {
	return *(*uint16)(ptr(addr))
}

func (Direct) Read32(addr uint64) uint32 {
	return atomic.LoadUint32((*uint32)(ptr(addr)))
}

func (Direct) Read64(addr uint64) uint64 {
	return atomic.LoadUint64((*uint64)(ptr(addr)))
}

//go:noinline
func (Direct) Write8(addr uint64, value uint8) {
	*(*uint8)(ptr(addr)) = value
}

//go:noinline
func (Direct) Write16(addr uint64, value uint16) {
	*(*uint16)(ptr(addr)) = value
}

func (Direct) Write32(addr uint64, value uint32) {
	atomic.StoreUint32((*uint32)(ptr(addr)), value)
}

func (Direct) Write64(addr uint64, value uint64) {
	atomic.StoreUint64((*uint64)(ptr(addr)), value)
}

// AddrOf returns the address of the first byte of b, for use with Direct.
// The caller must keep b reachable for as long as the address is used.
func AddrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

var _ Bus = Direct{}
