package mmio

import "unsafe"

// Width is the set of register value types.
type Width interface {
	uint8 | uint16 | uint32 | uint64
}

func load[T Width](bus Bus, addr uint64) T {
	var v T
	return T(Read(bus, addr, int(unsafe.Sizeof(v))))
}

func store[T Width](bus Bus, addr uint64, value T) {
	Write(bus, addr, int(unsafe.Sizeof(value)), uint64(value))
}

// RO is a read-only register.
type RO[T Width] struct {
	bus  Bus
	addr uint64
}

func NewRO[T Width](bus Bus, addr uint64) RO[T] {
	return RO[T]{bus: bus, addr: addr}
}

func (r RO[T]) Read() T { return load[T](r.bus, r.addr) }

func (r RO[T]) Addr() uint64 { return r.addr }

// WO is a write-only register.
type WO[T Width] struct {
	bus  Bus
	addr uint64
}

func NewWO[T Width](bus Bus, addr uint64) WO[T] {
	return WO[T]{bus: bus, addr: addr}
}

func (r WO[T]) Write(value T) { store(r.bus, r.addr, value) }

func (r WO[T]) Addr() uint64 { return r.addr }

// RW is a read-write register.
type RW[T Width] struct {
	bus  Bus
	addr uint64
}

func NewRW[T Width](bus Bus, addr uint64) RW[T] {
	return RW[T]{bus: bus, addr: addr}
}

func (r RW[T]) Read() T { return load[T](r.bus, r.addr) }

func (r RW[T]) Write(value T) { store(r.bus, r.addr, value) }

func (r RW[T]) Addr() uint64 { return r.addr }

// Modify performs a read-modify-write of the register. The sequence is not
// atomic with respect to the device.
func (r RW[T]) Modify(fn func(T) T) {
	r.Write(fn(r.Read()))
}
