package mmio

import (
	"fmt"

	"github.com/wyfcyx/virtio-drivers/internal/debug"
)

type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// Access describes one completed bus access.
type Access struct {
	Op    Op
	Addr  uint64
	Width int
	Value uint64
}

func (a Access) String() string {
	return fmt.Sprintf("%s%d %#x = %#x", a.Op, a.Width*8, a.Addr, a.Value)
}

// Traced forwards to an inner Bus and reports every access to the debug
// trace under Source and to Observe, when set.
type Traced struct {
	Bus     Bus
	Source  string
	Observe func(Access)
}

func (t *Traced) record(op Op, addr uint64, width int, value uint64) {
	a := Access{Op: op, Addr: addr, Width: width, Value: value}
	if t.Observe != nil {
		t.Observe(a)
	}
	if debug.Enabled() {
		source := t.Source
		if source == "" {
			source = "mmio"
		}
		debug.Write(source, a.String())
	}
}

func (t *Traced) Read8(addr uint64) uint8 {
	v := t.Bus.Read8(addr)
	t.record(OpRead, addr, 1, uint64(v))
	return v
}

func (t *Traced) Read16(addr uint64) uint16 {
	v := t.Bus.Read16(addr)
	t.record(OpRead, addr, 2, uint64(v))
	return v
}

func (t *Traced) Read32(addr uint64) uint32 {
	v := t.Bus.Read32(addr)
	t.record(OpRead, addr, 4, uint64(v))
	return v
}

func (t *Traced) Read64(addr uint64) uint64 {
	v := t.Bus.Read64(addr)
	t.record(OpRead, addr, 8, v)
	return v
}

func (t *Traced) Write8(addr uint64, value uint8) {
	t.Bus.Write8(addr, value)
	t.record(OpWrite, addr, 1, uint64(value))
}

func (t *Traced) Write16(addr uint64, value uint16) {
	t.Bus.Write16(addr, value)
	t.record(OpWrite, addr, 2, uint64(value))
}

func (t *Traced) Write32(addr uint64, value uint32) {
	t.Bus.Write32(addr, value)
	t.record(OpWrite, addr, 4, uint64(value))
}

func (t *Traced) Write64(addr uint64, value uint64) {
	t.Bus.Write64(addr, value)
	t.record(OpWrite, addr, 8, value)
}

var _ Bus = (*Traced)(nil)
