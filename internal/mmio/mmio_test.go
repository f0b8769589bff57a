package mmio

import (
	"encoding/binary"
	"runtime"
	"testing"
	"unsafe"
)

// memBus is a little-endian byte-addressed bus over a flat slice.
type memBus struct {
	base uint64
	data []byte
}

func (m *memBus) at(addr uint64, n int) []byte {
	off := addr - m.base
	return m.data[off : off+uint64(n)]
}

func (m *memBus) Read8(addr uint64) uint8   { return m.at(addr, 1)[0] }
func (m *memBus) Read16(addr uint64) uint16 { return binary.LittleEndian.Uint16(m.at(addr, 2)) }
func (m *memBus) Read32(addr uint64) uint32 { return binary.LittleEndian.Uint32(m.at(addr, 4)) }
func (m *memBus) Read64(addr uint64) uint64 { return binary.LittleEndian.Uint64(m.at(addr, 8)) }
func (m *memBus) Write8(addr uint64, v uint8) {
	m.at(addr, 1)[0] = v
}
func (m *memBus) Write16(addr uint64, v uint16) { binary.LittleEndian.PutUint16(m.at(addr, 2), v) }
func (m *memBus) Write32(addr uint64, v uint32) { binary.LittleEndian.PutUint32(m.at(addr, 4), v) }
func (m *memBus) Write64(addr uint64, v uint64) { binary.LittleEndian.PutUint64(m.at(addr, 8), v) }

func TestRegisters(t *testing.T) {
	bus := &memBus{base: 0x1000, data: make([]byte, 64)}

	rw := NewRW[uint16](bus, 0x1004)
	rw.Write(0xbeef)
	if got := rw.Read(); got != 0xbeef {
		t.Fatalf("RW16 read = %#x, want 0xbeef", got)
	}
	if bus.data[4] != 0xef || bus.data[5] != 0xbe {
		t.Fatalf("RW16 not little-endian: % x", bus.data[4:6])
	}

	ro := NewRO[uint32](bus, 0x1004)
	if got := ro.Read(); got != 0xbeef {
		t.Fatalf("RO32 read = %#x, want 0xbeef", got)
	}

	wo := NewWO[uint64](bus, 0x1008)
	wo.Write(0x1122334455667788)
	if got := binary.LittleEndian.Uint64(bus.data[8:16]); got != 0x1122334455667788 {
		t.Fatalf("WO64 wrote %#x", got)
	}

	status := NewRW[uint8](bus, 0x1010)
	status.Write(0x1)
	status.Modify(func(v uint8) uint8 { return v | 0x2 })
	if got := status.Read(); got != 0x3 {
		t.Fatalf("Modify result = %#x, want 0x3", got)
	}
}

func TestReadWriteWidthPanics(t *testing.T) {
	bus := &memBus{base: 0, data: make([]byte, 8)}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for width 3")
		}
	}()
	Read(bus, 0, 3)
}

func TestDirect(t *testing.T) {
	buf := make([]uint64, 4)
	base := uint64(uintptr(unsafe.Pointer(&buf[0])))

	d := NewDirect()
	d.Write32(base, 0xcafebabe)
	d.Write16(base+8, 0x1234)
	d.Write8(base+10, 0x56)
	d.Write64(base+16, 0x0102030405060708)

	if got := d.Read32(base); got != 0xcafebabe {
		t.Fatalf("Read32 = %#x", got)
	}
	if got := d.Read16(base + 8); got != 0x1234 {
		t.Fatalf("Read16 = %#x", got)
	}
	if got := d.Read8(base + 10); got != 0x56 {
		t.Fatalf("Read8 = %#x", got)
	}
	if got := d.Read64(base + 16); got != 0x0102030405060708 {
		t.Fatalf("Read64 = %#x", got)
	}
	if buf[2] != 0x0102030405060708 {
		t.Fatalf("backing store = %#x", buf[2])
	}
	runtime.KeepAlive(buf)
}

func TestTraced(t *testing.T) {
	var seen []Access
	bus := &Traced{
		Bus:     &memBus{base: 0, data: make([]byte, 16)},
		Observe: func(a Access) { seen = append(seen, a) },
	}
	bus.Write8(0x4, 0x7)
	_ = bus.Read8(0x4)

	if len(seen) != 2 {
		t.Fatalf("expected 2 accesses, got %d", len(seen))
	}
	if seen[0].Op != OpWrite || seen[0].Addr != 0x4 || seen[0].Value != 0x7 || seen[0].Width != 1 {
		t.Fatalf("unexpected write access %v", seen[0])
	}
	if seen[1].Op != OpRead || seen[1].Value != 0x7 {
		t.Fatalf("unexpected read access %v", seen[1])
	}
}
