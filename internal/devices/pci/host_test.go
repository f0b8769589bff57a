package pci

import (
	"encoding/binary"
	"testing"

	"github.com/wyfcyx/virtio-drivers/internal/hv"
)

type fakeEndpoint struct {
	regs       [256]byte
	reprograms map[int]uint32
}

func newFakeEndpoint(vendor, device uint16) *fakeEndpoint {
	e := &fakeEndpoint{reprograms: make(map[int]uint32)}
	binary.LittleEndian.PutUint16(e.regs[0:], vendor)
	binary.LittleEndian.PutUint16(e.regs[2:], device)
	return e
}

func (e *fakeEndpoint) ConfigSpace() ConfigSpace { return e }

func (e *fakeEndpoint) OnBARReprogram(index int, value uint32) error {
	e.reprograms[index] = value
	return nil
}

func (e *fakeEndpoint) ReadConfig(offset uint16, size uint8) (uint32, error) {
	var value uint32
	for i := uint8(0); i < size; i++ {
		value |= uint32(e.regs[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

func (e *fakeEndpoint) WriteConfig(offset uint16, size uint8, value uint32) error {
	for i := uint8(0); i < size; i++ {
		e.regs[int(offset)+int(i)] = byte(value >> (8 * i))
	}
	return nil
}

func ecamOffset(bus, dev, fn uint8, reg uint16) uint64 {
	return uint64(bus)<<20 | uint64(dev)<<15 | uint64(fn)<<12 | uint64(reg)
}

func TestHostBridgeConfigAccess(t *testing.T) {
	const base = 0x3000_0000
	host := NewHostBridge(HostBridgeConfig{ConfigBase: base, MaxBus: 1})
	ep := newFakeEndpoint(0x1af4, 0x1042)
	if _, err := host.RegisterEndpoint(1, 3, 0, ep); err != nil {
		t.Fatalf("register: %v", err)
	}

	t.Run("root bridge", func(t *testing.T) {
		buf := make([]byte, 4)
		if err := host.ReadMMIO(base, buf); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := binary.LittleEndian.Uint16(buf); got != 0x1b36 {
			t.Fatalf("root vendor = %#x, want 0x1b36", got)
		}
	})

	t.Run("endpoint beyond bus 0", func(t *testing.T) {
		buf := make([]byte, 4)
		if err := host.ReadMMIO(base+ecamOffset(1, 3, 0, 0), buf); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := binary.LittleEndian.Uint32(buf); got != 0x1042_1af4 {
			t.Fatalf("id dword = %#x, want 0x10421af4", got)
		}
	})

	t.Run("absent function reads all ones", func(t *testing.T) {
		buf := make([]byte, 2)
		if err := host.ReadMMIO(base+ecamOffset(0, 7, 0, 0), buf); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := binary.LittleEndian.Uint16(buf); got != 0xffff {
			t.Fatalf("vendor = %#x, want 0xffff", got)
		}
	})

	t.Run("outside window", func(t *testing.T) {
		if err := host.ReadMMIO(base+host.MMIORegions()[0].Size, make([]byte, 4)); err == nil {
			t.Fatal("expected error outside config window")
		}
	})

	t.Run("BAR write notifies endpoint", func(t *testing.T) {
		buf := make([]byte, 4)
		addr := base + ecamOffset(1, 3, 0, type0BAROffset+8)

		binary.LittleEndian.PutUint32(buf, 0xffff_ffff)
		if err := host.WriteMMIO(addr, buf); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, ok := ep.reprograms[2]; ok {
			t.Fatal("sizing write must not reprogram the BAR")
		}

		binary.LittleEndian.PutUint32(buf, 0x2000_0000)
		if err := host.WriteMMIO(addr, buf); err != nil {
			t.Fatalf("write: %v", err)
		}
		if got := ep.reprograms[2]; got != 0x2000_0000 {
			t.Fatalf("reprogram value = %#x, want 0x20000000", got)
		}
	})
}

func TestHostBridgeRegisterEndpoint(t *testing.T) {
	host := NewHostBridge(HostBridgeConfig{ConfigBase: 0x3000_0000})
	if _, err := host.RegisterEndpoint(0, 0, 0, newFakeEndpoint(1, 2)); err == nil {
		t.Fatal("expected error registering at the bridge location")
	}
	if _, err := host.RegisterEndpoint(1, 1, 0, newFakeEndpoint(1, 2)); err == nil {
		t.Fatal("expected error for bus beyond MaxBus")
	}
	if _, err := host.RegisterEndpoint(0, 1, 0, newFakeEndpoint(1, 2)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := host.RegisterEndpoint(0, 1, 0, newFakeEndpoint(1, 2)); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestBARAllocation(t *testing.T) {
	as := hv.NewAddressSpace(0x4000_0000, 0x10_0000)
	host := NewHostBridge(HostBridgeConfig{
		ConfigBase:   0x3000_0000,
		BARAllocator: AddressSpaceAllocator{Space: as},
	})
	handle, err := host.RegisterEndpoint(0, 1, 0, newFakeEndpoint(1, 2))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	a, err := handle.AllocateMemoryBAR(0, 0x4000, 0x4000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if a%0x4000 != 0 || a < as.RAMEnd() {
		t.Fatalf("BAR base %#x misaligned or inside RAM", a)
	}
	if _, err := handle.AllocateMemoryBAR(6, 0x1000, 0); err == nil {
		t.Fatal("expected error for BAR index 6")
	}

	linear := newLinearAllocator(0x1000, 0x2000)
	if _, err := linear.Allocate(false, 0x2000, 0x1000); err != nil {
		t.Fatalf("linear allocate: %v", err)
	}
	if _, err := linear.Allocate(false, 0x1000, 0x1000); err == nil {
		t.Fatal("expected exhaustion")
	}
}
