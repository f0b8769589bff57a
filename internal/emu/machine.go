// Package emu assembles an emulated machine: guest RAM, a PCIe host bridge
// and virtio devices, exposed to drivers as an mmio.Bus. Guest drivers run
// in-process against it, with device work done synchronously inside the
// register access that triggers it.
package emu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	devpci "github.com/wyfcyx/virtio-drivers/internal/devices/pci"
	"github.com/wyfcyx/virtio-drivers/internal/dma"
	"github.com/wyfcyx/virtio-drivers/internal/hv"
	"github.com/wyfcyx/virtio-drivers/internal/mmio"
	"github.com/wyfcyx/virtio-drivers/internal/pci"
)

const (
	DefaultRAMBase  = 0x4000_0000
	DefaultRAMSize  = 4 << 20
	DefaultECAMBase = 0x3000_0000
)

var ErrUnmapped = errors.New("emu: access to unmapped address")

type Config struct {
	RAMBase  uint64
	RAMSize  uint64
	ECAMBase uint64
	MaxBus   uint8
}

func (c Config) withDefaults() Config {
	if c.RAMBase == 0 {
		c.RAMBase = DefaultRAMBase
	}
	if c.RAMSize == 0 {
		c.RAMSize = DefaultRAMSize
	}
	if c.ECAMBase == 0 {
		c.ECAMBase = DefaultECAMBase
	}
	return c
}

// Machine is an emulated physical address space. It is safe for use from
// one goroutine at a time.
type Machine struct {
	mu sync.Mutex

	ram     []byte
	ramBase uint64
	space   *hv.AddressSpace
	host    *devpci.HostBridge
	devices []hv.MemoryMappedIODevice
	arena   *dma.Arena

	errs []error
}

func NewMachine(cfg Config) (*Machine, error) {
	cfg = cfg.withDefaults()
	space := hv.NewAddressSpace(cfg.RAMBase, cfg.RAMSize)

	ecamSize := (uint64(cfg.MaxBus) + 1) << 20
	if err := space.RegisterFixed("pci-ecam", cfg.ECAMBase, ecamSize); err != nil {
		return nil, err
	}

	m := &Machine{
		ram:     make([]byte, cfg.RAMSize),
		ramBase: cfg.RAMBase,
		space:   space,
	}
	m.host = devpci.NewHostBridge(devpci.HostBridgeConfig{
		ConfigBase:   cfg.ECAMBase,
		ConfigSize:   ecamSize,
		MaxBus:       cfg.MaxBus,
		BARAllocator: devpci.AddressSpaceAllocator{Space: space},
	})
	m.devices = append(m.devices, m.host)
	m.arena = dma.NewArena(m.ram, cfg.RAMBase)
	return m, nil
}

func (m *Machine) Host() *devpci.HostBridge { return m.host }

func (m *Machine) AddressSpace() *hv.AddressSpace { return m.space }

// DMA returns the allocator handing out guest RAM.
func (m *Machine) DMA() *dma.Arena { return m.arena }

// ECAM returns the configuration access window as seen by a guest driver.
func (m *Machine) ECAM() *pci.ECAM { return pci.NewECAM(m, m.host.ConfigBase()) }

// AddDevice maps dev's MMIO regions. Regions are looked up on every access
// so BAR moves take effect immediately.
func (m *Machine) AddDevice(dev hv.MemoryMappedIODevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, dev)
}

// Err returns every access error recorded since the last call and clears
// the record.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := errors.Join(m.errs...)
	m.errs = nil
	return err
}

func (m *Machine) record(err error) {
	slog.Warn("emu: access failed", "err", err)
	m.mu.Lock()
	m.errs = append(m.errs, err)
	m.mu.Unlock()
}

func (m *Machine) ramSlice(addr uint64, length int) ([]byte, bool) {
	if !m.space.IsRAM(addr, length) {
		return nil, false
	}
	off := addr - m.ramBase
	return m.ram[off : off+uint64(length)], true
}

func (m *Machine) device(addr uint64, length int) hv.MemoryMappedIODevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dev := range m.devices {
		for _, r := range dev.MMIORegions() {
			if r.Contains(addr, length) {
				return dev
			}
		}
	}
	return nil
}

func (m *Machine) load(addr uint64, width int) uint64 {
	if mem, ok := m.ramSlice(addr, width); ok {
		var buf [8]byte
		copy(buf[:], mem)
		return binary.LittleEndian.Uint64(buf[:])
	}
	data := make([]byte, width)
	dev := m.device(addr, width)
	if dev == nil {
		m.record(fmt.Errorf("%w: %d-byte read at %#x", ErrUnmapped, width, addr))
		return ^uint64(0) >> (64 - 8*width)
	}
	if err := dev.ReadMMIO(addr, data); err != nil {
		m.record(err)
		return ^uint64(0) >> (64 - 8*width)
	}
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:])
}

func (m *Machine) store(addr uint64, width int, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if mem, ok := m.ramSlice(addr, width); ok {
		copy(mem, buf[:width])
		return
	}
	dev := m.device(addr, width)
	if dev == nil {
		m.record(fmt.Errorf("%w: %d-byte write at %#x", ErrUnmapped, width, addr))
		return
	}
	if err := dev.WriteMMIO(addr, buf[:width]); err != nil {
		m.record(err)
	}
}

func (m *Machine) Read8(addr uint64) uint8   { return uint8(m.load(addr, 1)) }
func (m *Machine) Read16(addr uint64) uint16 { return uint16(m.load(addr, 2)) }
func (m *Machine) Read32(addr uint64) uint32 { return uint32(m.load(addr, 4)) }
func (m *Machine) Read64(addr uint64) uint64 { return m.load(addr, 8) }

func (m *Machine) Write8(addr uint64, value uint8)   { m.store(addr, 1, uint64(value)) }
func (m *Machine) Write16(addr uint64, value uint16) { m.store(addr, 2, uint64(value)) }
func (m *Machine) Write32(addr uint64, value uint32) { m.store(addr, 4, uint64(value)) }
func (m *Machine) Write64(addr uint64, value uint64) { m.store(addr, 8, value) }

// ReadAt reads guest RAM at physical address off, for device DMA.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	mem, ok := m.ramSlice(uint64(off), len(p))
	if !ok {
		return 0, fmt.Errorf("%w: DMA read of %d bytes at %#x", ErrUnmapped, len(p), off)
	}
	return copy(p, mem), nil
}

// WriteAt writes guest RAM at physical address off, for device DMA.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	mem, ok := m.ramSlice(uint64(off), len(p))
	if !ok {
		return 0, fmt.Errorf("%w: DMA write of %d bytes at %#x", ErrUnmapped, len(p), off)
	}
	return copy(mem, p), nil
}

var _ mmio.Bus = (*Machine)(nil)
