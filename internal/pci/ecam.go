package pci

import "github.com/wyfcyx/virtio-drivers/internal/mmio"

const (
	ecamBusShift      = 20
	ecamDeviceShift   = 15
	ecamFunctionShift = 12
	ecamFunctionSize  = 1 << ecamFunctionShift

	maxDevices   = 32
	maxFunctions = 8
)

// ECAM is the PCIe enhanced configuration access window. Each function's
// 4 KiB configuration space sits at base + bus<<20 + device<<15 + fn<<12.
type ECAM struct {
	bus  mmio.Bus
	base uint64
}

func NewECAM(bus mmio.Bus, base uint64) *ECAM {
	return &ECAM{bus: bus, base: base}
}

func (e *ECAM) offset(a Address) uint64 {
	return uint64(a.Bus)<<ecamBusShift | uint64(a.Device)<<ecamDeviceShift | uint64(a.Function)<<ecamFunctionShift
}

// Function returns the configuration space of one function.
func (e *ECAM) Function(a Address) *Function {
	return &Function{bus: e.bus, base: e.base + e.offset(a)}
}

// Scan probes buses 0 through maxBus and returns every responding
// function. Function 0 is always probed; functions 1-7 only when function 0
// reports a multi-function header.
func (e *ECAM) Scan(maxBus uint8) []Info {
	var found []Info
	for bus := 0; bus <= int(maxBus); bus++ {
		for dev := uint8(0); dev < maxDevices; dev++ {
			addr := Address{Bus: uint8(bus), Device: dev}
			info, ok := ReadInfo(addr, e.Function(addr))
			if !ok {
				continue
			}
			found = append(found, info)
			if info.HeaderType&headerTypeMultiFunction == 0 {
				continue
			}
			for fn := uint8(1); fn < maxFunctions; fn++ {
				addr.Function = fn
				if info, ok := ReadInfo(addr, e.Function(addr)); ok {
					found = append(found, info)
				}
			}
		}
	}
	return found
}

// Function is a memory-mapped configuration space.
type Function struct {
	bus  mmio.Bus
	base uint64
}

func (f *Function) Bus() mmio.Bus { return f.bus }

func (f *Function) Addr(offset uint16) uint64 { return f.base + uint64(offset) }

func (f *Function) Read8(offset uint16) uint8 { return f.bus.Read8(f.Addr(offset)) }

func (f *Function) Read16(offset uint16) uint16 { return f.bus.Read16(f.Addr(offset)) }

func (f *Function) Read32(offset uint16) uint32 { return f.bus.Read32(f.Addr(offset)) }

func (f *Function) Write16(offset uint16, value uint16) { f.bus.Write16(f.Addr(offset), value) }

func (f *Function) Write32(offset uint16, value uint32) { f.bus.Write32(f.Addr(offset), value) }

var _ Mapped = (*Function)(nil)
