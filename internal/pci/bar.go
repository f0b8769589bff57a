package pci

import "fmt"

const (
	barCount = 6

	barIOSpace      = 0x1
	barType64       = 0x4
	barTypeMask     = 0x6
	barPrefetchable = 0x8
	barMemAttrMask  = 0xf
	barIOAttrMask   = 0x3
)

// BAR is a decoded base address register: either *MemoryBAR or *IOBAR.
// A nil BAR means the slot is unimplemented or is the upper half of a
// 64-bit memory BAR.
type BAR interface {
	Base() uint64
	Size() uint64
	String() string
}

type MemoryBAR struct {
	Address      uint64
	Length       uint64
	Prefetchable bool
	Is64         bool
}

func (b *MemoryBAR) Base() uint64 { return b.Address }
func (b *MemoryBAR) Size() uint64 { return b.Length }

func (b *MemoryBAR) String() string {
	kind := "32-bit"
	if b.Is64 {
		kind = "64-bit"
	}
	pf := ""
	if b.Prefetchable {
		pf = " prefetchable"
	}
	return fmt.Sprintf("memory %#x size %#x (%s%s)", b.Address, b.Length, kind, pf)
}

type IOBAR struct {
	Address uint64
	Length  uint64
}

func (b *IOBAR) Base() uint64 { return b.Address }
func (b *IOBAR) Size() uint64 { return b.Length }

func (b *IOBAR) String() string {
	return fmt.Sprintf("io %#x size %#x", b.Address, b.Length)
}

// DecodeBARs reads and sizes the six type 0 BARs. Decoding is disabled in
// the command register while sizing and the original values are restored.
func DecodeBARs(cs ConfigSpace) [barCount]BAR {
	var bars [barCount]BAR

	cmd := cs.Read16(RegCommand)
	cs.Write16(RegCommand, cmd&^(CommandIOSpace|CommandMemorySpace))
	defer cs.Write16(RegCommand, cmd)

	for i := 0; i < barCount; i++ {
		off := uint16(RegBAR0 + 4*i)
		raw := cs.Read32(off)

		if raw&barIOSpace != 0 {
			mask := sizeBAR(cs, off, raw) &^ barIOAttrMask
			if mask == 0 {
				continue
			}
			if mask&0xffff_0000 == 0 {
				// 16-bit I/O decoder.
				mask |= 0xffff_0000
			}
			bars[i] = &IOBAR{Address: uint64(raw &^ barIOAttrMask), Length: uint64(^mask + 1)}
			continue
		}

		is64 := raw&barTypeMask == barType64
		if is64 && i == barCount-1 {
			// A 64-bit BAR cannot start in the last slot.
			continue
		}
		lowMask := sizeBAR(cs, off, raw)
		addr := uint64(raw &^ barMemAttrMask)
		mask := uint64(lowMask&^barMemAttrMask) | 0xffff_ffff_0000_0000
		if is64 {
			highRaw := cs.Read32(off + 4)
			highMask := sizeBAR(cs, off+4, highRaw)
			addr |= uint64(highRaw) << 32
			mask = uint64(highMask)<<32 | uint64(lowMask&^barMemAttrMask)
		}
		if (is64 && mask != 0) || (!is64 && lowMask&^barMemAttrMask != 0) {
			bars[i] = &MemoryBAR{
				Address:      addr,
				Length:       ^mask + 1,
				Prefetchable: raw&barPrefetchable != 0,
				Is64:         is64,
			}
		}
		if is64 {
			i++
		}
	}
	return bars
}

func sizeBAR(cs ConfigSpace, off uint16, raw uint32) uint32 {
	cs.Write32(off, 0xffff_ffff)
	mask := cs.Read32(off)
	cs.Write32(off, raw)
	return mask
}
