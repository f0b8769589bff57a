package pci

import "fmt"

// Standard capability ids used here.
const (
	CapIDMSI            uint8 = 0x05
	CapIDVendorSpecific uint8 = 0x09
	CapIDPCIExpress     uint8 = 0x10
	CapIDMSIX           uint8 = 0x11
)

// The standard capability list lives above the 64-byte header, so a
// well-formed list has at most (256-64)/4 entries.
const maxCapabilities = 48

// Capability is one entry of the standard capability list.
type Capability struct {
	ID     uint8
	Offset uint16
}

// Capabilities walks the capability list. Loops and pointers into the
// header are cut off rather than followed.
func Capabilities(cs ConfigSpace) []Capability {
	if cs.Read16(RegStatus)&StatusCapabilitiesList == 0 {
		return nil
	}
	var caps []Capability
	ptr := cs.Read8(RegCapPointer) &^ 0x3
	for i := 0; ptr >= 0x40 && i < maxCapabilities; i++ {
		caps = append(caps, Capability{ID: cs.Read8(uint16(ptr)), Offset: uint16(ptr)})
		ptr = cs.Read8(uint16(ptr)+1) &^ 0x3
	}
	return caps
}

// FindCapability returns the offset of the first capability with the given
// id.
func FindCapability(cs ConfigSpace, id uint8) (uint16, bool) {
	for _, c := range Capabilities(cs) {
		if c.ID == id {
			return c.Offset, true
		}
	}
	return 0, false
}

// VirtioCapType is the cfg_type field of a virtio vendor capability.
type VirtioCapType uint8

const (
	VirtioCapCommonCfg VirtioCapType = 1
	VirtioCapNotifyCfg VirtioCapType = 2
	VirtioCapISRCfg    VirtioCapType = 3
	VirtioCapDeviceCfg VirtioCapType = 4
	VirtioCapPCICfg    VirtioCapType = 5
)

func (t VirtioCapType) String() string {
	switch t {
	case VirtioCapCommonCfg:
		return "common"
	case VirtioCapNotifyCfg:
		return "notify"
	case VirtioCapISRCfg:
		return "isr"
	case VirtioCapDeviceCfg:
		return "device"
	case VirtioCapPCICfg:
		return "pci"
	default:
		return fmt.Sprintf("VirtioCapType(%d)", uint8(t))
	}
}

// Layout of struct virtio_pci_cap and virtio_pci_notify_cap.
const (
	VirtioCapOffLen        = 2
	VirtioCapOffType       = 3
	VirtioCapOffBAR        = 4
	VirtioCapOffOffset     = 8
	VirtioCapOffLength     = 12
	VirtioCapOffMultiplier = 16

	virtioCapLen       = 16
	virtioNotifyCapLen = 20
)

// VirtioCap is a decoded virtio vendor capability. Pos is its offset in
// configuration space.
type VirtioCap struct {
	Pos        uint16
	Type       VirtioCapType
	BAR        uint8
	Offset     uint32
	Length     uint32
	Multiplier uint32
}

func (c VirtioCap) String() string {
	return fmt.Sprintf("%s cap @%#x: bar %d offset %#x length %#x", c.Type, c.Pos, c.BAR, c.Offset, c.Length)
}

// VirtioCaps decodes every virtio vendor capability in list order.
// Entries shorter than the structure they claim to be are skipped.
func VirtioCaps(cs ConfigSpace) []VirtioCap {
	var out []VirtioCap
	for _, c := range Capabilities(cs) {
		if c.ID != CapIDVendorSpecific {
			continue
		}
		length := cs.Read8(c.Offset + VirtioCapOffLen)
		if length < virtioCapLen {
			continue
		}
		vc := VirtioCap{
			Pos:    c.Offset,
			Type:   VirtioCapType(cs.Read8(c.Offset + VirtioCapOffType)),
			BAR:    cs.Read8(c.Offset + VirtioCapOffBAR),
			Offset: cs.Read32(c.Offset + VirtioCapOffOffset),
			Length: cs.Read32(c.Offset + VirtioCapOffLength),
		}
		if vc.Type == VirtioCapNotifyCfg {
			if length < virtioNotifyCapLen {
				continue
			}
			vc.Multiplier = cs.Read32(c.Offset + VirtioCapOffMultiplier)
		}
		out = append(out, vc)
	}
	return out
}
