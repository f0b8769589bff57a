package pci

import (
	"encoding/binary"
	"testing"
)

// fakeConfig is a 256-byte configuration space with BAR sizing semantics.
type fakeConfig struct {
	data  [256]byte
	masks [barCount]uint32 // writable address bits per BAR register
}

func (f *fakeConfig) Read8(off uint16) uint8   { return f.data[off] }
func (f *fakeConfig) Read16(off uint16) uint16 { return binary.LittleEndian.Uint16(f.data[off:]) }
func (f *fakeConfig) Read32(off uint16) uint32 { return binary.LittleEndian.Uint32(f.data[off:]) }
func (f *fakeConfig) Write16(off uint16, v uint16) {
	binary.LittleEndian.PutUint16(f.data[off:], v)
}

func (f *fakeConfig) Write32(off uint16, v uint32) {
	if off >= RegBAR0 && off < RegBAR0+4*barCount {
		i := (off - RegBAR0) / 4
		cur := f.Read32(off)
		attr := cur & barMemAttrMask
		if cur&barIOSpace != 0 {
			attr = cur & barIOAttrMask
		}
		if i > 0 && f.masks[i] == 0xffff_ffff {
			// upper half of a 64-bit BAR: all bits writable
			attr = 0
		}
		binary.LittleEndian.PutUint32(f.data[off:], (v&f.masks[i])|attr)
		return
	}
	binary.LittleEndian.PutUint32(f.data[off:], v)
}

func (f *fakeConfig) setBAR(i int, value, mask uint32) {
	binary.LittleEndian.PutUint32(f.data[RegBAR0+4*i:], value)
	f.masks[i] = mask
}

func (f *fakeConfig) addCap(pos uint16, id uint8, body []byte) {
	f.data[pos] = id
	copy(f.data[pos+2:], body)
	// link at the head of the list
	f.data[pos+1] = f.data[RegCapPointer]
	f.data[RegCapPointer] = uint8(pos)
	binary.LittleEndian.PutUint16(f.data[RegStatus:], StatusCapabilitiesList)
}

func TestDecodeBARs(t *testing.T) {
	f := &fakeConfig{}
	binary.LittleEndian.PutUint16(f.data[RegCommand:], CommandMemorySpace|CommandBusMaster)
	f.setBAR(0, 0xfe000000, 0xffff_f000) // 4 KiB 32-bit memory
	f.setBAR(1, 0x0000c001, 0x0000_ffe0) // 32 byte 16-bit I/O
	f.setBAR(2, 0xe000000c, 0xffe0_0000) // 2 MiB 64-bit prefetchable
	f.setBAR(3, 0x00000001, 0xffff_ffff) // upper half
	f.setBAR(4, 0, 0)                    // unimplemented

	bars := DecodeBARs(f)

	mem, ok := bars[0].(*MemoryBAR)
	if !ok || mem.Address != 0xfe000000 || mem.Length != 0x1000 || mem.Is64 {
		t.Fatalf("bar0 = %v", bars[0])
	}
	io, ok := bars[1].(*IOBAR)
	if !ok || io.Address != 0xc000 || io.Length != 0x20 {
		t.Fatalf("bar1 = %v", bars[1])
	}
	mem64, ok := bars[2].(*MemoryBAR)
	if !ok || mem64.Address != 0x1_e000_0000 || mem64.Length != 0x20_0000 || !mem64.Is64 || !mem64.Prefetchable {
		t.Fatalf("bar2 = %v", bars[2])
	}
	if bars[3] != nil || bars[4] != nil || bars[5] != nil {
		t.Fatalf("expected empty slots 3-5, got %v %v %v", bars[3], bars[4], bars[5])
	}

	if got := f.Read32(RegBAR0); got != 0xfe000000 {
		t.Fatalf("bar0 not restored: %#x", got)
	}
	if got := f.Read16(RegCommand); got != CommandMemorySpace|CommandBusMaster {
		t.Fatalf("command not restored: %#x", got)
	}
}

func TestVirtioCaps(t *testing.T) {
	f := &fakeConfig{}
	common := make([]byte, 14)
	common[0] = 16
	common[1] = byte(VirtioCapCommonCfg)
	common[2] = 0
	binary.LittleEndian.PutUint32(common[6:], 0x100)
	binary.LittleEndian.PutUint32(common[10:], 0x38)

	notify := make([]byte, 18)
	notify[0] = 20
	notify[1] = byte(VirtioCapNotifyCfg)
	notify[2] = 2
	binary.LittleEndian.PutUint32(notify[6:], 0x3000)
	binary.LittleEndian.PutUint32(notify[10:], 0x1000)
	binary.LittleEndian.PutUint32(notify[14:], 4)

	f.addCap(0x70, CapIDVendorSpecific, notify)
	f.addCap(0x60, CapIDVendorSpecific, common)
	f.addCap(0x50, CapIDMSIX, []byte{0, 0})

	caps := Capabilities(f)
	if len(caps) != 3 || caps[0].ID != CapIDMSIX || caps[1].Offset != 0x60 {
		t.Fatalf("unexpected capability list %+v", caps)
	}
	if off, ok := FindCapability(f, CapIDMSIX); !ok || off != 0x50 {
		t.Fatalf("FindCapability(MSIX) = %#x, %v", off, ok)
	}

	vcs := VirtioCaps(f)
	if len(vcs) != 2 {
		t.Fatalf("expected 2 virtio caps, got %d", len(vcs))
	}
	if vcs[0].Type != VirtioCapCommonCfg || vcs[0].Offset != 0x100 || vcs[0].Length != 0x38 {
		t.Fatalf("common cap = %v", vcs[0])
	}
	if vcs[1].Type != VirtioCapNotifyCfg || vcs[1].BAR != 2 || vcs[1].Multiplier != 4 || vcs[1].Pos != 0x70 {
		t.Fatalf("notify cap = %+v", vcs[1])
	}
}

func TestCapabilitiesLoopGuard(t *testing.T) {
	f := &fakeConfig{}
	f.addCap(0x40, CapIDVendorSpecific, []byte{4})
	f.data[0x41] = 0x40 // points at itself
	if caps := Capabilities(f); len(caps) != maxCapabilities {
		t.Fatalf("expected walk to stop at %d entries, got %d", maxCapabilities, len(caps))
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "00:04.0", want: Address{0, 4, 0}},
		{in: "0000:01:1f.7", want: Address{1, 0x1f, 7}},
		{in: "0001:00:00.0", wantErr: true},
		{in: "00:20.0", wantErr: true},
		{in: "00:01.8", wantErr: true},
		{in: "garbage", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			if tt.in == "0000:01:1f.7" && got.SysfsName() != tt.in {
				t.Fatalf("SysfsName = %q", got.SysfsName())
			}
		})
	}
}
