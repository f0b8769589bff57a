package virtio

import (
	"errors"
	"fmt"

	"github.com/wyfcyx/virtio-drivers/internal/mmio"
	"github.com/wyfcyx/virtio-drivers/internal/pci"
)

var (
	ErrNotVirtio         = errors.New("virtio: not a virtio function")
	ErrMissingCapability = errors.New("virtio: required capability missing")
)

// Probe builds a Header for the virtio function with configuration space
// cs. bars must hold CPU-visible BAR addresses usable on bus (the result of
// pci.DecodeBARs on identity-mapped systems, or Sysfs.MapBARs). For each
// structure the first capability that points at a present memory BAR is
// used. When cs is memory-mapped, the notify capability is later read in
// place through bus; otherwise its values are resolved once here.
func Probe(cs pci.ConfigSpace, bus mmio.Bus, bars [6]pci.BAR) (*Header, error) {
	vendor := cs.Read16(pci.RegVendorID)
	deviceID := cs.Read16(pci.RegDeviceID)
	if vendor != VendorID {
		return nil, fmt.Errorf("%w: vendor %#04x", ErrNotVirtio, vendor)
	}
	if _, ok := LookupDeviceType(deviceID); !ok && (deviceID < 0x1000 || deviceID > 0x107f) {
		return nil, fmt.Errorf("%w: device %#04x", ErrNotVirtio, deviceID)
	}

	cfg := HeaderConfig{Bus: bus, DeviceID: deviceID, BARs: bars}
	var found [pci.VirtioCapPCICfg + 1]bool
	for _, c := range pci.VirtioCaps(cs) {
		if c.Type < pci.VirtioCapCommonCfg || c.Type > pci.VirtioCapDeviceCfg || found[c.Type] {
			continue
		}
		if int(c.BAR) >= len(bars) {
			continue
		}
		bar, ok := bars[c.BAR].(*pci.MemoryBAR)
		if !ok {
			continue
		}
		if uint64(c.Offset)+uint64(c.Length) > bar.Length {
			continue
		}
		addr := bar.Address + uint64(c.Offset)
		switch c.Type {
		case pci.VirtioCapCommonCfg:
			if c.Length < CommonCfgLength {
				continue
			}
			cfg.CommonCfg = addr
		case pci.VirtioCapNotifyCfg:
			if m, ok := cs.(pci.Mapped); ok {
				cfg.NotifyCap = m.Addr(c.Pos)
			} else {
				cfg.NotifyBase = addr
				cfg.NotifyMultiplier = c.Multiplier
			}
		case pci.VirtioCapISRCfg:
			cfg.ISR = addr
		case pci.VirtioCapDeviceCfg:
			cfg.DeviceCfg = addr
		}
		found[c.Type] = true
	}

	if !found[pci.VirtioCapCommonCfg] {
		return nil, fmt.Errorf("%w: common configuration", ErrMissingCapability)
	}
	if !found[pci.VirtioCapNotifyCfg] {
		return nil, fmt.Errorf("%w: notification", ErrMissingCapability)
	}
	pci.Enable(cs)
	return NewHeader(cfg), nil
}
