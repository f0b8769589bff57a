// Package virtio is a guest-side driver for virtio devices on the PCI
// transport: the register-level Header, a split virtqueue and the block
// device driver built on them.
package virtio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/wyfcyx/virtio-drivers/internal/mmio"
	"github.com/wyfcyx/virtio-drivers/internal/pci"
)

// Common configuration structure offsets (virtio 1.1, 4.1.4.3).
const (
	commonDeviceFeatureSelect = 0x00
	commonDeviceFeature       = 0x04
	commonDriverFeatureSelect = 0x08
	commonDriverFeature       = 0x0c
	commonMSIXConfig          = 0x10
	commonNumQueues           = 0x12
	commonDeviceStatus        = 0x14
	commonConfigGeneration    = 0x15
	commonQueueSelect         = 0x16
	commonQueueSize           = 0x18
	commonQueueMSIXVector     = 0x1a
	commonQueueEnable         = 0x1c
	commonQueueNotifyOff      = 0x1e
	commonQueueDesc           = 0x20
	commonQueueDriver         = 0x28
	commonQueueDevice         = 0x30

	// CommonCfgLength is the size of the common configuration structure.
	CommonCfgLength = 0x38
)

// ISR status bits.
const (
	ISRQueue  = 1 << 0
	ISRConfig = 1 << 1
)

var (
	ErrFeaturesRejected     = errors.New("virtio: device rejected negotiated features")
	ErrInterruptUnsupported = errors.New("virtio: interrupt acknowledgement not available")
)

// rw64 is a 64-bit register accessed as two 32-bit halves, low first.
type rw64 struct {
	lo, hi mmio.RW[uint32]
}

func newRW64(bus mmio.Bus, addr uint64) rw64 {
	return rw64{lo: mmio.NewRW[uint32](bus, addr), hi: mmio.NewRW[uint32](bus, addr+4)}
}

func (r rw64) Read() uint64 {
	return uint64(r.lo.Read()) | uint64(r.hi.Read())<<32
}

func (r rw64) Write(v uint64) {
	r.lo.Write(uint32(v))
	r.hi.Write(uint32(v >> 32))
}

// commonCfg is the common configuration register block. Queue fields read
// and write the queue chosen by queueSelect; feature fields the word chosen
// by their select register.
type commonCfg struct {
	deviceFeatureSelect mmio.RW[uint32]
	deviceFeature       mmio.RO[uint32]
	driverFeatureSelect mmio.RW[uint32]
	driverFeature       mmio.RW[uint32]
	msixConfig          mmio.RW[uint16]
	numQueues           mmio.RO[uint16]
	deviceStatus        mmio.RW[uint8]
	configGeneration    mmio.RO[uint8]
	queueSelect         mmio.RW[uint16]
	queueSize           mmio.RW[uint16]
	queueMSIXVector     mmio.RW[uint16]
	queueEnable         mmio.RW[uint16]
	queueNotifyOff      mmio.RO[uint16]
	queueDesc           rw64
	queueDriver         rw64
	queueDevice         rw64
}

func newCommonCfg(bus mmio.Bus, base uint64) commonCfg {
	return commonCfg{
		deviceFeatureSelect: mmio.NewRW[uint32](bus, base+commonDeviceFeatureSelect),
		deviceFeature:       mmio.NewRO[uint32](bus, base+commonDeviceFeature),
		driverFeatureSelect: mmio.NewRW[uint32](bus, base+commonDriverFeatureSelect),
		driverFeature:       mmio.NewRW[uint32](bus, base+commonDriverFeature),
		msixConfig:          mmio.NewRW[uint16](bus, base+commonMSIXConfig),
		numQueues:           mmio.NewRO[uint16](bus, base+commonNumQueues),
		deviceStatus:        mmio.NewRW[uint8](bus, base+commonDeviceStatus),
		configGeneration:    mmio.NewRO[uint8](bus, base+commonConfigGeneration),
		queueSelect:         mmio.NewRW[uint16](bus, base+commonQueueSelect),
		queueSize:           mmio.NewRW[uint16](bus, base+commonQueueSize),
		queueMSIXVector:     mmio.NewRW[uint16](bus, base+commonQueueMSIXVector),
		queueEnable:         mmio.NewRW[uint16](bus, base+commonQueueEnable),
		queueNotifyOff:      mmio.NewRO[uint16](bus, base+commonQueueNotifyOff),
		queueDesc:           newRW64(bus, base+commonQueueDesc),
		queueDriver:         newRW64(bus, base+commonQueueDriver),
		queueDevice:         newRW64(bus, base+commonQueueDevice),
	}
}

// notifier yields the doorbell base and the notify offset multiplier.
type notifier interface {
	resolve() (base uint64, multiplier uint32)
}

// capNotifier reads bar, offset and multiplier from a live
// virtio_pci_notify_cap structure on every call.
type capNotifier struct {
	bar        mmio.RO[uint8]
	offset     mmio.RO[uint32]
	multiplier mmio.RO[uint32]
	bars       *[6]pci.BAR
}

func newCapNotifier(bus mmio.Bus, capAddr uint64, bars *[6]pci.BAR) capNotifier {
	return capNotifier{
		bar:        mmio.NewRO[uint8](bus, capAddr+pci.VirtioCapOffBAR),
		offset:     mmio.NewRO[uint32](bus, capAddr+pci.VirtioCapOffOffset),
		multiplier: mmio.NewRO[uint32](bus, capAddr+pci.VirtioCapOffMultiplier),
		bars:       bars,
	}
}

func (n capNotifier) resolve() (uint64, uint32) {
	idx := n.bar.Read()
	if int(idx) >= len(n.bars) || n.bars[idx] == nil {
		panic(fmt.Sprintf("virtio: notify capability references missing BAR %d", idx))
	}
	return n.bars[idx].Base() + uint64(n.offset.Read()), n.multiplier.Read()
}

// resolvedNotifier holds a base and multiplier computed by the caller.
type resolvedNotifier struct {
	base       uint64
	multiplier uint32
}

func (n resolvedNotifier) resolve() (uint64, uint32) {
	return n.base, n.multiplier
}

// HeaderConfig carries the raw register addresses of one virtio PCI
// function, already mapped into the caller's address space.
//
// The notification area is given either as NotifyCap, the address of the
// notify capability structure in memory-mapped configuration space, or as
// NotifyBase and NotifyMultiplier, with NotifyBase being the BAR base plus
// the capability offset. NotifyCap takes precedence when non-zero.
type HeaderConfig struct {
	Bus      mmio.Bus
	DeviceID uint16
	BARs     [6]pci.BAR

	CommonCfg uint64
	DeviceCfg uint64
	// ISR is optional; zero disables AckInterrupt.
	ISR uint64

	NotifyCap        uint64
	NotifyBase       uint64
	NotifyMultiplier uint32
}

// Header is the register interface of a virtio PCI function. It is not safe
// for concurrent use: callers must serialize every method call, including
// those on drivers built on top of it.
type Header struct {
	deviceID  uint16
	bars      [6]pci.BAR
	common    commonCfg
	notify    notifier
	bus       mmio.Bus
	deviceCfg uint64
	isr       mmio.RO[uint8]
	hasISR    bool

	notifyOff map[uint16]uint16
}

// NewHeader binds a Header to the addresses in cfg. Nothing is validated:
// the addresses must refer to live register blocks of the correct size and
// alignment for the lifetime of the Header.
func NewHeader(cfg HeaderConfig) *Header {
	h := &Header{
		deviceID:  cfg.DeviceID,
		bars:      cfg.BARs,
		common:    newCommonCfg(cfg.Bus, cfg.CommonCfg),
		bus:       cfg.Bus,
		deviceCfg: cfg.DeviceCfg,
		notifyOff: make(map[uint16]uint16),
	}
	if cfg.NotifyCap != 0 {
		h.notify = newCapNotifier(cfg.Bus, cfg.NotifyCap, &h.bars)
	} else {
		h.notify = resolvedNotifier{base: cfg.NotifyBase, multiplier: cfg.NotifyMultiplier}
	}
	if cfg.ISR != 0 {
		h.isr = mmio.NewRO[uint8](cfg.Bus, cfg.ISR)
		h.hasISR = true
	}
	return h
}

func (h *Header) DeviceID() uint16 { return h.deviceID }

// BARs returns a copy of the BAR table.
func (h *Header) BARs() [6]pci.BAR { return h.bars }

// DeviceType returns the device kind. It panics on an unrecognised device
// id: no driver can be chosen for such a function.
func (h *Header) DeviceType() DeviceType {
	t, ok := LookupDeviceType(h.deviceID)
	if !ok {
		panic(fmt.Sprintf("virtio: unknown device type, pci device id %#x", h.deviceID))
	}
	return t
}

func (h *Header) Status() DeviceStatus {
	return DeviceStatus(h.common.deviceStatus.Read())
}

func (h *Header) addStatus(s DeviceStatus) {
	h.common.deviceStatus.Modify(func(cur uint8) uint8 {
		return uint8(DeviceStatus(cur).Union(s))
	})
}

// BeginInit resets the device and runs feature negotiation (virtio 1.1,
// 3.1.1 steps 1 to 6). negotiate receives the device features and returns
// the accepted subset; returning bits the device did not offer is the
// caller's error and is passed through unchecked. When the device does not
// keep FEATURES_OK set, ErrFeaturesRejected is returned and no further
// register is written; the device is unusable until the next BeginInit.
func (h *Header) BeginInit(negotiate Negotiator) error {
	h.common.deviceStatus.Write(0)
	h.addStatus(StatusAcknowledge)
	h.addStatus(StatusDriver)

	device := h.DeviceFeatures()
	accepted := negotiate(device)
	h.writeDriverFeatures(accepted)

	h.addStatus(StatusFeaturesOK)
	if status := h.Status(); !status.Contains(StatusFeaturesOK) {
		return fmt.Errorf("%w (offered %v, accepted %v, status %v)", ErrFeaturesRejected, device, accepted, status)
	}
	slog.Debug("virtio: features negotiated", "device_id", fmt.Sprintf("%#x", h.deviceID), "offered", device, "accepted", accepted)
	return nil
}

// FinishInit sets DRIVER_OK. Queues must be configured and enabled first.
func (h *Header) FinishInit() {
	h.addStatus(StatusDriverOK)
}

// Fail sets the FAILED status bit.
func (h *Header) Fail() {
	h.addStatus(StatusFailed)
}

// DeviceFeatures reads the 64-bit device feature bitmap through the two
// 32-bit windows.
func (h *Header) DeviceFeatures() Features {
	h.common.deviceFeatureSelect.Write(0)
	lo := h.common.deviceFeature.Read()
	h.common.deviceFeatureSelect.Write(1)
	hi := h.common.deviceFeature.Read()
	return Features(uint64(hi)<<32 | uint64(lo))
}

func (h *Header) writeDriverFeatures(f Features) {
	h.common.driverFeatureSelect.Write(0)
	h.common.driverFeature.Write(uint32(f))
	h.common.driverFeatureSelect.Write(1)
	h.common.driverFeature.Write(uint32(f >> 32))
}

// DriverFeatures reads back the accepted feature bitmap.
func (h *Header) DriverFeatures() Features {
	h.common.driverFeatureSelect.Write(0)
	lo := h.common.driverFeature.Read()
	h.common.driverFeatureSelect.Write(1)
	hi := h.common.driverFeature.Read()
	return Features(uint64(hi)<<32 | uint64(lo))
}

func (h *Header) NumQueues() uint16 {
	return h.common.numQueues.Read()
}

func (h *Header) ConfigGeneration() uint8 {
	return h.common.configGeneration.Read()
}

// QueueUsed selects queue index and reports whether any of its ring address
// registers is non-zero.
func (h *Header) QueueUsed(index uint16) bool {
	h.common.queueSelect.Write(index)
	return h.common.queueDesc.Read() != 0 ||
		h.common.queueDriver.Read() != 0 ||
		h.common.queueDevice.Read() != 0
}

// MaxQueueSize returns the queue size register of the currently selected
// queue. Select a queue first, for example with QueueUsed.
func (h *Header) MaxQueueSize() uint16 {
	return h.common.queueSize.Read()
}

// QueueSet selects queue index and programs its size and ring addresses.
// The device silently ignores values it cannot accept.
func (h *Header) QueueSet(index, size uint16, desc, driver, device uint64) {
	h.common.queueSelect.Write(index)
	h.common.queueSize.Write(size)
	h.common.queueDesc.Write(desc)
	h.common.queueDriver.Write(driver)
	h.common.queueDevice.Write(device)
	h.notifyOff[index] = h.common.queueNotifyOff.Read()
}

// QueueEnable enables the currently selected queue. Size and addresses
// must already be programmed.
func (h *Header) QueueEnable() {
	h.common.queueEnable.Write(1)
}

func (h *Header) queueNotifyOff(index uint16) uint16 {
	if off, ok := h.notifyOff[index]; ok {
		return off
	}
	h.common.queueSelect.Write(index)
	off := h.common.queueNotifyOff.Read()
	h.notifyOff[index] = off
	return off
}

// NotifyAddress returns the doorbell address of queue index:
// BAR base + capability offset + queue_notify_off * multiplier.
func (h *Header) NotifyAddress(index uint16) uint64 {
	base, mult := h.notify.resolve()
	return base + uint64(h.queueNotifyOff(index))*uint64(mult)
}

// Notify rings the doorbell of queue index with a single 16-bit write of
// the index. VIRTIO_F_NOTIFICATION_DATA must not have been negotiated.
func (h *Header) Notify(index uint16) {
	h.bus.Write16(h.NotifyAddress(index), index)
}

// ConfigSpace returns the address of the device-specific configuration
// structure.
func (h *Header) ConfigSpace() uint64 {
	return h.deviceCfg
}

func (h *Header) ReadConfig8(offset uint64) uint8 {
	return h.bus.Read8(h.deviceCfg + offset)
}

func (h *Header) ReadConfig32(offset uint64) uint32 {
	return h.bus.Read32(h.deviceCfg + offset)
}

// ReadConfig64 reads a 64-bit configuration field as two 32-bit halves,
// retrying until the configuration generation is stable across the read.
func (h *Header) ReadConfig64(offset uint64) uint64 {
	for {
		before := h.ConfigGeneration()
		lo := h.ReadConfig32(offset)
		hi := h.ReadConfig32(offset + 4)
		if h.ConfigGeneration() == before {
			return uint64(hi)<<32 | uint64(lo)
		}
	}
}

// AckInterrupt reads and thereby clears the ISR status byte. It returns
// ErrInterruptUnsupported when the Header was built without an ISR address.
func (h *Header) AckInterrupt() (uint8, error) {
	if !h.hasISR {
		return 0, ErrInterruptUnsupported
	}
	return h.isr.Read(), nil
}
