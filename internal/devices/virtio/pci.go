package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wyfcyx/virtio-drivers/internal/debug"
	"github.com/wyfcyx/virtio-drivers/internal/devices/pci"
	"github.com/wyfcyx/virtio-drivers/internal/hv"
)

const (
	VendorID           = 0x1af4
	ModernDeviceIDBase = 0x1040

	// Capability types
	capCommonCfg = 1
	capNotifyCfg = 2
	capISRCfg    = 3
	capDeviceCfg = 4

	// Common configuration structure offsets
	commonDFSelect      = 0x00
	commonDF            = 0x04
	commonGFSelect      = 0x08
	commonGF            = 0x0c
	commonMSIX          = 0x10
	commonNumQ          = 0x12
	commonStatus        = 0x14
	commonCfgGeneration = 0x15
	commonQSelect       = 0x16
	commonQSize         = 0x18
	commonQMSIX         = 0x1a
	commonQEnable       = 0x1c
	commonQNotifyOff    = 0x1e
	commonQDescLo       = 0x20
	commonQDescHi       = 0x24
	commonQAvailLo      = 0x28
	commonQAvailHi      = 0x2c
	commonQUsedLo       = 0x30
	commonQUsedHi       = 0x34
	commonCfgLength     = 0x38

	msiNoVector = 0xffff

	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
	statusNeedsReset  = 64
	statusFailed      = 128

	isrQueue  = 1 << 0
	isrConfig = 1 << 1
)

const (
	vendorCapID       = 0x09
	virtioCapLen      = 16
	virtioNotifyCapLn = 20
	virtioCapStart    = 0x40

	barAttrMaskMemory uint32 = 0xf
	barAttr64         uint32 = 0x4
	type0BARCount            = 6
	type0BAROffset           = 0x10
	invalidBARIndex          = -1

	pciCommandMemory          = 1 << 1
	pciStatusCapabilitiesList = 0x10
	pciClassOther             = 0xff
)

// ErrDecodeDisabled is returned for BAR accesses while memory decoding is
// off in the command register.
var ErrDecodeDisabled = errors.New("virtio-pci: memory decoding disabled")

type pciBAR struct {
	size       uint64
	attributes uint32
	is64       bool
	aliasOf    int

	rawLow  uint32
	rawHigh uint32
	value   uint64

	sizingLow  bool
	sizingHigh bool
}

func (b *pciBAR) sizeMask() uint64 {
	if b == nil || b.size == 0 {
		return 0
	}
	return ^(b.size - 1) &^ uint64(barAttrMaskMemory)
}

func regionContains(base uint64, length uint32, addr uint64, accessLen uint32) bool {
	if length == 0 || accessLen == 0 {
		return false
	}
	end := base + uint64(length)
	accessEnd := addr + uint64(accessLen)
	return base != 0 && addr >= base && accessEnd <= end
}

// structure is one virtio configuration structure placed in a BAR.
type structure struct {
	bar    uint8
	offset uint32
	length uint32
	addr   uint64

	capOffset uint16
	capData   []byte
}

// PCIDeviceConfig places an emulated function on a host bridge.
type PCIDeviceConfig struct {
	Host     *pci.HostBridge
	Bus      uint8
	Device   uint8
	Function uint8

	Memory  GuestMemory
	Backend Backend

	// NotifyMultiplier is notify_off_multiplier; 0 makes every queue share
	// one doorbell. Defaults to 4 when negative.
	NotifyMultiplier int

	// Transitional selects the legacy-range PCI device id (0x1000 + type - 1).
	Transitional bool
}

// PCIDevice implements a virtio device using the modern PCI transport.
// Accesses are expected from a single guest CPU and are not synchronized.
type PCIDevice struct {
	mem     GuestMemory
	backend Backend

	location       string
	endpointHandle *pci.DeviceHandle

	capPointer uint8
	command    uint16
	status     uint16

	bars [type0BARCount]pciBAR

	common              structure
	notify              structure
	isr                 structure
	device              structure
	notifyOffMultiplier uint32

	deviceID          uint16
	subsystemDeviceID uint16

	deviceFeatureSel uint32
	guestFeatureSel  uint32
	deviceFeatures   uint64
	guestFeatures    uint64

	queueSel        uint16
	deviceStatus    uint8
	cfgGeneration   uint8
	interruptStatus uint8
	msixConfig      uint16

	queues []*VirtQueue
}

// NewPCIDevice registers backend as a virtio function on the host bridge
// and allocates its BARs.
func NewPCIDevice(cfg PCIDeviceConfig) (*PCIDevice, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("virtio-pci: backend is required")
	}
	queueCount := cfg.Backend.NumQueues()
	if queueCount <= 0 {
		return nil, fmt.Errorf("virtio-pci: device must expose at least one queue")
	}
	multiplier := cfg.NotifyMultiplier
	if multiplier < 0 {
		multiplier = 4
	}

	virtioType := cfg.Backend.DeviceType()
	deviceID := uint16(ModernDeviceIDBase) + virtioType
	if cfg.Transitional {
		deviceID = 0x1000 + virtioType - 1
	}

	d := &PCIDevice{
		mem:               cfg.Memory,
		backend:           cfg.Backend,
		location:          fmt.Sprintf("%02x:%02x.%x", cfg.Bus, cfg.Device, cfg.Function),
		deviceID:          deviceID,
		subsystemDeviceID: virtioType,
		status:            pciStatusCapabilitiesList,

		common: structure{bar: 0, length: commonCfgLength},
		isr:    structure{bar: 1, length: 1},
		notify: structure{bar: 2},
		device: structure{bar: 4, length: uint32(max(len(cfg.Backend.ConfigBytes()), 4))},

		notifyOffMultiplier: uint32(multiplier),
	}
	d.notify.length = uint32(queueCount) * d.notifyOffMultiplier
	if d.notifyOffMultiplier == 0 {
		d.notify.length = 2
	}

	d.queues = make([]*VirtQueue, queueCount)
	for i := range d.queues {
		maxSize := cfg.Backend.QueueMaxSize(i)
		if maxSize == 0 {
			return nil, fmt.Errorf("virtio-pci: queue %d has zero max size", i)
		}
		d.queues[i] = NewVirtQueue(cfg.Memory, maxSize, uint16(i))
	}

	d.initBARs()
	d.configureCapabilities(virtioCapStart)

	if cfg.Host != nil {
		handle, err := cfg.Host.RegisterEndpoint(cfg.Bus, cfg.Device, cfg.Function, d)
		if err != nil {
			return nil, fmt.Errorf("register pci endpoint: %w", err)
		}
		d.endpointHandle = handle
		if err := d.allocateBARs(); err != nil {
			return nil, fmt.Errorf("allocate pci bars: %w", err)
		}
	}

	d.reset()
	slog.Debug("virtio-pci: device created", "location", d.location, "device_id", fmt.Sprintf("%#04x", d.deviceID), "queues", queueCount)
	return d, nil
}

func (d *PCIDevice) DeviceID() uint16 { return d.deviceID }

// Status returns the device status byte as last accepted by the device.
func (d *PCIDevice) Status() uint8 { return d.deviceStatus }

// DriverFeatures returns the features the driver wrote.
func (d *PCIDevice) DriverFeatures() uint64 { return d.guestFeatures }

func (d *PCIDevice) Queue(index int) *VirtQueue {
	if index < 0 || index >= len(d.queues) {
		return nil
	}
	return d.queues[index]
}

// ConfigChanged bumps the configuration generation and raises the
// configuration change interrupt.
func (d *PCIDevice) ConfigChanged() {
	d.cfgGeneration++
	d.interruptStatus |= isrConfig
}

// ConfigSpace implements pci.Endpoint.
func (d *PCIDevice) ConfigSpace() pci.ConfigSpace {
	return d
}

// OnBARReprogram implements pci.Endpoint.
func (d *PCIDevice) OnBARReprogram(index int, value uint32) error {
	if index < 0 || index >= len(d.bars) {
		return fmt.Errorf("BAR index %d out of range", index)
	}

	bar := d.baseBAR(index)
	if bar.size == 0 {
		return nil
	}

	if d.barIsHigh(index) {
		bar.rawHigh = value
		bar.sizingHigh = false
	} else {
		bar.rawLow = (value &^ barAttrMaskMemory) | (bar.attributes & barAttrMaskMemory)
		bar.sizingLow = false
	}
	bar.value = uint64(bar.rawLow&^barAttrMaskMemory) | uint64(bar.rawHigh)<<32

	d.recomputeRegionAddrs()
	debug.Writef("virtio-pci.bar", "%s bar%d=%#x", d.location, index, bar.value)
	return nil
}

// ReadConfig implements pci.ConfigSpace.
func (d *PCIDevice) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("unsupported config read size %d", size)
	}
	if offset&uint16(size-1) != 0 {
		return 0, fmt.Errorf("unaligned %d-byte config read at %#x", size, offset)
	}
	base := offset &^ 0x3
	value := d.readConfigDWord(base)
	value >>= (offset - base) * 8
	mask := uint32((uint64(1) << (size * 8)) - 1)
	return value & mask, nil
}

// WriteConfig implements pci.ConfigSpace.
func (d *PCIDevice) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config write size %d", size)
	}
	if offset&uint16(size-1) != 0 {
		return fmt.Errorf("unaligned %d-byte config write at %#x", size, offset)
	}
	base := offset &^ 0x3
	if size == 4 {
		d.writeConfigDWord(base, value)
		return nil
	}

	current := d.readConfigDWord(base)
	if base == 0x04 {
		// Status bits are write-one-to-clear; a narrow command write must
		// not clear them.
		current &= 0xffff
	}
	shift := (offset - base) * 8
	mask := uint32((uint64(1) << (size * 8)) - 1)
	d.writeConfigDWord(base, (current&^(mask<<shift))|((value&mask)<<shift))
	return nil
}

func (d *PCIDevice) readConfigDWord(offset uint16) uint32 {
	switch offset {
	case 0x00:
		return uint32(VendorID) | uint32(d.deviceID)<<16
	case 0x04:
		return uint32(d.command) | uint32(d.status)<<16
	case 0x08:
		return pciClassOther<<24 | 0x01 // revision 1
	case 0x0c:
		return 0 // header type 0
	case 0x2c:
		return uint32(VendorID) | uint32(d.subsystemDeviceID)<<16
	case 0x34:
		return uint32(d.capPointer)
	}
	if offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*4 {
		return d.readBAR(int(offset-type0BAROffset) / 4)
	}
	for _, s := range d.structures() {
		if value, ok := readCapabilityRegion(s.capData, s.capOffset, offset); ok {
			return value
		}
	}
	return 0
}

func (d *PCIDevice) writeConfigDWord(offset uint16, value uint32) {
	switch offset {
	case 0x04:
		d.command = uint16(value)
		d.status &^= uint16(value>>16) &^ pciStatusCapabilitiesList
	default:
		if offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*4 {
			d.writeBAR(int(offset-type0BAROffset)/4, value)
		}
	}
}

func (d *PCIDevice) readBAR(index int) uint32 {
	bar := d.baseBAR(index)
	if d.barIsHigh(index) {
		if bar.sizingHigh {
			return uint32(bar.sizeMask() >> 32)
		}
		return bar.rawHigh
	}
	if bar.sizingLow {
		return uint32(bar.sizeMask()) | bar.attributes
	}
	return bar.rawLow
}

// writeBAR handles the sizing protocol; address updates arrive through
// OnBARReprogram from the host bridge.
func (d *PCIDevice) writeBAR(index int, value uint32) {
	bar := d.baseBAR(index)
	if bar.size == 0 || value != 0xffff_ffff {
		return
	}
	if d.barIsHigh(index) {
		bar.sizingHigh = true
	} else {
		bar.sizingLow = true
	}
}

func (d *PCIDevice) initBARs() {
	for i := range d.bars {
		d.bars[i] = pciBAR{aliasOf: invalidBARIndex}
	}
	for _, s := range d.structures() {
		if s.bar == 4 {
			d.setMemoryBAR64(int(s.bar), sizeForLength(s.length))
		} else {
			d.setMemoryBAR(int(s.bar), sizeForLength(s.length))
		}
	}
	d.recomputeRegionAddrs()
}

func sizeForLength(length uint32) uint64 {
	size := uint64(0x1000)
	for size < uint64(length) {
		size <<= 1
	}
	return size
}

func (d *PCIDevice) setMemoryBAR(index int, size uint64) {
	d.bars[index] = pciBAR{
		size:    size,
		aliasOf: invalidBARIndex,
	}
}

func (d *PCIDevice) setMemoryBAR64(index int, size uint64) {
	d.bars[index] = pciBAR{
		size:       size,
		attributes: barAttr64,
		is64:       true,
		aliasOf:    invalidBARIndex,
		rawLow:     barAttr64,
	}
	if index+1 < len(d.bars) {
		d.bars[index+1] = pciBAR{aliasOf: index}
	}
}

func (d *PCIDevice) baseBAR(index int) *pciBAR {
	if alias := d.bars[index].aliasOf; alias >= 0 {
		return &d.bars[alias]
	}
	return &d.bars[index]
}

func (d *PCIDevice) barIsHigh(index int) bool {
	return d.bars[index].aliasOf >= 0
}

func (d *PCIDevice) structures() []*structure {
	return []*structure{&d.common, &d.notify, &d.isr, &d.device}
}

func (d *PCIDevice) recomputeRegionAddrs() {
	for _, s := range d.structures() {
		bar := d.baseBAR(int(s.bar))
		if bar.value == 0 {
			s.addr = 0
			continue
		}
		s.addr = bar.value + uint64(s.offset)
	}
}

func (d *PCIDevice) configureCapabilities(start uint16) {
	d.common.capOffset = start
	d.notify.capOffset = d.common.capOffset + virtioCapLen
	d.isr.capOffset = d.notify.capOffset + virtioNotifyCapLn
	d.device.capOffset = d.isr.capOffset + virtioCapLen
	d.capPointer = uint8(start)

	d.common.capData = initVirtioCap(virtioCapLen, uint8(d.notify.capOffset), capCommonCfg, &d.common)
	d.notify.capData = initVirtioCap(virtioNotifyCapLn, uint8(d.isr.capOffset), capNotifyCfg, &d.notify)
	binary.LittleEndian.PutUint32(d.notify.capData[16:], d.notifyOffMultiplier)
	d.isr.capData = initVirtioCap(virtioCapLen, uint8(d.device.capOffset), capISRCfg, &d.isr)
	d.device.capData = initVirtioCap(virtioCapLen, 0, capDeviceCfg, &d.device)
}

func initVirtioCap(length int, next uint8, cfgType uint8, s *structure) []byte {
	buf := make([]byte, length)
	buf[0] = vendorCapID
	buf[1] = next
	buf[2] = uint8(length)
	buf[3] = cfgType
	buf[4] = s.bar
	binary.LittleEndian.PutUint32(buf[8:12], s.offset)
	binary.LittleEndian.PutUint32(buf[12:16], s.length)
	return buf
}

func readCapabilityRegion(data []byte, base uint16, offset uint16) (uint32, bool) {
	if len(data) == 0 || offset < base {
		return 0, false
	}
	rel := int(offset - base)
	if rel >= len(data) {
		return 0, false
	}
	var value uint32
	for i := 0; i < 4 && rel+i < len(data); i++ {
		value |= uint32(data[rel+i]) << (8 * i)
	}
	return value, true
}

func (d *PCIDevice) allocateBARs() error {
	for i := range d.bars {
		bar := &d.bars[i]
		if bar.aliasOf >= 0 || bar.size == 0 {
			continue
		}
		if bar.size > uint64(^uint32(0)) {
			return fmt.Errorf("BAR %d size %#x exceeds allocator range", i, bar.size)
		}
		size := uint32(bar.size)
		base, err := d.endpointHandle.AllocateMemoryBAR(i, size, size)
		if err != nil {
			return err
		}
		if err := d.OnBARReprogram(i, uint32(base)); err != nil {
			return err
		}
		if bar.is64 {
			if err := d.OnBARReprogram(i+1, uint32(base>>32)); err != nil {
				return err
			}
		}
	}
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (d *PCIDevice) MMIORegions() []hv.MMIORegion {
	regions := make([]hv.MMIORegion, 0, 4)
	for _, s := range d.structures() {
		if s.addr == 0 || s.length == 0 {
			continue
		}
		regions = append(regions, hv.MMIORegion{Address: s.addr, Size: uint64(s.length)})
	}
	return regions
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (d *PCIDevice) ReadMMIO(addr uint64, data []byte) error {
	return d.mmioAccess(addr, data, false)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (d *PCIDevice) WriteMMIO(addr uint64, data []byte) error {
	return d.mmioAccess(addr, data, true)
}

func (d *PCIDevice) mmioAccess(addr uint64, data []byte, write bool) error {
	width := uint32(len(data))
	if width == 0 {
		return nil
	}
	if d.command&pciCommandMemory == 0 {
		return fmt.Errorf("%w: %s access at %#x", ErrDecodeDisabled, d.location, addr)
	}

	switch {
	case regionContains(d.common.addr, d.common.length, addr, width):
		offset := uint32(addr - d.common.addr)
		if write {
			return d.writeCommonBlock(offset, data)
		}
		return d.readCommonBlock(offset, data)
	case regionContains(d.notify.addr, d.notify.length, addr, width):
		if width != 2 && width != 4 {
			return fmt.Errorf("virtio-pci: unsupported notify width %d", width)
		}
		if write {
			return d.handleNotifyWrite(uint32(addr-d.notify.addr), uint16(littleEndianValue(data, width)))
		}
		storeLittleEndian(data, width, 0)
	case regionContains(d.isr.addr, d.isr.length, addr, width):
		if width != 1 {
			return fmt.Errorf("virtio-pci: unsupported ISR access width %d", width)
		}
		if write {
			return nil
		}
		data[0] = d.interruptStatus
		d.interruptStatus = 0
	case regionContains(d.device.addr, d.device.length, addr, width):
		if width != 1 && width != 2 && width != 4 {
			return fmt.Errorf("virtio-pci: unsupported device config width %d", width)
		}
		offset := uint32(addr - d.device.addr)
		if write {
			// The block configuration is read-only apart from fields this
			// emulation does not offer.
			return nil
		}
		storeLittleEndian(data, width, d.readDeviceConfig(offset, width))
	default:
		return fmt.Errorf("virtio-pci: unhandled MMIO access addr=%#x width=%d", addr, width)
	}
	return nil
}

func (d *PCIDevice) readCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtio-pci: invalid common read at offset %#x (len=%d)", offset, len(data))
		}
		storeLittleEndian(data[:width], width, d.handleCommonCfgRead(offset))
		offset += width
		data = data[width:]
	}
	return nil
}

func (d *PCIDevice) writeCommonBlock(offset uint32, data []byte) error {
	for len(data) > 0 {
		width := commonFieldWidth(offset)
		if width == 0 || len(data) < int(width) {
			return fmt.Errorf("virtio-pci: invalid common write at offset %#x (len=%d)", offset, len(data))
		}
		d.handleCommonCfgWrite(offset, littleEndianValue(data[:width], width))
		offset += width
		data = data[width:]
	}
	return nil
}

func commonFieldWidth(offset uint32) uint32 {
	switch offset {
	case commonDFSelect, commonDF, commonGFSelect, commonGF,
		commonQDescLo, commonQDescHi, commonQAvailLo, commonQAvailHi,
		commonQUsedLo, commonQUsedHi:
		return 4
	case commonMSIX, commonNumQ, commonQSelect, commonQSize,
		commonQMSIX, commonQEnable, commonQNotifyOff:
		return 2
	case commonStatus, commonCfgGeneration:
		return 1
	}
	return 0
}

func (d *PCIDevice) currentQueue() *VirtQueue {
	return d.Queue(int(d.queueSel))
}

func (d *PCIDevice) handleCommonCfgRead(offset uint32) uint32 {
	q := d.currentQueue()
	switch offset {
	case commonDFSelect:
		return d.deviceFeatureSel
	case commonDF:
		return featureWord(d.deviceFeatures, d.deviceFeatureSel)
	case commonGFSelect:
		return d.guestFeatureSel
	case commonGF:
		return featureWord(d.guestFeatures, d.guestFeatureSel)
	case commonMSIX:
		return msiNoVector
	case commonNumQ:
		return uint32(len(d.queues))
	case commonStatus:
		return uint32(d.deviceStatus)
	case commonCfgGeneration:
		return uint32(d.cfgGeneration)
	case commonQSelect:
		return uint32(d.queueSel)
	case commonQMSIX:
		return msiNoVector
	}

	// Queue registers read as zero for a queue the device does not have.
	if q == nil {
		return 0
	}
	switch offset {
	case commonQSize:
		if q.Size != 0 {
			return uint32(q.Size)
		}
		return uint32(q.MaxSize)
	case commonQEnable:
		if q.Enabled {
			return 1
		}
		return 0
	case commonQNotifyOff:
		return uint32(q.NotifyOff)
	case commonQDescLo:
		return uint32(q.DescTableAddr)
	case commonQDescHi:
		return uint32(q.DescTableAddr >> 32)
	case commonQAvailLo:
		return uint32(q.AvailRingAddr)
	case commonQAvailHi:
		return uint32(q.AvailRingAddr >> 32)
	case commonQUsedLo:
		return uint32(q.UsedRingAddr)
	case commonQUsedHi:
		return uint32(q.UsedRingAddr >> 32)
	}
	return 0
}

func featureWord(features uint64, sel uint32) uint32 {
	switch sel {
	case 0:
		return uint32(features)
	case 1:
		return uint32(features >> 32)
	}
	return 0
}

func setLow(v uint64, lo uint32) uint64  { return v&^0xffff_ffff | uint64(lo) }
func setHigh(v uint64, hi uint32) uint64 { return v&0xffff_ffff | uint64(hi)<<32 }

func (d *PCIDevice) handleCommonCfgWrite(offset uint32, value uint32) {
	switch offset {
	case commonDFSelect:
		d.deviceFeatureSel = value
		return
	case commonGFSelect:
		d.guestFeatureSel = value
		return
	case commonGF:
		if d.deviceStatus&statusFeaturesOK != 0 {
			return
		}
		switch d.guestFeatureSel {
		case 0:
			d.guestFeatures = setLow(d.guestFeatures, value)
		case 1:
			d.guestFeatures = setHigh(d.guestFeatures, value)
		}
		return
	case commonStatus:
		d.writeStatus(uint8(value))
		return
	case commonQSelect:
		d.queueSel = uint16(value)
		return
	case commonDF, commonMSIX, commonNumQ, commonCfgGeneration, commonQMSIX, commonQNotifyOff:
		// read-only or unsupported
		return
	}

	q := d.currentQueue()
	if q == nil {
		return
	}
	if q.Enabled && offset != commonQEnable {
		slog.Warn("virtio-pci: queue register written while enabled", "location", d.location, "queue", d.queueSel, "offset", offset)
		return
	}
	switch offset {
	case commonQSize:
		if value == 0 || value > uint32(q.MaxSize) {
			slog.Warn("virtio-pci: ignoring invalid queue size", "location", d.location, "queue", d.queueSel, "size", value, "max", q.MaxSize)
			return
		}
		q.Size = uint16(value)
	case commonQEnable:
		if value&1 == 0 || q.Enabled {
			return
		}
		if q.Size == 0 {
			q.Size = q.MaxSize
		}
		q.Enabled = true
		debug.Writef("virtio-pci.queue", "%s queue %d enabled size=%d desc=%#x avail=%#x used=%#x",
			d.location, d.queueSel, q.Size, q.DescTableAddr, q.AvailRingAddr, q.UsedRingAddr)
	case commonQDescLo:
		q.DescTableAddr = setLow(q.DescTableAddr, value)
	case commonQDescHi:
		q.DescTableAddr = setHigh(q.DescTableAddr, value)
	case commonQAvailLo:
		q.AvailRingAddr = setLow(q.AvailRingAddr, value)
	case commonQAvailHi:
		q.AvailRingAddr = setHigh(q.AvailRingAddr, value)
	case commonQUsedLo:
		q.UsedRingAddr = setLow(q.UsedRingAddr, value)
	case commonQUsedHi:
		q.UsedRingAddr = setHigh(q.UsedRingAddr, value)
	}
}

// writeStatus applies a driver status write. Zero resets the device.
// FEATURES_OK only sticks when the driver features are a subset of the
// offered ones and the backend accepts them.
func (d *PCIDevice) writeStatus(value uint8) {
	if value == 0 {
		d.reset()
		return
	}
	old := d.deviceStatus
	if value&statusFeaturesOK != 0 && old&statusFeaturesOK == 0 {
		offered := d.deviceFeatures
		accepted := d.guestFeatures
		if accepted&^offered != 0 || !d.backend.AcceptFeatures(accepted) {
			slog.Debug("virtio-pci: rejecting features", "location", d.location, "offered", fmt.Sprintf("%#x", offered), "accepted", fmt.Sprintf("%#x", accepted))
			value &^= statusFeaturesOK
		}
	}
	d.deviceStatus = value
	debug.Writef("virtio-pci.status", "%s status %#02x -> %#02x", d.location, old, value)
}

func (d *PCIDevice) handleNotifyWrite(offset uint32, value uint16) error {
	index := int(value)
	q := d.Queue(index)
	if q == nil {
		return fmt.Errorf("virtio-pci: notify for unknown queue %d", index)
	}
	if d.notifyOffMultiplier != 0 && offset != uint32(q.NotifyOff)*d.notifyOffMultiplier {
		return fmt.Errorf("virtio-pci: queue %d notified at offset %#x", index, offset)
	}
	if d.deviceStatus&statusDriverOK == 0 || d.deviceStatus&statusFailed != 0 {
		slog.Warn("virtio-pci: notify before DRIVER_OK", "location", d.location, "queue", index, "status", d.deviceStatus)
		return nil
	}
	if !q.Enabled {
		return nil
	}
	debug.Writef("virtio-pci.notify", "%s queue=%d", d.location, index)
	if err := d.backend.ProcessQueue(index, q); err != nil {
		d.deviceStatus |= statusNeedsReset
		d.ConfigChanged()
		return fmt.Errorf("virtio-pci: queue %d: %w", index, err)
	}
	if q.WantsInterrupt() {
		d.interruptStatus |= isrQueue
	}
	return nil
}

func (d *PCIDevice) readDeviceConfig(offset uint32, width uint32) uint32 {
	cfg := d.backend.ConfigBytes()
	var buf [4]byte
	if int(offset) < len(cfg) {
		copy(buf[:width], cfg[offset:])
	}
	return littleEndianValue(buf[:width], width)
}

func (d *PCIDevice) reset() {
	d.deviceFeatureSel = 0
	d.guestFeatureSel = 0
	d.deviceFeatures = d.backend.Features()
	d.guestFeatures = 0
	d.queueSel = 0
	d.deviceStatus = 0
	d.interruptStatus = 0
	for _, q := range d.queues {
		q.Reset()
	}
	d.backend.Reset()
}

func littleEndianValue(buf []byte, length uint32) uint32 {
	switch length {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	case 4:
		return binary.LittleEndian.Uint32(buf)
	default:
		panic(fmt.Sprintf("unsupported little-endian width %d", length))
	}
}

func storeLittleEndian(buf []byte, length uint32, value uint32) {
	switch length {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, value)
	default:
		panic(fmt.Sprintf("unsupported little-endian width %d", length))
	}
}

var (
	_ hv.MemoryMappedIODevice = (*PCIDevice)(nil)
	_ pci.Endpoint            = (*PCIDevice)(nil)
)
