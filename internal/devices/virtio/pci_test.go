package virtio

import (
	"encoding/binary"
	"errors"
	"testing"
)

const (
	testBAR0 = 0xa000_0000
	testBAR1 = 0xa000_1000
	testBAR2 = 0xa000_2000
	testBAR4 = 0xa000_4000
)

// newTestPCIDevice builds an unattached device and programs its BARs and
// command register the way firmware would.
func newTestPCIDevice(t *testing.T, cfg PCIDeviceConfig) (*PCIDevice, *ring) {
	t.Helper()
	r := newRing(t, 8)
	if cfg.Backend == nil {
		b, _ := newTestBlk(t, BlkConfig{Serial: "pci"})
		cfg.Backend = b
	}
	cfg.Memory = r.mem
	d, err := NewPCIDevice(cfg)
	if err != nil {
		t.Fatalf("NewPCIDevice: %v", err)
	}
	for i, base := range map[int]uint32{0: testBAR0, 1: testBAR1, 2: testBAR2, 4: testBAR4, 5: 0} {
		if err := d.OnBARReprogram(i, base); err != nil {
			t.Fatalf("OnBARReprogram(%d): %v", i, err)
		}
	}
	if err := d.WriteConfig(0x04, 2, pciCommandMemory); err != nil {
		t.Fatalf("enable memory decoding: %v", err)
	}
	return d, r
}

func mmioRead(t *testing.T, d *PCIDevice, addr uint64, width int) uint32 {
	t.Helper()
	buf := make([]byte, width)
	if err := d.ReadMMIO(addr, buf); err != nil {
		t.Fatalf("ReadMMIO(%#x): %v", addr, err)
	}
	var full [4]byte
	copy(full[:], buf)
	return binary.LittleEndian.Uint32(full[:])
}

func mmioWrite(t *testing.T, d *PCIDevice, addr uint64, width int, value uint32) {
	t.Helper()
	var full [4]byte
	binary.LittleEndian.PutUint32(full[:], value)
	if err := d.WriteMMIO(addr, full[:width]); err != nil {
		t.Fatalf("WriteMMIO(%#x): %v", addr, err)
	}
}

func configRead(t *testing.T, d *PCIDevice, off uint16, size uint8) uint32 {
	t.Helper()
	v, err := d.ReadConfig(off, size)
	if err != nil {
		t.Fatalf("ReadConfig(%#x): %v", off, err)
	}
	return v
}

func TestPCIDeviceIdentity(t *testing.T) {
	d, _ := newTestPCIDevice(t, PCIDeviceConfig{NotifyMultiplier: -1})
	if got := configRead(t, d, 0x00, 2); got != VendorID {
		t.Fatalf("vendor = %#x", got)
	}
	if got := configRead(t, d, 0x02, 2); got != 0x1042 {
		t.Fatalf("device id = %#x, want 0x1042", got)
	}
	if got := configRead(t, d, 0x2e, 2); got != BlkDeviceType {
		t.Fatalf("subsystem id = %#x", got)
	}

	legacy, _ := newTestPCIDevice(t, PCIDeviceConfig{Transitional: true})
	if got := legacy.DeviceID(); got != 0x1001 {
		t.Fatalf("transitional device id = %#x, want 0x1001", got)
	}
}

func TestPCIDeviceCapabilities(t *testing.T) {
	d, _ := newTestPCIDevice(t, PCIDeviceConfig{NotifyMultiplier: 8})

	if configRead(t, d, 0x06, 2)&pciStatusCapabilitiesList == 0 {
		t.Fatal("capabilities list bit clear")
	}
	type capInfo struct {
		cfgType, bar uint8
		offset       uint32
		length       uint32
	}
	var caps []capInfo
	var multiplier uint32
	for pos := uint16(configRead(t, d, 0x34, 1)); pos != 0; {
		if id := configRead(t, d, pos, 1); id != vendorCapID {
			t.Fatalf("capability at %#x has id %#x", pos, id)
		}
		c := capInfo{
			cfgType: uint8(configRead(t, d, pos+3, 1)),
			bar:     uint8(configRead(t, d, pos+4, 1)),
			offset:  configRead(t, d, pos+8, 4),
			length:  configRead(t, d, pos+12, 4),
		}
		if c.cfgType == capNotifyCfg {
			multiplier = configRead(t, d, pos+16, 4)
		}
		caps = append(caps, c)
		pos = uint16(configRead(t, d, pos+1, 1))
	}

	want := []capInfo{
		{capCommonCfg, 0, 0, commonCfgLength},
		{capNotifyCfg, 2, 0, 8},
		{capISRCfg, 1, 0, 1},
		{capDeviceCfg, 4, 0, blkConfigSize},
	}
	if len(caps) != len(want) {
		t.Fatalf("capabilities = %+v", caps)
	}
	for i := range want {
		if caps[i] != want[i] {
			t.Fatalf("capability %d = %+v, want %+v", i, caps[i], want[i])
		}
	}
	if multiplier != 8 {
		t.Fatalf("notify multiplier = %d", multiplier)
	}
}

func TestPCIDeviceBARSizing(t *testing.T) {
	d, _ := newTestPCIDevice(t, PCIDeviceConfig{})

	cases := []struct {
		off  uint16
		want uint32
	}{
		{0x10, 0xffff_f000},
		{0x20, 0xffff_f000 | barAttr64},
		{0x24, 0xffff_ffff},
		{0x1c, 0}, // BAR3 is unimplemented
	}
	for _, tc := range cases {
		if err := d.WriteConfig(tc.off, 4, 0xffff_ffff); err != nil {
			t.Fatalf("WriteConfig: %v", err)
		}
		if got := configRead(t, d, tc.off, 4); got != tc.want {
			t.Errorf("BAR at %#x sizes to %#x, want %#x", tc.off, got, tc.want)
		}
	}

	// Restoring the address ends the sizing cycle.
	if err := d.OnBARReprogram(0, testBAR0); err != nil {
		t.Fatalf("OnBARReprogram: %v", err)
	}
	if got := configRead(t, d, 0x10, 4); got != testBAR0 {
		t.Fatalf("BAR0 = %#x after restore", got)
	}
}

func TestPCIDeviceDecodeDisabled(t *testing.T) {
	d, _ := newTestPCIDevice(t, PCIDeviceConfig{})
	if err := d.WriteConfig(0x04, 2, 0); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	if err := d.ReadMMIO(testBAR0+commonStatus, make([]byte, 1)); !errors.Is(err, ErrDecodeDisabled) {
		t.Fatalf("err = %v, want ErrDecodeDisabled", err)
	}
}

func TestPCIDeviceFeatureNegotiation(t *testing.T) {
	d, _ := newTestPCIDevice(t, PCIDeviceConfig{})

	mmioWrite(t, d, testBAR0+commonDFSelect, 4, 1)
	if got := mmioRead(t, d, testBAR0+commonDF, 4); got != 1 {
		t.Fatalf("device features high word = %#x, want VERSION_1", got)
	}

	t.Run("unoffered bit", func(t *testing.T) {
		mmioWrite(t, d, testBAR0+commonStatus, 1, 0)
		mmioWrite(t, d, testBAR0+commonGFSelect, 4, 0)
		mmioWrite(t, d, testBAR0+commonGF, 4, uint32(1<<13))
		mmioWrite(t, d, testBAR0+commonStatus, 1, statusAcknowledge|statusDriver|statusFeaturesOK)
		if d.Status()&statusFeaturesOK != 0 {
			t.Fatal("FEATURES_OK accepted for unoffered feature")
		}
	})

	t.Run("subset", func(t *testing.T) {
		mmioWrite(t, d, testBAR0+commonStatus, 1, 0)
		mmioWrite(t, d, testBAR0+commonGFSelect, 4, 0)
		mmioWrite(t, d, testBAR0+commonGF, 4, uint32(BlkFeatureFlush))
		mmioWrite(t, d, testBAR0+commonStatus, 1, statusAcknowledge|statusDriver|statusFeaturesOK)
		if d.Status()&statusFeaturesOK == 0 {
			t.Fatal("FEATURES_OK refused for offered subset")
		}
		// Ignored once FEATURES_OK is set.
		mmioWrite(t, d, testBAR0+commonGF, 4, 0)
		if d.DriverFeatures() != BlkFeatureFlush {
			t.Fatalf("driver features changed to %#x", d.DriverFeatures())
		}
	})
}

func TestPCIDeviceQueueSetup(t *testing.T) {
	d, _ := newTestPCIDevice(t, PCIDeviceConfig{})

	if got := mmioRead(t, d, testBAR0+commonNumQ, 2); got != 1 {
		t.Fatalf("num_queues = %d", got)
	}
	mmioWrite(t, d, testBAR0+commonQSelect, 2, 0)
	if got := mmioRead(t, d, testBAR0+commonQSize, 2); got != blkQueueNumMax {
		t.Fatalf("queue max size = %d", got)
	}
	mmioWrite(t, d, testBAR0+commonQSize, 2, 1000)
	if got := mmioRead(t, d, testBAR0+commonQSize, 2); got != blkQueueNumMax {
		t.Fatalf("oversized queue size accepted: %d", got)
	}
	mmioWrite(t, d, testBAR0+commonQSize, 2, 8)
	mmioWrite(t, d, testBAR0+commonQDescLo, 4, ringDesc)
	mmioWrite(t, d, testBAR0+commonQAvailLo, 4, ringAvail)
	mmioWrite(t, d, testBAR0+commonQUsedLo, 4, ringUsed)
	mmioWrite(t, d, testBAR0+commonQEnable, 2, 1)

	q := d.Queue(0)
	if !q.Enabled || q.Size != 8 || q.DescTableAddr != ringDesc {
		t.Fatalf("queue state %+v", q)
	}
	mmioWrite(t, d, testBAR0+commonQDescLo, 4, 0x4000)
	if q.DescTableAddr != ringDesc {
		t.Fatal("descriptor address changed while enabled")
	}

	mmioWrite(t, d, testBAR0+commonQSelect, 2, 5)
	if got := mmioRead(t, d, testBAR0+commonQSize, 2); got != 0 {
		t.Fatalf("absent queue size = %d", got)
	}

	mmioWrite(t, d, testBAR0+commonStatus, 1, 0)
	if q.Enabled || d.Status() != 0 {
		t.Fatal("reset left queue enabled")
	}
}

func TestPCIDeviceNotify(t *testing.T) {
	d, r := newTestPCIDevice(t, PCIDeviceConfig{})

	mmioWrite(t, d, testBAR0+commonQSelect, 2, 0)
	mmioWrite(t, d, testBAR0+commonQSize, 2, 8)
	mmioWrite(t, d, testBAR0+commonQDescLo, 4, ringDesc)
	mmioWrite(t, d, testBAR0+commonQAvailLo, 4, ringAvail)
	mmioWrite(t, d, testBAR0+commonQUsedLo, 4, ringUsed)
	mmioWrite(t, d, testBAR0+commonQEnable, 2, 1)

	r.chain(0, [][]byte{blkHeader(BlkTypeGetID, 0)}, []int{blkIDBytes, 1})

	// Before DRIVER_OK the doorbell is ignored.
	mmioWrite(t, d, testBAR2, 2, 0)
	if r.usedIdx() != 0 {
		t.Fatal("request processed before DRIVER_OK")
	}

	mmioWrite(t, d, testBAR0+commonStatus, 1, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
	mmioWrite(t, d, testBAR2, 2, 0)
	if r.usedIdx() != 1 {
		t.Fatalf("used idx = %d after notify", r.usedIdx())
	}
	if isr := mmioRead(t, d, testBAR1, 1); isr&isrQueue == 0 {
		t.Fatalf("ISR = %#x, want queue bit", isr)
	}
	if isr := mmioRead(t, d, testBAR1, 1); isr != 0 {
		t.Fatalf("ISR = %#x after read, want cleared", isr)
	}

	if err := d.WriteMMIO(testBAR2, []byte{3, 0}); err == nil {
		t.Fatal("expected error for notify of unknown queue")
	}
}

func TestPCIDeviceProcessingErrorNeedsReset(t *testing.T) {
	d, r := newTestPCIDevice(t, PCIDeviceConfig{})

	mmioWrite(t, d, testBAR0+commonQSize, 2, 8)
	mmioWrite(t, d, testBAR0+commonQDescLo, 4, ringDesc)
	mmioWrite(t, d, testBAR0+commonQAvailLo, 4, ringAvail)
	mmioWrite(t, d, testBAR0+commonQUsedLo, 4, ringUsed)
	mmioWrite(t, d, testBAR0+commonQEnable, 2, 1)
	mmioWrite(t, d, testBAR0+commonStatus, 1, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)

	// Header only, no status byte.
	r.chain(0, [][]byte{blkHeader(BlkTypeIn, 0)}, nil)
	if err := d.WriteMMIO(testBAR2, []byte{0, 0}); err == nil {
		t.Fatal("expected processing error")
	}
	if d.Status()&statusNeedsReset == 0 {
		t.Fatal("DEVICE_NEEDS_RESET not set")
	}
	if isr := mmioRead(t, d, testBAR1, 1); isr&isrConfig == 0 {
		t.Fatalf("ISR = %#x, want config change bit", isr)
	}
	if gen := mmioRead(t, d, testBAR0+commonCfgGeneration, 1); gen != 1 {
		t.Fatalf("config generation = %d", gen)
	}
}

func TestPCIDeviceConfigRead(t *testing.T) {
	d, _ := newTestPCIDevice(t, PCIDeviceConfig{})
	lo := mmioRead(t, d, testBAR4, 4)
	hi := mmioRead(t, d, testBAR4+4, 4)
	if capacity := uint64(hi)<<32 | uint64(lo); capacity != 64 {
		t.Fatalf("capacity = %d", capacity)
	}
	if got := mmioRead(t, d, testBAR4+0x14, 4); got != blkSectorSize {
		t.Fatalf("blk_size = %d", got)
	}
}
