package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	devvirtio "github.com/wyfcyx/virtio-drivers/internal/devices/virtio"
	"github.com/wyfcyx/virtio-drivers/internal/emu"
	"github.com/wyfcyx/virtio-drivers/internal/mmio"
	"github.com/wyfcyx/virtio-drivers/internal/pci"
	"github.com/wyfcyx/virtio-drivers/internal/virtio"
)

// target is an initialized block driver together with whatever keeps its
// device alive.
type target struct {
	blk    *virtio.Blk
	header *virtio.Header

	// check reports device-side faults seen so far; nil for real hardware.
	check   func() error
	closers []io.Closer
}

func (t *target) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		errs = append(errs, t.closers[i].Close())
	}
	return errors.Join(errs...)
}

// Err returns faults recorded by an emulated device.
func (t *target) Err() error {
	if t.check == nil {
		return nil
	}
	return t.check()
}

func openTarget(cfg Config) (*target, error) {
	features, err := parseFeatures(cfg.Features)
	if err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case modeEmulate:
		return openEmulated(cfg, features)
	case modeSysfs:
		addr, err := pci.ParseAddress(cfg.PCIAddress)
		if err != nil {
			return nil, err
		}
		return openSysfs(addr, traceBus(cfg, mmio.NewDirect()), features)
	}
	return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
}

// traceBus wraps bus so accesses reach the debug log when tracing is on.
func traceBus(cfg Config, bus mmio.Bus) mmio.Bus {
	if cfg.Trace == "" {
		return bus
	}
	return &mmio.Traced{Bus: bus, Source: "vblk.mmio"}
}

func openImage(cfg Config) (devvirtio.Disk, int64, io.Closer, error) {
	if cfg.Image == "" {
		disk := devvirtio.NewMemoryDisk(cfg.Size)
		return disk, disk.Size(), nil, nil
	}

	flags := os.O_RDWR | os.O_CREATE
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(cfg.Image, flags, 0o644)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("stat image: %w", err)
	}
	size := info.Size()
	if cfg.Size > size {
		if cfg.ReadOnly {
			f.Close()
			return nil, 0, nil, fmt.Errorf("image %s is %d bytes, smaller than size %d", cfg.Image, size, cfg.Size)
		}
		if err := f.Truncate(cfg.Size); err != nil {
			f.Close()
			return nil, 0, nil, fmt.Errorf("grow image: %w", err)
		}
		size = cfg.Size
	}
	return f, size, f, nil
}

func openEmulated(cfg Config, features virtio.Features) (*target, error) {
	disk, size, closer, err := openImage(cfg)
	if err != nil {
		return nil, err
	}
	t := &target{}
	if closer != nil {
		t.closers = append(t.closers, closer)
	}

	var location pci.Address
	if cfg.PCIAddress != "" {
		if location, err = pci.ParseAddress(cfg.PCIAddress); err != nil {
			t.Close()
			return nil, err
		}
	}

	m, err := emu.NewBlockMachine(emu.BlockConfig{
		Machine:  emu.Config{MaxBus: location.Bus},
		Location: location,
		Blk: devvirtio.BlkConfig{
			Disk:     disk,
			Size:     size,
			ReadOnly: cfg.ReadOnly,
			Serial:   cfg.Serial,
		},
	})
	if err != nil {
		t.Close()
		return nil, err
	}
	t.check = m.Err

	bus := traceBus(cfg, m)
	fn := pci.NewECAM(bus, m.Host().ConfigBase()).Function(m.Address)
	h, err := virtio.Probe(fn, bus, pci.DecodeBARs(fn))
	if err != nil {
		t.Close()
		return nil, err
	}
	blk, err := virtio.NewBlkWithFeatures(h, m.DMA(), features)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.blk, t.header = blk, h
	slog.Debug("vblk: emulated device ready", "location", m.Address, "image", cfg.Image, "bytes", size)
	return t, nil
}
