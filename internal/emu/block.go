package emu

import (
	"fmt"

	devvirtio "github.com/wyfcyx/virtio-drivers/internal/devices/virtio"
	"github.com/wyfcyx/virtio-drivers/internal/pci"
)

// BlockConfig describes a machine with a single virtio block function.
type BlockConfig struct {
	Machine Config

	// Location defaults to 00:01.0.
	Location pci.Address

	Blk devvirtio.BlkConfig

	// NotifyMultiplier defaults to 4; set NotifyShared for a multiplier of 0.
	NotifyMultiplier int
	NotifyShared     bool
	Transitional     bool
}

// BlockMachine is a Machine with one emulated block device attached.
type BlockMachine struct {
	*Machine

	Address pci.Address
	Device  *devvirtio.PCIDevice
	Backend *devvirtio.Blk
}

func NewBlockMachine(cfg BlockConfig) (*BlockMachine, error) {
	m, err := NewMachine(cfg.Machine)
	if err != nil {
		return nil, err
	}
	if cfg.Location == (pci.Address{}) {
		cfg.Location = pci.Address{Device: 1}
	}

	backend, err := devvirtio.NewBlk(cfg.Blk)
	if err != nil {
		return nil, err
	}

	multiplier := cfg.NotifyMultiplier
	switch {
	case cfg.NotifyShared:
		multiplier = 0
	case multiplier == 0:
		multiplier = 4
	}
	dev, err := devvirtio.NewPCIDevice(devvirtio.PCIDeviceConfig{
		Host:             m.Host(),
		Bus:              cfg.Location.Bus,
		Device:           cfg.Location.Device,
		Function:         cfg.Location.Function,
		Memory:           m,
		Backend:          backend,
		NotifyMultiplier: multiplier,
		Transitional:     cfg.Transitional,
	})
	if err != nil {
		return nil, fmt.Errorf("emu: attach virtio-blk at %s: %w", cfg.Location, err)
	}
	m.AddDevice(dev)

	return &BlockMachine{
		Machine: m,
		Address: cfg.Location,
		Device:  dev,
		Backend: backend,
	}, nil
}

// Function returns the guest view of the block device's configuration
// space.
func (b *BlockMachine) Function() *pci.Function {
	return b.ECAM().Function(b.Address)
}
