package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wyfcyx/virtio-drivers/internal/virtio"
)

const (
	modeEmulate = "emulate"
	modeSysfs   = "sysfs"

	defaultImageSize = 16 << 20
)

// Config selects the block device to drive. Every field can also be set
// by a flag of the same name; flags win.
type Config struct {
	Mode string `yaml:"mode"`

	// Emulated device.
	Image    string `yaml:"image"`
	Size     int64  `yaml:"size"`
	Serial   string `yaml:"serial"`
	ReadOnly bool   `yaml:"read_only"`

	// PCIAddress is the function to drive in sysfs mode and the slot the
	// emulated function is placed in otherwise.
	PCIAddress string `yaml:"pci_address"`

	// Features lists optional block features to accept: flush, ro and
	// blk_size.
	Features []string `yaml:"features"`

	// Trace names a file receiving a binary log of every register access.
	Trace string `yaml:"trace"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = modeEmulate
	}
	if c.Mode == modeEmulate && c.Image == "" && c.Size == 0 {
		c.Size = defaultImageSize
	}
	return c
}

func (c Config) validate() error {
	switch c.Mode {
	case modeEmulate:
		if c.Size < 0 {
			return fmt.Errorf("size must not be negative")
		}
	case modeSysfs:
		if c.PCIAddress == "" {
			return fmt.Errorf("sysfs mode needs pci_address")
		}
	default:
		return fmt.Errorf("unknown mode %q (want %s or %s)", c.Mode, modeEmulate, modeSysfs)
	}
	_, err := parseFeatures(c.Features)
	return err
}

var featureByName = map[string]virtio.Features{
	"flush":    virtio.BlkFeatureFlush,
	"ro":       virtio.BlkFeatureRO,
	"blk_size": virtio.BlkFeatureBlkSize,
}

func parseFeatures(names []string) (virtio.Features, error) {
	var f virtio.Features
	for _, name := range names {
		bit, ok := featureByName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown feature %q", name)
		}
		f |= bit
	}
	return f, nil
}
