//go:build linux

package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/wyfcyx/virtio-drivers/internal/dma"
	"github.com/wyfcyx/virtio-drivers/internal/mmio"
	"github.com/wyfcyx/virtio-drivers/internal/pci"
	"github.com/wyfcyx/virtio-drivers/internal/virtio"
)

// openSysfs drives a real function that has been unbound from its kernel
// driver. Needs root.
func openSysfs(addr pci.Address, bus mmio.Bus, features virtio.Features) (*target, error) {
	cs, err := pci.OpenSysfs(addr)
	if err != nil {
		return nil, err
	}
	t := &target{closers: []io.Closer{cs}}

	bars, err := cs.MapBARs()
	if err != nil {
		t.Close()
		return nil, err
	}
	mem, err := dma.NewPagemap()
	if err != nil {
		t.Close()
		return nil, err
	}
	t.closers = append(t.closers, mem)

	h, err := virtio.Probe(cs, bus, bars)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("probe %s: %w", addr, err)
	}
	blk, err := virtio.NewBlkWithFeatures(h, mem, features)
	if err != nil {
		h.Fail()
		t.Close()
		return nil, err
	}
	t.blk, t.header = blk, h
	slog.Debug("vblk: sysfs device ready", "location", addr)
	return t, nil
}
