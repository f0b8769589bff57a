//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"github.com/wyfcyx/virtio-drivers/internal/mmio"
	"github.com/wyfcyx/virtio-drivers/internal/pci"
	"github.com/wyfcyx/virtio-drivers/internal/virtio"
)

func openSysfs(pci.Address, mmio.Bus, virtio.Features) (*target, error) {
	return nil, fmt.Errorf("sysfs mode is not supported on %s", runtime.GOOS)
}
