//go:build linux

package pci

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/wyfcyx/virtio-drivers/internal/mmio"
)

const sysfsDevices = "/sys/bus/pci/devices"

// Flags from include/linux/ioport.h as reported in the resource file.
const (
	ioresourceIO       = 0x00000100
	ioresourceMem      = 0x00000200
	ioresourcePrefetch = 0x00002000
	ioresourceMem64    = 0x00100000
)

// Sysfs gives a userspace process access to a PCI function through
// /sys/bus/pci/devices. Configuration space goes through the config file;
// memory BARs are mmapped from the resourceN files. Both need root, and the
// function must not be bound to a kernel driver.
type Sysfs struct {
	dir  string
	fd   int
	maps [][]byte
}

// OpenSysfs opens the function at addr for reading and writing.
func OpenSysfs(addr Address) (*Sysfs, error) {
	dir := filepath.Join(sysfsDevices, addr.SysfsName())
	fd, err := unix.Open(filepath.Join(dir, "config"), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: open %s config: %w", addr, err)
	}
	return &Sysfs{dir: dir, fd: fd}, nil
}

// ListSysfs returns the addresses of every function whose vendor file
// matches vendor.
func ListSysfs(vendor uint16) ([]Address, error) {
	entries, err := os.ReadDir(sysfsDevices)
	if err != nil {
		return nil, fmt.Errorf("pci: list devices: %w", err)
	}
	var out []Address
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(sysfsDevices, e.Name(), "vendor"))
		if err != nil {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 0, 16)
		if err != nil || uint16(v) != vendor {
			continue
		}
		addr, err := ParseAddress(e.Name())
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

func (s *Sysfs) read(offset uint16, buf []byte) {
	if _, err := unix.Pread(s.fd, buf, int64(offset)); err != nil {
		for i := range buf {
			buf[i] = 0xff
		}
	}
}

func (s *Sysfs) write(offset uint16, buf []byte) {
	_, _ = unix.Pwrite(s.fd, buf, int64(offset))
}

func (s *Sysfs) Read8(offset uint16) uint8 {
	var b [1]byte
	s.read(offset, b[:])
	return b[0]
}

func (s *Sysfs) Read16(offset uint16) uint16 {
	var b [2]byte
	s.read(offset, b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (s *Sysfs) Read32(offset uint16) uint32 {
	var b [4]byte
	s.read(offset, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (s *Sysfs) Write16(offset uint16, value uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	s.write(offset, b[:])
}

func (s *Sysfs) Write32(offset uint16, value uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	s.write(offset, b[:])
}

type resource struct {
	start, end, flags uint64
}

// parseResource decodes the sysfs resource file. Only the six BAR lines
// are returned.
func parseResource(text string) ([barCount]resource, error) {
	var out [barCount]resource
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := 0; i < barCount && i < len(lines); i++ {
		fields := strings.Fields(lines[i])
		if len(fields) != 3 {
			return out, fmt.Errorf("pci: malformed resource line %d: %q", i, lines[i])
		}
		var vals [3]uint64
		for j, f := range fields {
			v, err := strconv.ParseUint(f, 0, 64)
			if err != nil {
				return out, fmt.Errorf("pci: malformed resource line %d: %w", i, err)
			}
			vals[j] = v
		}
		out[i] = resource{start: vals[0], end: vals[1], flags: vals[2]}
	}
	return out, nil
}

func (r resource) size() uint64 {
	if r.end == 0 && r.start == 0 {
		return 0
	}
	return r.end - r.start + 1
}

// MapBARs maps every memory BAR into the process and returns the BAR table
// with Address set to the mapped virtual address, ready to be used with
// mmio.Direct. I/O BARs are reported with their port base.
func (s *Sysfs) MapBARs() ([barCount]BAR, error) {
	var bars [barCount]BAR
	raw, err := os.ReadFile(filepath.Join(s.dir, "resource"))
	if err != nil {
		return bars, fmt.Errorf("pci: read resource: %w", err)
	}
	res, err := parseResource(string(raw))
	if err != nil {
		return bars, err
	}
	for i, r := range res {
		size := r.size()
		if size == 0 {
			continue
		}
		switch {
		case r.flags&ioresourceIO != 0:
			bars[i] = &IOBAR{Address: r.start, Length: size}
		case r.flags&ioresourceMem != 0:
			mapped, err := s.mapResource(i, size)
			if err != nil {
				return bars, err
			}
			bars[i] = &MemoryBAR{
				Address:      mmio.AddrOf(mapped),
				Length:       size,
				Prefetchable: r.flags&ioresourcePrefetch != 0,
				Is64:         r.flags&ioresourceMem64 != 0,
			}
		}
	}
	return bars, nil
}

func (s *Sysfs) mapResource(index int, size uint64) ([]byte, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("resource%d", index))
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: open %s: %w", path, err)
	}
	defer unix.Close(fd)
	buf, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pci: mmap %s: %w", path, err)
	}
	s.maps = append(s.maps, buf)
	return buf, nil
}

// Close unmaps the BARs and closes the config file.
func (s *Sysfs) Close() error {
	var firstErr error
	for _, m := range s.maps {
		if err := unix.Munmap(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.maps = nil
	if err := unix.Close(s.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ ConfigSpace = (*Sysfs)(nil)
