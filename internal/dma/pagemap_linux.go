//go:build linux

package dma

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wyfcyx/virtio-drivers/internal/mmio"
)

const (
	pagemapPFNMask  = (uint64(1) << 55) - 1
	pagemapPresent  = uint64(1) << 63
	pagemapEntryLen = 8
)

// decodePagemapEntry splits a /proc/self/pagemap entry.
func decodePagemapEntry(entry uint64) (pfn uint64, present bool) {
	return entry & pagemapPFNMask, entry&pagemapPresent != 0
}

// Pagemap allocates locked anonymous pages and resolves their physical
// addresses through /proc/self/pagemap. Reading physical frame numbers
// needs CAP_SYS_ADMIN. Sub-page allocations are packed into a shared page;
// larger ones are rejected unless the kernel happened to back them with
// contiguous frames.
type Pagemap struct {
	mu       sync.Mutex
	fd       int
	pageSize int
	mappings [][]byte

	page     []byte
	pagePhys uint64
	pageUsed int
}

func NewPagemap() (*Pagemap, error) {
	fd, err := unix.Open("/proc/self/pagemap", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dma: open pagemap: %w", err)
	}
	return &Pagemap{fd: fd, pageSize: unix.Getpagesize()}, nil
}

func (p *Pagemap) Alloc(size, align int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid allocation size %d", size)
	}
	al, err := checkAlign(align)
	if err != nil {
		return nil, err
	}
	if al > uint64(p.pageSize) {
		return nil, fmt.Errorf("dma: alignment %d exceeds page size %d", al, p.pageSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if size > p.pageSize {
		buf, phys, err := p.mapPages(size)
		if err != nil {
			return nil, err
		}
		return &Region{Phys: phys, Bytes: buf[:size:size]}, nil
	}

	off := int(alignUp(uint64(p.pageUsed), al))
	if p.page == nil || off+size > p.pageSize {
		buf, phys, err := p.mapPages(p.pageSize)
		if err != nil {
			return nil, err
		}
		p.page, p.pagePhys, p.pageUsed = buf, phys, 0
		off = 0
	}
	p.pageUsed = off + size
	return &Region{Phys: p.pagePhys + uint64(off), Bytes: p.page[off : off+size : off+size]}, nil
}

func (p *Pagemap) mapPages(size int) ([]byte, uint64, error) {
	length := int(alignUp(uint64(size), uint64(p.pageSize)))
	buf, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_POPULATE|unix.MAP_LOCKED)
	if err != nil {
		return nil, 0, fmt.Errorf("dma: mmap %d bytes: %w", length, err)
	}
	p.mappings = append(p.mappings, buf)

	var first uint64
	for off := 0; off < length; off += p.pageSize {
		phys, err := p.physAddr(mmio.AddrOf(buf[off:]))
		if err != nil {
			return nil, 0, err
		}
		if off == 0 {
			first = phys
		} else if phys != first+uint64(off) {
			return nil, 0, fmt.Errorf("%w: %d bytes", ErrNotContiguous, size)
		}
	}
	return buf, first, nil
}

func (p *Pagemap) physAddr(virt uint64) (uint64, error) {
	var entry [pagemapEntryLen]byte
	off := int64(virt/uint64(p.pageSize)) * pagemapEntryLen
	if _, err := unix.Pread(p.fd, entry[:], off); err != nil {
		return 0, fmt.Errorf("dma: read pagemap: %w", err)
	}
	pfn, present := decodePagemapEntry(binary.LittleEndian.Uint64(entry[:]))
	if !present || pfn == 0 {
		return 0, fmt.Errorf("dma: page %#x not resident or pagemap restricted", virt)
	}
	return pfn*uint64(p.pageSize) + virt%uint64(p.pageSize), nil
}

// Close unmaps every region. Regions handed out earlier must not be used
// afterwards.
func (p *Pagemap) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, m := range p.mappings {
		if err := unix.Munmap(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.mappings = nil
	p.page = nil
	if err := unix.Close(p.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ Allocator = (*Pagemap)(nil)
