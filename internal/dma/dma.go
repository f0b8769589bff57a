// Package dma allocates memory that devices can address directly.
package dma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wyfcyx/virtio-drivers/internal/mmio"
)

var (
	ErrExhausted     = errors.New("dma: out of memory")
	ErrBadAlignment  = errors.New("dma: alignment must be a power of two")
	ErrNotContiguous = errors.New("dma: region is not physically contiguous")
)

// Region is a physically contiguous buffer. Bytes is the CPU view and Phys
// the bus address of Bytes[0].
type Region struct {
	Phys  uint64
	Bytes []byte
}

func (r *Region) Len() int { return len(r.Bytes) }

// Allocator hands out zeroed DMA regions. Regions live as long as the
// allocator.
type Allocator interface {
	Alloc(size, align int) (*Region, error)
}

func checkAlign(align int) (uint64, error) {
	if align <= 0 {
		return 1, nil
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("%w (got %d)", ErrBadAlignment, align)
	}
	return uint64(align), nil
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

// Arena is a bump allocator over a byte slice whose first byte sits at a
// known bus address, such as guest RAM in an emulated machine.
type Arena struct {
	mu   sync.Mutex
	mem  []byte
	base uint64
	next uint64
}

func NewArena(mem []byte, base uint64) *Arena {
	return &Arena{mem: mem, base: base}
}

func (a *Arena) Alloc(size, align int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid allocation size %d", size)
	}
	al, err := checkAlign(align)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	phys := alignUp(a.base+a.next, al)
	off := phys - a.base
	end := off + uint64(size)
	if end > uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: want %d bytes, %d free", ErrExhausted, size, uint64(len(a.mem))-a.next)
	}
	a.next = end

	buf := a.mem[off:end:end]
	clear(buf)
	return &Region{Phys: phys, Bytes: buf}, nil
}

// Used reports how many bytes of the arena have been handed out.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.next)
}

// Identity allocates from the Go heap and reports virtual addresses as bus
// addresses. It is only correct where the CPU runs with an identity mapping
// and no IOMMU, as on a bare-metal kernel.
type Identity struct{}

func (Identity) Alloc(size, align int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid allocation size %d", size)
	}
	al, err := checkAlign(align)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, size+int(al))
	start := mmio.AddrOf(raw)
	off := alignUp(start, al) - start
	buf := raw[off : off+uint64(size) : off+uint64(size)]
	return &Region{Phys: start + off, Bytes: buf}, nil
}

var (
	_ Allocator = (*Arena)(nil)
	_ Allocator = Identity{}
)
