package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// GuestMemory provides access to guest physical memory. Offsets passed to
// ReadAt and WriteAt are guest physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4

	virtqAvailFNoInterrupt = 1
)

// Descriptor is a single split-ring descriptor.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

func (d Descriptor) Writable() bool { return d.Flags&virtqDescFWrite != 0 }

// Chain is a descriptor chain taken from the available ring.
type Chain struct {
	Head        uint16
	Descriptors []Descriptor
}

// Readable returns the leading device-readable descriptors.
func (c Chain) Readable() []Descriptor {
	for i, d := range c.Descriptors {
		if d.Writable() {
			return c.Descriptors[:i]
		}
	}
	return c.Descriptors
}

// Writable returns the trailing device-writable descriptors.
func (c Chain) Writable() []Descriptor {
	return c.Descriptors[len(c.Readable()):]
}

// VirtQueue is the device view of one split virtqueue.
type VirtQueue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Enabled       bool
	NotifyOff     uint16

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

func NewVirtQueue(mem GuestMemory, maxSize uint16, notifyOff uint16) *VirtQueue {
	return &VirtQueue{
		MaxSize:   maxSize,
		NotifyOff: notifyOff,
		mem:       mem,
	}
}

// Reset clears the queue state.
func (q *VirtQueue) Reset() {
	q.Size = 0
	q.Enabled = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

func (q *VirtQueue) ensureReady() error {
	if !q.Enabled || q.Size == 0 {
		return fmt.Errorf("queue not ready")
	}
	if q.mem == nil {
		return fmt.Errorf("guest memory accessor is nil")
	}
	return nil
}

// ReadDescriptor reads a descriptor from the descriptor table.
func (q *VirtQueue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if err := q.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var buf [16]byte
	if err := q.ReadGuest(q.DescTableAddr+uint64(idx)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *VirtQueue) availState() (flags, idx uint16, err error) {
	var header [4]byte
	if err := q.ReadGuest(q.AvailRingAddr, header[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint16(header[0:2]), binary.LittleEndian.Uint16(header[2:4]), nil
}

// PopChain takes the next available descriptor chain. ok is false when the
// driver has nothing pending.
func (q *VirtQueue) PopChain() (chain Chain, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return Chain{}, false, err
	}
	_, availIdx, err := q.availState()
	if err != nil {
		return Chain{}, false, err
	}
	if q.lastAvailIdx == availIdx {
		return Chain{}, false, nil
	}

	var buf [2]byte
	slot := q.lastAvailIdx % q.Size
	if err := q.ReadGuest(q.AvailRingAddr+4+uint64(slot)*2, buf[:]); err != nil {
		return Chain{}, false, err
	}
	head := binary.LittleEndian.Uint16(buf[:])
	q.lastAvailIdx++

	chain = Chain{Head: head}
	index := head
	// A chain longer than the ring is a loop.
	for i := uint16(0); ; i++ {
		if i == q.Size {
			return chain, true, fmt.Errorf("descriptor chain from %d does not terminate", head)
		}
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return chain, true, err
		}
		if desc.Flags&virtqDescFIndirect != 0 {
			return chain, true, fmt.Errorf("indirect descriptors not negotiated")
		}
		chain.Descriptors = append(chain.Descriptors, desc)
		if desc.Flags&virtqDescFNext == 0 {
			break
		}
		index = desc.Next
	}
	return chain, true, nil
}

// PushUsed returns chain head to the driver with the number of bytes
// written into its device-writable buffers.
func (q *VirtQueue) PushUsed(head uint16, written uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	slot := q.usedIdx % q.Size
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if err := q.WriteGuest(q.UsedRingAddr+4+uint64(slot)*8, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	return q.WriteGuest(q.UsedRingAddr+2, idx[:])
}

// WantsInterrupt reports whether the driver left interrupts enabled.
func (q *VirtQueue) WantsInterrupt() bool {
	flags, _, err := q.availState()
	if err != nil {
		return true
	}
	return flags&virtqAvailFNoInterrupt == 0
}

// ReadGuest fills buf from guest memory at addr.
func (q *VirtQueue) ReadGuest(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

// WriteGuest copies data into guest memory at addr.
func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func guestOffset(addr uint64, length int) (int64, error) {
	if addr > uint64(1<<63-1) || addr+uint64(length) < addr {
		return 0, fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	return int64(addr), nil
}
