package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wyfcyx/virtio-drivers/internal/dma"
)

// Split virtqueue layout (virtio 1.1, 2.6).
const (
	descSize       = 16
	descAlign      = 16
	availAlign     = 2
	usedAlign      = 4
	usedElemSize   = 8
	ringHeaderSize = 4

	descFlagNext     = 1
	descFlagWrite    = 2
	descFlagIndirect = 4

	// MaxSegment is the largest single buffer Submit accepts. Every
	// descriptor owns a bounce buffer of this size.
	MaxSegment = 4096
)

var (
	ErrQueueInUse       = errors.New("virtio: queue already in use")
	ErrQueueUnavailable = errors.New("virtio: queue not provided by device")
	ErrQueueTooLarge    = errors.New("virtio: queue size exceeds device maximum")
	ErrInvalidQueueSize = errors.New("virtio: queue size must be a non-zero power of two")
	ErrQueueFull        = errors.New("virtio: not enough free descriptors")
	ErrEmptyRequest     = errors.New("virtio: request has no buffers")
	ErrSegmentTooLarge  = errors.New("virtio: buffer exceeds maximum segment size")
	ErrNotReady         = errors.New("virtio: no completed request")
)

type inflight struct {
	in    [][]byte
	first int // descriptor offset of in[0] within the chain
	descs []uint16
}

// Queue is the driver side of a split virtqueue. Buffers passed to Submit
// are staged through DMA bounce buffers, so callers may use ordinary Go
// memory; device writes become visible in the inbound buffers when the
// completion is taken. A Queue is not safe for concurrent use.
type Queue struct {
	index uint16
	size  uint16

	desc   *dma.Region
	avail  *dma.Region
	used   *dma.Region
	bounce []*dma.Region

	freeHead uint16
	numFree  uint16
	availIdx uint16
	lastUsed uint16
	inflight []*inflight
}

// Completion identifies a finished request.
type Completion struct {
	Token uint16
	// Len is the number of bytes the device reports having written.
	Len uint32
}

// BindQueue allocates rings for queue index with maxEntries descriptors and
// programs and enables the queue on h.
func BindQueue(h *Header, mem dma.Allocator, index, maxEntries uint16) (*Queue, error) {
	if h.QueueUsed(index) {
		return nil, fmt.Errorf("%w: queue %d", ErrQueueInUse, index)
	}
	limit := h.MaxQueueSize()
	if limit == 0 {
		return nil, fmt.Errorf("%w: queue %d", ErrQueueUnavailable, index)
	}
	if maxEntries > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrQueueTooLarge, maxEntries, limit)
	}
	if maxEntries == 0 || maxEntries&(maxEntries-1) != 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidQueueSize, maxEntries)
	}

	q := &Queue{
		index:    index,
		size:     maxEntries,
		inflight: make([]*inflight, maxEntries),
		bounce:   make([]*dma.Region, maxEntries),
	}
	n := int(maxEntries)
	var err error
	if q.desc, err = mem.Alloc(descSize*n, descAlign); err != nil {
		return nil, fmt.Errorf("virtio: allocate descriptor table: %w", err)
	}
	// flags, idx, ring[n], used_event
	if q.avail, err = mem.Alloc(ringHeaderSize+2*n+2, availAlign); err != nil {
		return nil, fmt.Errorf("virtio: allocate available ring: %w", err)
	}
	// flags, idx, ring[n], avail_event
	if q.used, err = mem.Alloc(ringHeaderSize+usedElemSize*n+2, usedAlign); err != nil {
		return nil, fmt.Errorf("virtio: allocate used ring: %w", err)
	}
	for i := range q.bounce {
		if q.bounce[i], err = mem.Alloc(MaxSegment, 8); err != nil {
			return nil, fmt.Errorf("virtio: allocate bounce buffer %d: %w", i, err)
		}
	}

	for i := uint16(0); i < maxEntries; i++ {
		q.writeDesc(i, 0, 0, 0, i+1)
	}
	q.freeHead = 0
	q.numFree = maxEntries

	h.QueueSet(index, maxEntries, q.desc.Phys, q.avail.Phys, q.used.Phys)
	h.QueueEnable()
	slog.Debug("virtio: queue bound", "index", index, "size", maxEntries,
		"desc", fmt.Sprintf("%#x", q.desc.Phys), "avail", fmt.Sprintf("%#x", q.avail.Phys), "used", fmt.Sprintf("%#x", q.used.Phys))
	return q, nil
}

func (q *Queue) Index() uint16 { return q.index }

func (q *Queue) Size() uint16 { return q.size }

// NumFree reports the number of unused descriptors.
func (q *Queue) NumFree() uint16 { return q.numFree }

func (q *Queue) writeDesc(i uint16, addr uint64, length uint32, flags uint16, next uint16) {
	b := q.desc.Bytes[int(i)*descSize:]
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
}

func (q *Queue) descNext(i uint16) uint16 {
	return binary.LittleEndian.Uint16(q.desc.Bytes[int(i)*descSize+14:])
}

// Submit places one request on the ring: the outbound buffers are
// device-readable and the inbound ones device-writable, in that order. It
// returns a token identifying the request in its Completion. The device is
// not notified.
func (q *Queue) Submit(out [][]byte, in [][]byte) (uint16, error) {
	total := len(out) + len(in)
	if total == 0 {
		return 0, ErrEmptyRequest
	}
	if total > int(q.numFree) {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrQueueFull, total, q.numFree)
	}
	for _, b := range out {
		if len(b) > MaxSegment {
			return 0, fmt.Errorf("%w: %d bytes", ErrSegmentTooLarge, len(b))
		}
	}
	for _, b := range in {
		if len(b) > MaxSegment {
			return 0, fmt.Errorf("%w: %d bytes", ErrSegmentTooLarge, len(b))
		}
	}

	head := q.freeHead
	rec := &inflight{in: in, first: len(out), descs: make([]uint16, 0, total)}
	cur := head
	for i := 0; i < total; i++ {
		var buf []byte
		flags := uint16(0)
		if i < len(out) {
			buf = out[i]
		} else {
			buf = in[i-len(out)]
			flags |= descFlagWrite
		}
		next := q.descNext(cur)
		if i < total-1 {
			flags |= descFlagNext
		}
		bounce := q.bounce[cur]
		copy(bounce.Bytes, buf)
		q.writeDesc(cur, bounce.Phys, uint32(len(buf)), flags, next)
		rec.descs = append(rec.descs, cur)
		cur = next
	}
	q.freeHead = cur
	q.numFree -= uint16(total)
	q.inflight[head] = rec

	slot := int(q.availIdx % q.size)
	binary.LittleEndian.PutUint16(q.avail.Bytes[ringHeaderSize+2*slot:], head)
	q.availIdx++
	binary.LittleEndian.PutUint16(q.avail.Bytes[2:4], q.availIdx)
	return head, nil
}

func (q *Queue) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(q.used.Bytes[2:4])
}

// HasCompletion reports whether the device has returned a request that has
// not yet been taken.
func (q *Queue) HasCompletion() bool {
	return q.usedIdx() != q.lastUsed
}

// TakeCompletion takes the oldest completed request, copies the
// device-written data back into its inbound buffers and frees its
// descriptors.
func (q *Queue) TakeCompletion() (Completion, error) {
	if !q.HasCompletion() {
		return Completion{}, ErrNotReady
	}
	slot := int(q.lastUsed % q.size)
	elem := q.used.Bytes[ringHeaderSize+usedElemSize*slot:]
	id := binary.LittleEndian.Uint32(elem[0:4])
	length := binary.LittleEndian.Uint32(elem[4:8])
	q.lastUsed++

	if id >= uint32(q.size) || q.inflight[id] == nil {
		return Completion{}, fmt.Errorf("virtio: device returned unknown descriptor %d on queue %d", id, q.index)
	}
	rec := q.inflight[id]
	q.inflight[id] = nil

	for i, buf := range rec.in {
		copy(buf, q.bounce[rec.descs[rec.first+i]].Bytes)
	}

	last := rec.descs[len(rec.descs)-1]
	q.writeDesc(last, 0, 0, 0, q.freeHead)
	q.freeHead = uint16(id)
	q.numFree += uint16(len(rec.descs))

	return Completion{Token: uint16(id), Len: length}, nil
}
