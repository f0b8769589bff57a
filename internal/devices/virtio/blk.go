package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/wyfcyx/virtio-drivers/internal/debug"
)

const (
	BlkDeviceType = 2

	blkSectorSize   = 512
	blkQueueNumMax  = 128
	blkQueueRequest = 0
	blkIDBytes      = 20
	blkReqHdrSize   = 16
	blkConfigSize   = 24
)

// Virtio block request types
const (
	BlkTypeIn          = 0
	BlkTypeOut         = 1
	BlkTypeFlush       = 4
	BlkTypeGetID       = 8
	BlkTypeDiscard     = 11
	BlkTypeWriteZeroes = 13
)

// Virtio block status codes
const (
	BlkStatusOK     = 0
	BlkStatusIOErr  = 1
	BlkStatusUnsupp = 2
)

// Virtio block feature bits
const (
	BlkFeatureSizeMax  = uint64(1) << 1
	BlkFeatureSegMax   = uint64(1) << 2
	BlkFeatureGeometry = uint64(1) << 4
	BlkFeatureRO       = uint64(1) << 5
	BlkFeatureBlkSize  = uint64(1) << 6
	BlkFeatureFlush    = uint64(1) << 9
)

// DefaultBlkFeatures is the feature set offered when BlkConfig.Features is
// zero.
const DefaultBlkFeatures = FeatureVersion1 | BlkFeatureSizeMax | BlkFeatureSegMax | BlkFeatureBlkSize | BlkFeatureFlush

// Disk is the storage behind an emulated block device.
type Disk interface {
	io.ReaderAt
	io.WriterAt
}

type syncer interface {
	Sync() error
}

// MemoryDisk is a Disk held in memory.
type MemoryDisk struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryDisk(size int64) *MemoryDisk {
	return &MemoryDisk{data: make([]byte, size)}
}

func (m *MemoryDisk) Size() int64 { return int64(len(m.data)) }

// Bytes returns the backing slice; callers must not access it while the
// device is processing requests.
func (m *MemoryDisk) Bytes() []byte { return m.data }

func (m *MemoryDisk) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemoryDisk) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("memory disk: write of %d bytes at %d beyond end (%d)", len(p), off, len(m.data))
	}
	return copy(m.data[off:], p), nil
}

// BlkConfig describes an emulated block device.
type BlkConfig struct {
	Disk Disk
	// Size is the disk size in bytes; it is rounded down to whole sectors.
	Size     int64
	ReadOnly bool
	Serial   string

	// Features overrides DefaultBlkFeatures. BLK_RO is added for read-only
	// devices.
	Features uint64

	// RequireVersion1 rejects drivers that do not accept VERSION_1, as
	// modern-only devices do.
	RequireVersion1 bool

	// RejectFeatures, when set, is consulted in addition to the subset check
	// before FEATURES_OK is accepted.
	RejectFeatures func(accepted uint64) bool
}

// Blk implements a virtio block device backend.
type Blk struct {
	mu       sync.Mutex
	cfg      BlkConfig
	capacity uint64 // in 512-byte sectors
	features uint64

	requests uint64
}

func NewBlk(cfg BlkConfig) (*Blk, error) {
	if cfg.Disk == nil {
		return nil, fmt.Errorf("virtio-blk: disk is required")
	}
	if cfg.Size < 0 {
		return nil, fmt.Errorf("virtio-blk: negative disk size %d", cfg.Size)
	}
	if len(cfg.Serial) > blkIDBytes {
		return nil, fmt.Errorf("virtio-blk: serial %q longer than %d bytes", cfg.Serial, blkIDBytes)
	}
	features := cfg.Features
	if features == 0 {
		features = DefaultBlkFeatures
	}
	if cfg.ReadOnly {
		features |= BlkFeatureRO
	}
	return &Blk{
		cfg:      cfg,
		capacity: uint64(cfg.Size) / blkSectorSize,
		features: features,
	}, nil
}

func (b *Blk) DeviceType() uint16 { return BlkDeviceType }

func (b *Blk) Features() uint64 { return b.features }

func (b *Blk) NumQueues() int { return 1 }

func (b *Blk) QueueMaxSize(int) uint16 { return blkQueueNumMax }

// Capacity returns the size in 512-byte sectors.
func (b *Blk) Capacity() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// SetCapacity changes the advertised size. The caller is responsible for
// signalling the change through PCIDevice.ConfigChanged.
func (b *Blk) SetCapacity(sectors uint64) {
	b.mu.Lock()
	b.capacity = sectors
	b.mu.Unlock()
}

// Requests returns the number of requests completed since creation.
func (b *Blk) Requests() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

func (b *Blk) AcceptFeatures(accepted uint64) bool {
	if b.cfg.RequireVersion1 && accepted&FeatureVersion1 == 0 {
		return false
	}
	if b.cfg.RejectFeatures != nil && b.cfg.RejectFeatures(accepted) {
		return false
	}
	return true
}

func (b *Blk) Reset() {}

func (b *Blk) ConfigBytes() []byte {
	b.mu.Lock()
	capacity := b.capacity
	b.mu.Unlock()

	var buf [blkConfigSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], capacity)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20) // size_max
	binary.LittleEndian.PutUint32(buf[12:16], 128)  // seg_max
	binary.LittleEndian.PutUint32(buf[20:24], blkSectorSize)
	return buf[:]
}

func (b *Blk) ProcessQueue(index int, q *VirtQueue) error {
	if index != blkQueueRequest {
		return nil
	}
	for {
		chain, ok, err := q.PopChain()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		written, err := b.processRequest(q, chain)
		if err != nil {
			return err
		}
		if err := q.PushUsed(chain.Head, written); err != nil {
			return err
		}
	}
}

type blkRequest struct {
	reqType uint32
	sector  uint64
}

var errMalformed = errors.New("virtio-blk: malformed request")

// processRequest executes one chain laid out as header, data, status and
// returns the number of bytes written to device-writable buffers.
func (b *Blk) processRequest(q *VirtQueue, chain Chain) (uint32, error) {
	readable := chain.Readable()
	writable := chain.Writable()
	if len(readable) == 0 || readable[0].Length < blkReqHdrSize {
		return 0, fmt.Errorf("%w: missing request header", errMalformed)
	}
	if len(writable) == 0 || writable[len(writable)-1].Length < 1 {
		return 0, fmt.Errorf("%w: missing status byte", errMalformed)
	}
	statusDesc := writable[len(writable)-1]

	var hdr [blkReqHdrSize]byte
	if err := q.ReadGuest(readable[0].Addr, hdr[:]); err != nil {
		return 0, err
	}
	req := blkRequest{
		reqType: binary.LittleEndian.Uint32(hdr[0:4]),
		sector:  binary.LittleEndian.Uint64(hdr[8:16]),
	}

	status, written := b.executeRequest(q, req, readable[1:], writable[:len(writable)-1])
	if err := q.WriteGuest(statusDesc.Addr+uint64(statusDesc.Length)-1, []byte{status}); err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.requests++
	b.mu.Unlock()
	debug.Writef("virtio-blk.request", "type=%d sector=%d status=%d written=%d", req.reqType, req.sector, status, written)
	return written + 1, nil
}

func (b *Blk) inRange(sector uint64, length uint64) bool {
	b.mu.Lock()
	capacity := b.capacity
	b.mu.Unlock()
	if length%blkSectorSize != 0 {
		return false
	}
	end := sector + length/blkSectorSize
	return end >= sector && end <= capacity
}

func (b *Blk) executeRequest(q *VirtQueue, req blkRequest, in, out []Descriptor) (byte, uint32) {
	switch req.reqType {
	case BlkTypeIn:
		if len(in) != 0 {
			return BlkStatusIOErr, 0
		}
		if !b.inRange(req.sector, totalLength(out)) {
			slog.Debug("virtio-blk: read beyond capacity", "sector", req.sector, "bytes", totalLength(out))
			return BlkStatusIOErr, 0
		}
		offset := int64(req.sector) * blkSectorSize
		written := uint32(0)
		for _, desc := range out {
			data := make([]byte, desc.Length)
			n, err := b.cfg.Disk.ReadAt(data, offset)
			if err != nil && n < len(data) {
				// Sectors past the end of a short image read as zero.
				if !errors.Is(err, io.EOF) {
					debug.Writef("virtio-blk.read", "err=%v offset=%d len=%d", err, offset, desc.Length)
					return BlkStatusIOErr, written
				}
			}
			if err := q.WriteGuest(desc.Addr, data); err != nil {
				return BlkStatusIOErr, written
			}
			written += desc.Length
			offset += int64(desc.Length)
		}
		return BlkStatusOK, written

	case BlkTypeOut:
		if len(out) != 0 {
			return BlkStatusIOErr, 0
		}
		if b.cfg.ReadOnly {
			return BlkStatusIOErr, 0
		}
		if !b.inRange(req.sector, totalLength(in)) {
			slog.Debug("virtio-blk: write beyond capacity", "sector", req.sector, "bytes", totalLength(in))
			return BlkStatusIOErr, 0
		}
		offset := int64(req.sector) * blkSectorSize
		for _, desc := range in {
			data := make([]byte, desc.Length)
			if err := q.ReadGuest(desc.Addr, data); err != nil {
				return BlkStatusIOErr, 0
			}
			if _, err := b.cfg.Disk.WriteAt(data, offset); err != nil {
				debug.Writef("virtio-blk.write", "err=%v offset=%d len=%d", err, offset, desc.Length)
				return BlkStatusIOErr, 0
			}
			offset += int64(desc.Length)
		}
		return BlkStatusOK, 0

	case BlkTypeFlush:
		if b.features&BlkFeatureFlush == 0 {
			return BlkStatusUnsupp, 0
		}
		if s, ok := b.cfg.Disk.(syncer); ok {
			if err := s.Sync(); err != nil {
				return BlkStatusIOErr, 0
			}
		}
		return BlkStatusOK, 0

	case BlkTypeGetID:
		if len(out) == 0 {
			return BlkStatusIOErr, 0
		}
		id := make([]byte, min(int(out[0].Length), blkIDBytes))
		copy(id, b.cfg.Serial)
		if err := q.WriteGuest(out[0].Addr, id); err != nil {
			return BlkStatusIOErr, 0
		}
		return BlkStatusOK, uint32(len(id))

	default:
		return BlkStatusUnsupp, 0
	}
}

func totalLength(descs []Descriptor) uint64 {
	var n uint64
	for _, d := range descs {
		n += uint64(d.Length)
	}
	return n
}

var (
	_ Backend = (*Blk)(nil)
	_ Disk    = (*MemoryDisk)(nil)
)
