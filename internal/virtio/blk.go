package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wyfcyx/virtio-drivers/internal/dma"
)

// BlockSize is the sector size of every virtio block device.
const BlockSize = 512

const (
	blkQueue     = 0
	blkQueueSize = 16

	// Device configuration offsets.
	blkCfgCapacity = 0x00
	blkCfgSizeMax  = 0x08
	blkCfgSegMax   = 0x0c
	blkCfgBlkSize  = 0x14

	blkReqSize = 16
	blkIDSize  = 20
)

// BlkReqType is the type field of a block request header.
type BlkReqType uint32

const (
	BlkReqIn          BlkReqType = 0
	BlkReqOut         BlkReqType = 1
	BlkReqFlush       BlkReqType = 4
	BlkReqGetID       BlkReqType = 8
	BlkReqDiscard     BlkReqType = 11
	BlkReqWriteZeroes BlkReqType = 13
)

// BlkStatus is the one-byte status the device writes after a request.
type BlkStatus uint8

const (
	BlkStatusOK          BlkStatus = 0
	BlkStatusIOErr       BlkStatus = 1
	BlkStatusUnsupported BlkStatus = 2
)

func (s BlkStatus) String() string {
	switch s {
	case BlkStatusOK:
		return "ok"
	case BlkStatusIOErr:
		return "ioerr"
	case BlkStatusUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// BlkReq is the request header placed before the data of every request.
type BlkReq struct {
	Type     BlkReqType
	Reserved uint32
	Sector   uint64
}

// MarshalBinary encodes r in its 16-byte little-endian wire form.
func (r BlkReq) MarshalBinary() ([]byte, error) {
	b := make([]byte, blkReqSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.Type))
	binary.LittleEndian.PutUint32(b[4:8], r.Reserved)
	binary.LittleEndian.PutUint64(b[8:16], r.Sector)
	return b, nil
}

var (
	ErrNotBlock    = errors.New("virtio: not a block device")
	ErrIO          = errors.New("virtio-blk: I/O error")
	ErrUnsupported = errors.New("virtio-blk: request not supported")
	ErrReadOnly    = errors.New("virtio-blk: device is read-only")
)

// BlkOptionalFeatures are the block features NewBlkWithFeatures may
// negotiate.
const BlkOptionalFeatures = BlkFeatureFlush | BlkFeatureRO | BlkFeatureBlkSize

// Blk drives a virtio block device through queue 0. Every request is
// submitted and then waited for by spinning on the used ring: there is no
// timeout, and a device that never completes hangs the caller. A Blk is not
// safe for concurrent use.
type Blk struct {
	header   *Header
	queue    *Queue
	features Features
	capacity uint64
	blkSize  uint32
}

// NewBlk initializes the device behind h without optional features.
func NewBlk(h *Header, mem dma.Allocator) (*Blk, error) {
	return NewBlkWithFeatures(h, mem, 0)
}

// NewBlkWithFeatures initializes the device behind h, accepting the bits of
// want that the device offers. want must be a subset of
// BlkOptionalFeatures.
func NewBlkWithFeatures(h *Header, mem dma.Allocator, want Features) (*Blk, error) {
	if want&^BlkOptionalFeatures != 0 {
		return nil, fmt.Errorf("virtio-blk: unsupported optional features %v", want&^BlkOptionalFeatures)
	}
	if t := h.DeviceType(); t != DeviceBlock {
		return nil, fmt.Errorf("%w: %v", ErrNotBlock, t)
	}
	if err := h.BeginInit(NegotiateMask(want)); err != nil {
		return nil, err
	}

	b := &Blk{
		header:   h,
		features: h.DriverFeatures(),
		blkSize:  BlockSize,
	}
	b.capacity = h.ReadConfig64(blkCfgCapacity)
	if b.features.Has(BlkFeatureBlkSize) {
		b.blkSize = h.ReadConfig32(blkCfgBlkSize)
	}

	q, err := BindQueue(h, mem, blkQueue, blkQueueSize)
	if err != nil {
		return nil, err
	}
	b.queue = q
	h.FinishInit()

	slog.Debug("virtio-blk: ready", "capacity", b.capacity, "features", b.features)
	return b, nil
}

// Capacity returns the device size in 512-byte sectors.
func (b *Blk) Capacity() uint64 { return b.capacity }

// Features returns the negotiated feature set.
func (b *Blk) Features() Features { return b.features }

// ReadOnly reports whether the device negotiated BLK_RO.
func (b *Blk) ReadOnly() bool { return b.features.Has(BlkFeatureRO) }

// PreferredBlockSize returns blk_size when it was negotiated and 512
// otherwise. Requests always use 512-byte sectors.
func (b *Blk) PreferredBlockSize() uint32 { return b.blkSize }

// SizeMax returns the size_max configuration field when the device offers
// BLK_SIZE_MAX.
func (b *Blk) SizeMax() (uint32, bool) {
	if !b.header.DeviceFeatures().Has(BlkFeatureSizeMax) {
		return 0, false
	}
	return b.header.ReadConfig32(blkCfgSizeMax), true
}

// SegMax returns the seg_max configuration field when the device offers
// BLK_SEG_MAX.
func (b *Blk) SegMax() (uint32, bool) {
	if !b.header.DeviceFeatures().Has(BlkFeatureSegMax) {
		return 0, false
	}
	return b.header.ReadConfig32(blkCfgSegMax), true
}

func checkBlockBuffer(op string, buf []byte) {
	if len(buf) != BlockSize {
		panic(fmt.Sprintf("virtio-blk: %s buffer is %d bytes, want %d", op, len(buf), BlockSize))
	}
}

// ReadBlock reads sector block into buf, which must be exactly BlockSize
// bytes long.
func (b *Blk) ReadBlock(block uint64, buf []byte) error {
	checkBlockBuffer("read", buf)
	return b.do(BlkReq{Type: BlkReqIn, Sector: block}, nil, buf)
}

// WriteBlock writes buf, which must be exactly BlockSize bytes long, to
// sector block.
func (b *Blk) WriteBlock(block uint64, buf []byte) error {
	checkBlockBuffer("write", buf)
	if b.ReadOnly() {
		return fmt.Errorf("%w: block %d", ErrReadOnly, block)
	}
	return b.do(BlkReq{Type: BlkReqOut, Sector: block}, buf, nil)
}

// ReadBlocks reads len(buf)/BlockSize consecutive sectors starting at block.
func (b *Blk) ReadBlocks(block uint64, buf []byte) error {
	if len(buf)%BlockSize != 0 {
		panic(fmt.Sprintf("virtio-blk: read buffer of %d bytes is not a multiple of %d", len(buf), BlockSize))
	}
	for off := 0; off < len(buf); off += BlockSize {
		if err := b.ReadBlock(block, buf[off:off+BlockSize]); err != nil {
			return err
		}
		block++
	}
	return nil
}

// WriteBlocks writes len(buf)/BlockSize consecutive sectors starting at block.
func (b *Blk) WriteBlocks(block uint64, buf []byte) error {
	if len(buf)%BlockSize != 0 {
		panic(fmt.Sprintf("virtio-blk: write buffer of %d bytes is not a multiple of %d", len(buf), BlockSize))
	}
	for off := 0; off < len(buf); off += BlockSize {
		if err := b.WriteBlock(block, buf[off:off+BlockSize]); err != nil {
			return err
		}
		block++
	}
	return nil
}

// Flush asks the device to commit its write cache. BLK_FLUSH must have been
// negotiated.
func (b *Blk) Flush() error {
	if !b.features.Has(BlkFeatureFlush) {
		return fmt.Errorf("%w: flush not negotiated", ErrUnsupported)
	}
	return b.do(BlkReq{Type: BlkReqFlush}, nil, nil)
}

// DeviceID returns the device serial reported by GET_ID, without trailing
// NUL padding.
func (b *Blk) DeviceID() (string, error) {
	id := make([]byte, blkIDSize)
	if err := b.do(BlkReq{Type: BlkReqGetID}, nil, id); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(id, 0); i >= 0 {
		id = id[:i]
	}
	return string(id), nil
}

// AckInterrupt acknowledges a pending interrupt and reports whether it was
// raised for a used buffer.
func (b *Blk) AckInterrupt() (bool, error) {
	isr, err := b.header.AckInterrupt()
	if err != nil {
		return false, err
	}
	return isr&ISRQueue != 0, nil
}

// do submits req followed by the outbound data and the inbound data and a
// status byte, then spins until the device completes it.
func (b *Blk) do(req BlkReq, out, in []byte) error {
	hdr, _ := req.MarshalBinary()
	resp := []byte{0}

	outbound := [][]byte{hdr}
	if out != nil {
		outbound = append(outbound, out)
	}
	var inbound [][]byte
	if in != nil {
		inbound = append(inbound, in)
	}
	inbound = append(inbound, resp)

	token, err := b.queue.Submit(outbound, inbound)
	if err != nil {
		return err
	}
	b.header.Notify(blkQueue)
	for !b.queue.HasCompletion() {
	}
	c, err := b.queue.TakeCompletion()
	if err != nil {
		return err
	}
	if c.Token != token {
		return fmt.Errorf("virtio-blk: completion for token %d, expected %d", c.Token, token)
	}

	switch status := BlkStatus(resp[0]); status {
	case BlkStatusOK:
		return nil
	case BlkStatusUnsupported:
		return fmt.Errorf("%w: request type %d", ErrUnsupported, req.Type)
	default:
		return fmt.Errorf("%w: request type %d sector %d: %v", ErrIO, req.Type, req.Sector, status)
	}
}
