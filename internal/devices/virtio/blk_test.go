package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func blkHeader(reqType uint32, sector uint64) []byte {
	hdr := make([]byte, blkReqHdrSize)
	binary.LittleEndian.PutUint32(hdr[0:4], reqType)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)
	return hdr
}

func newTestBlk(t *testing.T, cfg BlkConfig) (*Blk, *MemoryDisk) {
	t.Helper()
	disk := NewMemoryDisk(64 * blkSectorSize)
	if cfg.Disk == nil {
		cfg.Disk = disk
	}
	if cfg.Size == 0 {
		cfg.Size = disk.Size()
	}
	b, err := NewBlk(cfg)
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	return b, disk
}

// submit places one request on r, runs the device and returns the status
// byte, the used length and the device-written data buffer.
func submit(t *testing.T, b *Blk, r *ring, hdr []byte, out []byte, inLen int) (byte, uint32, []byte) {
	t.Helper()
	readable := [][]byte{hdr}
	if out != nil {
		readable = append(readable, out)
	}
	var writable []int
	if inLen > 0 {
		writable = append(writable, inLen)
	}
	writable = append(writable, 1)

	start := r.nextData
	r.chain(0, readable, writable)
	if err := b.ProcessQueue(blkQueueRequest, r.q); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	slot := r.usedIdx() - 1
	_, length := r.usedElem(slot)

	// Inbound buffers follow the readable ones in data order.
	addr := start
	for _, buf := range readable {
		addr += uint64(len(buf)+15) &^ 15
	}
	var data []byte
	if inLen > 0 {
		data = append([]byte(nil), r.mem[addr:addr+uint64(inLen)]...)
		addr += uint64(inLen+15) &^ 15
	}
	return r.mem[addr], length, data
}

func TestBlkReadWrite(t *testing.T) {
	b, disk := newTestBlk(t, BlkConfig{})
	r := newRing(t, 8)

	payload := bytes.Repeat([]byte{0xab}, 2*blkSectorSize)
	status, length, _ := submit(t, b, r, blkHeader(BlkTypeOut, 3), payload, 0)
	if status != BlkStatusOK || length != 1 {
		t.Fatalf("write: status=%d len=%d", status, length)
	}
	if !bytes.Equal(disk.Bytes()[3*blkSectorSize:5*blkSectorSize], payload) {
		t.Fatal("disk not updated")
	}

	status, length, data := submit(t, b, r, blkHeader(BlkTypeIn, 3), nil, 2*blkSectorSize)
	if status != BlkStatusOK || length != 2*blkSectorSize+1 {
		t.Fatalf("read: status=%d len=%d", status, length)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("read data differs")
	}
	if b.Requests() != 2 {
		t.Fatalf("requests = %d", b.Requests())
	}
}

func TestBlkRequestErrors(t *testing.T) {
	cases := []struct {
		name   string
		cfg    BlkConfig
		hdr    []byte
		out    []byte
		inLen  int
		status byte
	}{
		{"read past end", BlkConfig{}, blkHeader(BlkTypeIn, 64), nil, blkSectorSize, BlkStatusIOErr},
		{"read straddling end", BlkConfig{}, blkHeader(BlkTypeIn, 63), nil, 2 * blkSectorSize, BlkStatusIOErr},
		{"partial sector", BlkConfig{}, blkHeader(BlkTypeIn, 0), nil, 100, BlkStatusIOErr},
		{"write read-only", BlkConfig{ReadOnly: true}, blkHeader(BlkTypeOut, 0), make([]byte, blkSectorSize), 0, BlkStatusIOErr},
		{"unknown type", BlkConfig{}, blkHeader(99, 0), nil, 0, BlkStatusUnsupp},
		{"discard", BlkConfig{}, blkHeader(BlkTypeDiscard, 0), make([]byte, 16), 0, BlkStatusUnsupp},
		{"flush not offered", BlkConfig{Features: FeatureVersion1}, blkHeader(BlkTypeFlush, 0), nil, 0, BlkStatusUnsupp},
		{"flush", BlkConfig{}, blkHeader(BlkTypeFlush, 0), nil, 0, BlkStatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, _ := newTestBlk(t, tc.cfg)
			r := newRing(t, 8)
			status, _, _ := submit(t, b, r, tc.hdr, tc.out, tc.inLen)
			if status != tc.status {
				t.Fatalf("status = %d, want %d", status, tc.status)
			}
		})
	}
}

func TestBlkGetID(t *testing.T) {
	b, _ := newTestBlk(t, BlkConfig{Serial: "serial-1"})
	r := newRing(t, 8)
	status, length, data := submit(t, b, r, blkHeader(BlkTypeGetID, 0), nil, blkIDBytes)
	if status != BlkStatusOK || length != blkIDBytes+1 {
		t.Fatalf("status=%d len=%d", status, length)
	}
	if got := string(bytes.TrimRight(data, "\x00")); got != "serial-1" {
		t.Fatalf("id = %q", got)
	}
}

func TestBlkMalformedRequest(t *testing.T) {
	b, _ := newTestBlk(t, BlkConfig{})
	r := newRing(t, 8)
	// No status byte.
	r.chain(0, [][]byte{blkHeader(BlkTypeIn, 0)}, nil)
	if err := b.ProcessQueue(blkQueueRequest, r.q); !errors.Is(err, errMalformed) {
		t.Fatalf("err = %v, want errMalformed", err)
	}
}

func TestBlkConfigBytes(t *testing.T) {
	b, _ := newTestBlk(t, BlkConfig{})
	cfg := b.ConfigBytes()
	if len(cfg) != blkConfigSize {
		t.Fatalf("config size = %d", len(cfg))
	}
	if got := binary.LittleEndian.Uint64(cfg[0:8]); got != 64 {
		t.Fatalf("capacity = %d, want 64", got)
	}
	if got := binary.LittleEndian.Uint32(cfg[20:24]); got != blkSectorSize {
		t.Fatalf("blk_size = %d", got)
	}
	b.SetCapacity(8)
	if got := binary.LittleEndian.Uint64(b.ConfigBytes()[0:8]); got != 8 {
		t.Fatalf("capacity after resize = %d", got)
	}
}

func TestNewBlkValidation(t *testing.T) {
	if _, err := NewBlk(BlkConfig{}); err == nil {
		t.Fatal("expected error without a disk")
	}
	if _, err := NewBlk(BlkConfig{Disk: NewMemoryDisk(512), Serial: "this serial is far too long"}); err == nil {
		t.Fatal("expected error for long serial")
	}
	b, err := NewBlk(BlkConfig{Disk: NewMemoryDisk(512), ReadOnly: true})
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}
	if b.Features()&BlkFeatureRO == 0 {
		t.Fatal("read-only device does not offer BLK_RO")
	}
	if !b.AcceptFeatures(0) {
		t.Fatal("empty feature set rejected without RequireVersion1")
	}
	strict, _ := NewBlk(BlkConfig{Disk: NewMemoryDisk(512), RequireVersion1: true})
	if strict.AcceptFeatures(BlkFeatureFlush) || !strict.AcceptFeatures(FeatureVersion1) {
		t.Fatal("RequireVersion1 not enforced")
	}
}
