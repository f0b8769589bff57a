package virtio

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"
)

// flatMemory is guest memory starting at physical address zero.
type flatMemory []byte

func (m flatMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, fmt.Errorf("read of %d bytes at %#x outside guest memory", len(p), off)
	}
	return copy(p, m[off:]), nil
}

func (m flatMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, fmt.Errorf("write of %d bytes at %#x outside guest memory", len(p), off)
	}
	return copy(m[off:], p), nil
}

const (
	ringDesc  = 0x1000
	ringAvail = 0x2000
	ringUsed  = 0x3000
	ringData  = 0x8000
)

// ring is a driver-side split ring laid out in flatMemory for exercising
// the device implementation.
type ring struct {
	mem      flatMemory
	q        *VirtQueue
	size     uint16
	availIdx uint16
	nextData uint64
}

func newRing(t *testing.T, size uint16) *ring {
	t.Helper()
	mem := make(flatMemory, 0x20000)
	q := NewVirtQueue(mem, 64, 0)
	q.Size = size
	q.DescTableAddr = ringDesc
	q.AvailRingAddr = ringAvail
	q.UsedRingAddr = ringUsed
	q.Enabled = true
	return &ring{mem: mem, q: q, size: size, nextData: ringData}
}

func (r *ring) setDesc(i uint16, d Descriptor) {
	b := r.mem[ringDesc+uint64(i)*16:]
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Length)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

// data places buf in guest memory and returns its address.
func (r *ring) data(buf []byte) uint64 {
	addr := r.nextData
	copy(r.mem[addr:], buf)
	r.nextData += uint64(len(buf)+15) &^ 15
	return addr
}

// publish makes head available.
func (r *ring) publish(head uint16) {
	slot := r.availIdx % r.size
	binary.LittleEndian.PutUint16(r.mem[ringAvail+4+uint64(slot)*2:], head)
	r.availIdx++
	binary.LittleEndian.PutUint16(r.mem[ringAvail+2:], r.availIdx)
}

// chain writes a chain of readable then writable buffers starting at
// descriptor first and publishes it.
func (r *ring) chain(first uint16, readable [][]byte, writableLens []int) uint16 {
	idx := first
	total := len(readable) + len(writableLens)
	for i := 0; i < total; i++ {
		var d Descriptor
		if i < len(readable) {
			d = Descriptor{Addr: r.data(readable[i]), Length: uint32(len(readable[i]))}
		} else {
			n := writableLens[i-len(readable)]
			d = Descriptor{Addr: r.data(make([]byte, n)), Length: uint32(n), Flags: virtqDescFWrite}
		}
		if i < total-1 {
			d.Flags |= virtqDescFNext
			d.Next = idx + 1
		}
		r.setDesc(idx, d)
		idx++
	}
	r.publish(first)
	return first
}

func (r *ring) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(r.mem[ringUsed+2:])
}

func (r *ring) usedElem(slot uint16) (id, length uint32) {
	b := r.mem[ringUsed+4+uint64(slot)*8:]
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8])
}

func TestVirtQueuePopChain(t *testing.T) {
	r := newRing(t, 8)

	if _, ok, err := r.q.PopChain(); err != nil || ok {
		t.Fatalf("empty ring: ok=%v err=%v", ok, err)
	}

	r.chain(2, [][]byte{[]byte("header"), []byte("payload")}, []int{1})
	chain, ok, err := r.q.PopChain()
	if err != nil || !ok {
		t.Fatalf("PopChain: ok=%v err=%v", ok, err)
	}
	if chain.Head != 2 || len(chain.Descriptors) != 3 {
		t.Fatalf("chain head=%d len=%d", chain.Head, len(chain.Descriptors))
	}
	if n := len(chain.Readable()); n != 2 {
		t.Fatalf("readable = %d, want 2", n)
	}
	if w := chain.Writable(); len(w) != 1 || w[0].Length != 1 {
		t.Fatalf("writable = %+v", w)
	}

	if err := r.q.PushUsed(chain.Head, 1); err != nil {
		t.Fatalf("PushUsed: %v", err)
	}
	if r.usedIdx() != 1 {
		t.Fatalf("used idx = %d", r.usedIdx())
	}
	if id, length := r.usedElem(0); id != 2 || length != 1 {
		t.Fatalf("used element = (%d, %d)", id, length)
	}
}

func TestVirtQueueMalformedChains(t *testing.T) {
	t.Run("loop", func(t *testing.T) {
		r := newRing(t, 4)
		r.setDesc(0, Descriptor{Addr: ringData, Length: 1, Flags: virtqDescFNext, Next: 1})
		r.setDesc(1, Descriptor{Addr: ringData, Length: 1, Flags: virtqDescFNext, Next: 0})
		r.publish(0)
		_, _, err := r.q.PopChain()
		if err == nil || !strings.Contains(err.Error(), "does not terminate") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("indirect", func(t *testing.T) {
		r := newRing(t, 4)
		r.setDesc(0, Descriptor{Addr: ringData, Length: 16, Flags: virtqDescFIndirect})
		r.publish(0)
		if _, _, err := r.q.PopChain(); err == nil {
			t.Fatal("expected error for indirect descriptor")
		}
	})

	t.Run("index out of bounds", func(t *testing.T) {
		r := newRing(t, 4)
		r.setDesc(0, Descriptor{Addr: ringData, Length: 1, Flags: virtqDescFNext, Next: 9})
		r.publish(0)
		if _, _, err := r.q.PopChain(); err == nil {
			t.Fatal("expected error for out-of-range next")
		}
	})

	t.Run("disabled", func(t *testing.T) {
		r := newRing(t, 4)
		r.q.Enabled = false
		if _, _, err := r.q.PopChain(); err == nil {
			t.Fatal("expected error on disabled queue")
		}
	})
}

func TestVirtQueueInterruptSuppression(t *testing.T) {
	r := newRing(t, 4)
	if !r.q.WantsInterrupt() {
		t.Fatal("interrupts suppressed with zero avail flags")
	}
	binary.LittleEndian.PutUint16(r.mem[ringAvail:], virtqAvailFNoInterrupt)
	if r.q.WantsInterrupt() {
		t.Fatal("VIRTQ_AVAIL_F_NO_INTERRUPT ignored")
	}
}

func TestVirtQueueReset(t *testing.T) {
	r := newRing(t, 4)
	r.q.Reset()
	if r.q.Enabled || r.q.Size != 0 || r.q.DescTableAddr != 0 {
		t.Fatalf("queue not reset: %+v", r.q)
	}
	if r.q.MaxSize != 64 {
		t.Fatalf("reset changed MaxSize to %d", r.q.MaxSize)
	}
}
