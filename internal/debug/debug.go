package debug

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Trace records are appended to a single process-wide sink. Every record is
// a 16 byte header followed by the source and the payload:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

type sink struct {
	mu sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

var current atomic.Pointer[sink]

// Enabled reports whether a trace sink is open. Callers building expensive
// payloads can check it first.
func Enabled() bool {
	return current.Load() != nil
}

func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open installs w as the trace sink. If a sink was already open it is
// flushed and closed, and an error is returned to flag the switch.
func Open(w io.Writer) error {
	s := &sink{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	if old := current.Swap(s); old != nil {
		_ = old.close()
		return fmt.Errorf("debug: already open, replaced old writer")
	}
	return nil
}

// Memory is an in-memory trace sink.
type Memory struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (m *Memory) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

// Reader returns a reader over the records captured so far. The sink must be
// flushed (Close or Flush) for the latest records to be visible.
func (m *Memory) Reader() *Reader {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NewReader(bytes.NewReader(bytes.Clone(m.buf.Bytes())))
}

func OpenMemory() (*Memory, error) {
	mem := &Memory{}
	if err := Open(mem); err != nil {
		return mem, err
	}
	return mem, nil
}

// Flush pushes buffered records to the underlying writer.
func Flush() error {
	s := current.Load()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

func Close() error {
	s := current.Swap(nil)
	if s == nil {
		return nil
	}
	return s.close()
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

func encodeHeader(kind Kind, source string, data []byte, ts time.Time) [headerSize]byte {
	var header [headerSize]byte
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ts.UnixNano()))
	return header
}

func decodeHeader(header [headerSize]byte) (kind Kind, sourceLength uint16, dataLength uint32, ts time.Time) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength = binary.LittleEndian.Uint32(header[4:8])
	ts = time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16])))
	return
}

func writeRecord(kind Kind, source string, data []byte) {
	s := current.Load()
	if s == nil {
		return
	}
	header := encodeHeader(kind, source, data, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	// Write errors are dropped; tracing must never change driver behaviour.
	_, _ = s.w.Write(header[:])
	_, _ = s.w.WriteString(source)
	_, _ = s.w.Write(data)
}

func WriteBytes(source string, data []byte) {
	writeRecord(KindBytes, source, data)
}

func Write(source string, data string) {
	writeRecord(KindString, source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	if !Enabled() {
		return
	}
	writeRecord(KindString, source, fmt.Appendf(nil, format, args...))
}

type Debug interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type sourced struct {
	source string
}

func (d sourced) WriteBytes(data []byte) { WriteBytes(d.source, data) }

func (d sourced) Write(data string) { Write(d.source, data) }

func (d sourced) Writef(format string, args ...any) { Writef(d.source, format, args...) }

func WithSource(source string) Debug {
	return sourced{source: source}
}

// Record is a decoded trace record.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

func (r Record) String() string {
	if r.Kind == KindBytes {
		return fmt.Sprintf("%s %s: % x", r.Time.Format(time.RFC3339Nano), r.Source, r.Data)
	}
	return fmt.Sprintf("%s %s: %s", r.Time.Format(time.RFC3339Nano), r.Source, r.Data)
}

// Reader decodes a trace stream sequentially.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

func NewReaderFromFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	return NewReader(f), f, nil
}

// Next returns the next record or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("debug: truncated record header")
		}
		return Record{}, err
	}
	kind, sourceLength, dataLength, ts := decodeHeader(header)
	if kind == KindInvalid || kind > KindString {
		return Record{}, fmt.Errorf("debug: invalid record kind %d", kind)
	}
	payload := make([]byte, int(sourceLength)+int(dataLength))
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Record{}, fmt.Errorf("debug: truncated record: %w", err)
	}
	return Record{
		Time:   ts,
		Kind:   kind,
		Source: string(payload[:sourceLength]),
		Data:   payload[sourceLength:],
	}, nil
}

func (r *Reader) Each(fn func(rec Record) error) error {
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func (r *Reader) EachSource(source string, fn func(rec Record) error) error {
	return r.Each(func(rec Record) error {
		if rec.Source != source {
			return nil
		}
		return fn(rec)
	})
}
