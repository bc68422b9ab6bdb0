package chunkio

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// Writer is the ChunkIO write side (spec §4.1). It offers OpenChunk/
// WriteRaw/CloseChunk over any io.Writer.
//
// Every open chunk buffers its payload in memory until it is closed, at
// which point the 12-byte header plus payload is appended to its parent's
// buffer (or flushed straight to the sink for a top-level chunk). This is
// the "buffer first, then stream" strategy the spec requires for
// non-seekable sinks (optical burners, pipes); it is used unconditionally
// here because a single entry's chunk nesting depth is shallow and each
// chunk's payload is bounded by the element/fragment size, so the memory
// cost is small relative to the simplicity of never needing a seekable
// sink at all.
type Writer struct {
	sink  io.Writer
	stack []*bytes.Buffer
	ids   []ID
}

// NewWriter wraps sink for framed chunk writes.
func NewWriter(sink io.Writer) *Writer {
	return &Writer{sink: sink}
}

// OpenChunk begins a new chunk of the given id, nested inside whichever
// chunk is currently open (or top-level if none is).
func (w *Writer) OpenChunk(id ID) {
	w.stack = append(w.stack, &bytes.Buffer{})
	w.ids = append(w.ids, id)
}

// WriteRaw appends bytes to the currently open chunk's payload.
func (w *Writer) WriteRaw(p []byte) error {
	if len(w.stack) == 0 {
		return barerr.New(barerr.KindBadState, "writeRaw: no chunk open")
	}
	_, err := w.stack[len(w.stack)-1].Write(p)
	return err
}

// CloseChunk finalizes the current chunk: the 12-byte header (id + 8-byte
// big-endian size) and the buffered payload are appended to the parent
// chunk's buffer, or written straight to the sink if this was top-level.
func (w *Writer) CloseChunk() error {
	n := len(w.stack)
	if n == 0 {
		return barerr.New(barerr.KindBadState, "closeChunk: no chunk open")
	}
	buf := w.stack[n-1]
	id := w.ids[n-1]
	w.stack = w.stack[:n-1]
	w.ids = w.ids[:n-1]

	header := make([]byte, HeaderSize)
	copy(header[0:4], id[:])
	binary.BigEndian.PutUint64(header[4:12], uint64(buf.Len()))

	if len(w.stack) == 0 {
		if _, err := w.sink.Write(header); err != nil {
			return err
		}
		if _, err := w.sink.Write(buf.Bytes()); err != nil {
			return err
		}
		return nil
	}

	parent := w.stack[len(w.stack)-1]
	if _, err := parent.Write(header); err != nil {
		return err
	}
	_, err := parent.Write(buf.Bytes())
	return err
}

// Depth reports how many chunks are currently open (0 means nothing open).
func (w *Writer) Depth() int {
	return len(w.stack)
}

// --- primitive value encoding (spec §4.1 "Byte order") ---

// PutUint8 appends a single byte.
func PutUint8(w *Writer, v uint8) error {
	return w.WriteRaw([]byte{v})
}

// PutUint16 appends a big-endian uint16.
func PutUint16(w *Writer, v uint16) error {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return w.WriteRaw(b)
}

// PutUint32 appends a big-endian uint32.
func PutUint32(w *Writer, v uint32) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return w.WriteRaw(b)
}

// PutUint64 appends a big-endian uint64.
func PutUint64(w *Writer, v uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return w.WriteRaw(b)
}

// PutBool appends a single 0/1 byte.
func PutBool(w *Writer, v bool) error {
	if v {
		return PutUint8(w, 1)
	}
	return PutUint8(w, 0)
}

// PutString appends a {u16 length, bytes} UTF-8 string, unterminated.
func PutString(w *Writer, s string) error {
	if len(s) > 0xFFFF {
		return barerr.New(barerr.KindChunkFraming, "string too long: %d bytes", len(s))
	}
	if err := PutUint16(w, uint16(len(s))); err != nil {
		return err
	}
	return w.WriteRaw([]byte(s))
}

// PutStringList appends a {u16 count, String*} list of strings.
func PutStringList(w *Writer, ss []string) error {
	if err := PutUint16(w, uint16(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := PutString(w, s); err != nil {
			return err
		}
	}
	return nil
}
