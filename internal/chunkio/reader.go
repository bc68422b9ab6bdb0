package chunkio

import (
	"encoding/binary"
	"io"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// Container is a (possibly size-bounded) chunk payload. A reader descends
// into it with NextChunk, or skips past an unrecognized chunk with Skip.
// The top level of a part is an unbounded Container (read until EOF or
// truncation); every chunk's payload is a bounded Container once its
// declared size is known.
type Container struct {
	r       io.Reader
	n       int64 // remaining bytes, meaningful only when bounded
	bounded bool
}

// Read implements io.Reader, enforcing the declared size for bounded
// containers so a malformed inner chunk can never read past its parent.
func (c *Container) Read(p []byte) (int, error) {
	if c.bounded {
		if c.n <= 0 {
			return 0, io.EOF
		}
		if int64(len(p)) > c.n {
			p = p[:c.n]
		}
	}
	n, err := c.r.Read(p)
	if c.bounded {
		c.n -= int64(n)
	}
	return n, err
}

// Remaining reports the number of undrained bytes, or -1 for an unbounded
// (top-level) container.
func (c *Container) Remaining() int64 {
	if !c.bounded {
		return -1
	}
	return c.n
}

// NewPartContainer wraps r as the unbounded top level of a part.
func NewPartContainer(r io.Reader) *Container {
	return &Container{r: r}
}

// NewContainer wraps r as a container bounded to exactly n bytes.
func NewContainer(r io.Reader, n uint64) *Container {
	return &Container{r: r, n: int64(n), bounded: true}
}

// NextChunk reads one chunk header from c and returns its id, declared
// size, and a new Container scoped to exactly that many bytes.
//
// A clean end of c (no bytes at all read) returns io.EOF. Any other
// failure to read the full 12-byte header is CHUNK_TRUNCATED. A declared
// size that would run past the remaining bytes of a bounded c is
// CHUNK_FRAMING.
func NextChunk(c *Container) (id ID, size uint64, payload *Container, err error) {
	header := make([]byte, HeaderSize)
	n, rerr := io.ReadFull(c, header)
	if rerr == io.EOF && n == 0 {
		return ID{}, 0, nil, io.EOF
	}
	if rerr != nil {
		return ID{}, 0, nil, barerr.Wrap(barerr.KindChunkTruncated, rerr, "reading chunk header (got %d/%d bytes)", n, HeaderSize)
	}

	copy(id[:], header[0:4])
	size = binary.BigEndian.Uint64(header[4:12])

	if c.bounded && size > uint64(c.n) {
		return id, size, nil, barerr.New(barerr.KindChunkFraming, "chunk %s declares size %d exceeding remaining container bytes %d", id, size, c.n)
	}

	return id, size, NewContainer(c, size), nil
}

// Skip discards the remainder of payload, detecting truncation if the
// underlying stream ends before payload's declared size is consumed.
func Skip(payload *Container) error {
	want := payload.n
	n, err := io.Copy(io.Discard, payload)
	if payload.n > 0 {
		return barerr.Wrap(barerr.KindChunkTruncated, err, "skip: truncated after %d/%d bytes", n, want)
	}
	return err
}

// ReadFull reads exactly len(buf) bytes from payload, mapping a short read
// to CHUNK_TRUNCATED.
func ReadFull(payload *Container, buf []byte) error {
	n, err := io.ReadFull(payload, buf)
	if err != nil {
		return barerr.Wrap(barerr.KindChunkTruncated, err, "short read (got %d/%d bytes)", n, len(buf))
	}
	return nil
}

// --- primitive value decoding (spec §4.1 "Byte order") ---

// GetUint8 reads a single byte.
func GetUint8(payload *Container) (uint8, error) {
	var b [1]byte
	if err := ReadFull(payload, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetUint16 reads a big-endian uint16.
func GetUint16(payload *Container) (uint16, error) {
	var b [2]byte
	if err := ReadFull(payload, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// GetUint32 reads a big-endian uint32.
func GetUint32(payload *Container) (uint32, error) {
	var b [4]byte
	if err := ReadFull(payload, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// GetUint64 reads a big-endian uint64.
func GetUint64(payload *Container) (uint64, error) {
	var b [8]byte
	if err := ReadFull(payload, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// GetBool reads a single byte and requires it to be exactly 0 or 1.
func GetBool(payload *Container) (bool, error) {
	v, err := GetUint8(payload)
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, barerr.New(barerr.KindChunkFraming, "invalid boolean byte 0x%02x", v)
	}
}

// GetString reads a {u16 length, bytes} UTF-8 string.
func GetString(payload *Container) (string, error) {
	l, err := GetUint16(payload)
	if err != nil {
		return "", err
	}
	buf := make([]byte, l)
	if err := ReadFull(payload, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// GetStringList reads a {u16 count, String*} list of strings.
func GetStringList(payload *Container) ([]string, error) {
	count, err := GetUint16(payload)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		s, err := GetString(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
