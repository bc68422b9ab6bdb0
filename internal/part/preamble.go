// Package part implements PartScheduler (spec §4.5): it decides when the
// current part is "full", closes it, asks StorageBackend for the next
// stream, and drives EntryPipeline through the rotate sequence. The
// teacher has no direct analogue (it puts one whole object per request);
// this package's retry/idempotence shape instead follows the
// BACKEND_TRANSIENT-wrapping pattern internal/backend.RetryingBackend
// already applies to individual backend calls, one level up at the
// part-rotation granularity.
package part

import (
	"io"

	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/kenchrcum/bararchive/internal/chunkio"
)

// Format version this implementation writes and requires to match exactly
// on the major component (spec §6 "Versioning").
const (
	FormatVersionMajor uint32 = 1
	FormatVersionMinor uint32 = 0
)

// Preamble is one part's BAR0 header plus optional wrapped session key.
type Preamble struct {
	VersionMajor      uint32
	VersionMinor      uint32
	Salt              []byte
	WrappedSessionKey []byte // nil unless asymmetric mode
}

// WritePreamble opens w's BAR0 chunk (and KEY0 chunk, if wrappedSessionKey
// is non-nil) at the very start of a part.
func WritePreamble(w *chunkio.Writer, salt []byte, wrappedSessionKey []byte) error {
	w.OpenChunk(chunkio.IDBar0)
	if err := chunkio.PutUint32(w, FormatVersionMajor); err != nil {
		return err
	}
	if err := chunkio.PutUint32(w, FormatVersionMinor); err != nil {
		return err
	}
	if err := w.WriteRaw(salt); err != nil {
		return err
	}
	if err := w.CloseChunk(); err != nil {
		return err
	}

	if wrappedSessionKey == nil {
		return nil
	}
	w.OpenChunk(chunkio.IDKey0)
	if err := w.WriteRaw(wrappedSessionKey); err != nil {
		return err
	}
	return w.CloseChunk()
}

// ReadPreamble reads a part's BAR0 chunk and, if expectKey is true
// (determined by the caller's encryption mode, not sniffed from the
// stream), the KEY0 chunk that follows it.
func ReadPreamble(part *chunkio.Container, expectKey bool) (Preamble, error) {
	id, _, payload, err := chunkio.NextChunk(part)
	if err != nil {
		return Preamble{}, err
	}
	if id != chunkio.IDBar0 {
		return Preamble{}, barerr.New(barerr.KindBadMagic, "expected BAR0 preamble chunk, got %s", id)
	}

	major, err := chunkio.GetUint32(payload)
	if err != nil {
		return Preamble{}, err
	}
	if major != FormatVersionMajor {
		return Preamble{}, barerr.New(barerr.KindUnsupportedVersion, "part major version %d, this reader supports %d", major, FormatVersionMajor)
	}
	minor, err := chunkio.GetUint32(payload)
	if err != nil {
		return Preamble{}, err
	}

	salt := make([]byte, 16)
	if err := chunkio.ReadFull(payload, salt); err != nil {
		return Preamble{}, err
	}

	p := Preamble{VersionMajor: major, VersionMinor: minor, Salt: salt}
	if !expectKey {
		return p, nil
	}

	keyID, _, keyPayload, err := chunkio.NextChunk(part)
	if err != nil {
		return Preamble{}, err
	}
	if keyID != chunkio.IDKey0 {
		return Preamble{}, barerr.New(barerr.KindChunkFraming, "expected KEY0 chunk, got %s", keyID)
	}
	wrapped, err := io.ReadAll(keyPayload)
	if err != nil {
		return Preamble{}, err
	}
	p.WrappedSessionKey = wrapped
	return p, nil
}

// WriteFooter marks the end of a part's entries. lastPart tells a reader
// (without needing to consult the backend) whether another part follows.
func WriteFooter(w *chunkio.Writer, lastPart bool) error {
	w.OpenChunk(chunkio.IDFoot)
	if err := chunkio.PutBool(w, lastPart); err != nil {
		return err
	}
	return w.CloseChunk()
}
