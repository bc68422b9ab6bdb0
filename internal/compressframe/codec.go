// Package compressframe implements CompressFrame (spec §4.3): the
// compress-then-encrypt stage of the entry pipeline, streaming through
// per-algorithm io.Reader/io.Writer adapters the way the teacher's
// internal/crypto chunked readers stream through an AEAD cipher.
package compressframe

import (
	"io"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// Algorithm identifies a compression codec, including the "delta" slot
// which doesn't compress at all but rewrites the stream against a source
// entry (spec §4.3/§7 "delta-compressed entries").
type Algorithm string

const (
	AlgorithmNone    Algorithm = "none"
	AlgorithmDeflate Algorithm = "deflate"
	AlgorithmBzip2   Algorithm = "bzip2"
	AlgorithmLZMA    Algorithm = "lzma"
	AlgorithmDelta   Algorithm = "delta"
)

// ParseAlgorithm maps a configuration name to an Algorithm, rejecting
// anything the format doesn't define a slot for.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "", AlgorithmNone:
		return AlgorithmNone, nil
	case AlgorithmDeflate, AlgorithmBzip2, AlgorithmLZMA, AlgorithmDelta:
		return Algorithm(name), nil
	default:
		return AlgorithmNone, barerr.New(barerr.KindTemplateInvalid, "unknown compress algorithm %q", name)
	}
}

// Level clamps a requested compression level into [0,9]. The level is not
// recorded in the entry header; only the algorithm is.
func Level(level int) int {
	if level < 0 {
		return 0
	}
	if level > 9 {
		return 9
	}
	return level
}

// NewEncodeWriter returns a WriteCloser that compresses everything written
// to it and flushes the compressed stream to w on Close. AlgorithmDelta and
// AlgorithmBzip2 cannot be used for encoding: the format documents bzip2 as
// decode-only (no third-party or stdlib encoder exists for it), and delta
// encoding is handled by the separate DeltaResolver, not this codec path.
func NewEncodeWriter(alg Algorithm, level int, w io.Writer) (io.WriteCloser, error) {
	switch alg {
	case AlgorithmNone:
		return nopWriteCloser{w}, nil
	case AlgorithmDeflate:
		return newDeflateWriter(w, level)
	case AlgorithmLZMA:
		return newLZMAWriter(w, level)
	case AlgorithmBzip2:
		return nil, barerr.New(barerr.KindCompressFail, "bzip2 encoding is not supported, only decoding of legacy archives")
	case AlgorithmDelta:
		return nil, barerr.New(barerr.KindCompressFail, "delta is not a stream codec, use DeltaResolver")
	default:
		return nil, barerr.New(barerr.KindCompressFail, "unknown compress algorithm %q", alg)
	}
}

// NewDecodeReader returns a Reader that decompresses r.
func NewDecodeReader(alg Algorithm, r io.Reader) (io.Reader, error) {
	switch alg {
	case AlgorithmNone:
		return r, nil
	case AlgorithmDeflate:
		return newDeflateReader(r)
	case AlgorithmLZMA:
		return newLZMAReader(r)
	case AlgorithmBzip2:
		return newBzip2Reader(r), nil
	case AlgorithmDelta:
		return nil, barerr.New(barerr.KindDecompressFail, "delta is not a stream codec, use DeltaResolver")
	default:
		return nil, barerr.New(barerr.KindDecompressFail, "unknown compress algorithm %q", alg)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
