package compressframe

import (
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// The format's "lzma" algorithm slot (spec §4.3, §6 chunk table) has no
// importable lzma encoder anywhere in the corpus; klauspost/compress/zstd
// is used here as the closest available high-ratio ecosystem codec for
// that slot, matching the compression-algorithm-per-chunk approach the
// pack's go-delta example uses with the same library.
func newLZMAWriter(w io.Writer, level int) (io.WriteCloser, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
	if err != nil {
		return nil, barerr.Wrap(barerr.KindCompressFail, err, "open zstd writer for lzma slot")
	}
	return zw, nil
}

func newLZMAReader(r io.Reader) (io.Reader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, barerr.Wrap(barerr.KindDecompressFail, err, "open zstd reader for lzma slot")
	}
	return zr.IOReadCloser(), nil
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 4:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}
