package compressframe

import (
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

func newDeflateWriter(w io.Writer, level int) (io.WriteCloser, error) {
	fw, err := flate.NewWriter(w, clampDeflateLevel(level))
	if err != nil {
		return nil, barerr.Wrap(barerr.KindCompressFail, err, "open deflate writer")
	}
	return fw, nil
}

func newDeflateReader(r io.Reader) (io.Reader, error) {
	return flate.NewReader(r), nil
}

// clampDeflateLevel maps the format's 0-9 level into flate's accepted
// range, which is the same 0-9 scale plus the two sentinels flate defines.
func clampDeflateLevel(level int) int {
	level = Level(level)
	if level == 0 {
		return flate.NoCompression
	}
	if level == 9 {
		return flate.BestCompression
	}
	return level
}
