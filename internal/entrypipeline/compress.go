package entrypipeline

import (
	"bytes"
	"io"

	"github.com/kenchrcum/bararchive/internal/compressframe"
)

// compressBytes runs plaintext through one compressframe encoder in one
// shot. EntryPipeline calls this once per fragment rather than
// keeping a long-lived streaming writer open, since each fragment's
// compressed+encrypted payload must be fully known before its chunk header
// can be closed (chunkio.Writer buffers a chunk's payload in memory for
// exactly this reason).
func compressBytes(alg compressframe.Algorithm, level int, plaintext []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := compressframe.NewEncodeWriter(alg, level, &out)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// decompressBytes is the inverse of compressBytes.
func decompressBytes(alg compressframe.Algorithm, compressed []byte) ([]byte, error) {
	r, err := compressframe.NewDecodeReader(alg, bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
