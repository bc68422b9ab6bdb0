package compressframe

import (
	"compress/bzip2"
	"io"
)

// newBzip2Reader decodes a bzip2 stream using the standard library, which
// (like every bzip2 package in the corpus) only implements decoding.
// Archives carrying bzip2-compressed entries must have been produced by a
// different writer; this format never compresses new entries with it.
func newBzip2Reader(r io.Reader) io.Reader {
	return bzip2.NewReader(r)
}
