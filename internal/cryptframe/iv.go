package cryptframe

import (
	"crypto/sha256"
	"encoding/binary"
)

// DeriveFragmentIV derives the IV for one fragment from the archive-wide
// salt, the entry's index within the archive, and the fragment's index
// within the entry (spec §3: "IV uniqueness — no two fragments across the
// whole archive life may reuse an IV under the same key"). Deriving
// deterministically from these three inputs, rather than storing a random
// IV per fragment, keeps the header cheap while guaranteeing uniqueness as
// long as (entryIndex, fragmentIndex) pairs are never repeated, which the
// EntryPipeline's monotonic counters ensure.
func DeriveFragmentIV(salt []byte, entryIndex, fragmentIndex uint64, blockSize int) []byte {
	h := sha256.New()
	h.Write(salt)
	var counters [16]byte
	binary.BigEndian.PutUint64(counters[0:8], entryIndex)
	binary.BigEndian.PutUint64(counters[8:16], fragmentIndex)
	h.Write(counters[:])
	sum := h.Sum(nil)
	if blockSize > len(sum) {
		blockSize = len(sum)
	}
	return sum[:blockSize]
}
