package entrypipeline

import (
	"bytes"
	"io"

	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/kenchrcum/bararchive/internal/chunkio"
	"github.com/kenchrcum/bararchive/internal/cryptframe"
)

// outerKindByID maps an outer entry chunk id back to its Kind; the inverse
// of Kind.outerChunkID.
func outerKindByID(id chunkio.ID) (Kind, bool) {
	switch id {
	case chunkio.IDFile:
		return KindFile, true
	case chunkio.IDImag:
		return KindImage, true
	case chunkio.IDDir0:
		return KindDirectory, true
	case chunkio.IDLink:
		return KindLink, true
	case chunkio.IDHlnk:
		return KindHardLink, true
	case chunkio.IDSpec:
		return KindSpecial, true
	default:
		return 0, false
	}
}

// NextEntry reads the next top-level entry chunk from part, decoding its
// header and leaving the Pipeline positioned to stream that entry's data
// fragments via ReadData (spec §4.4 "Read contract").
//
// Unknown top-level chunks (forward-compatible additions from a newer
// minor version) are skipped transparently. io.EOF means the part's known
// entries are exhausted; a FOOT chunk that ends them is consumed here and
// its last-part flag kept for LastFooterWasFinal.
func (p *Pipeline) NextEntry(part *chunkio.Container) (Header, error) {
	kind, raw, payload, err := p.NextEntryHeaderBytes(part)
	if err != nil {
		return Header{}, err
	}
	h, err := p.DecodeHeaderBytes(raw, kind, p.frame)
	if err != nil {
		return Header{}, err
	}
	p.CommitEntry(kind, h, payload)
	return h, nil
}

// NextEntryHeaderBytes advances part to the next top-level entry chunk and
// buffers its header sub-chunk's raw bytes without decoding them, leaving
// the Pipeline otherwise untouched. It exists so a caller holding a pool of
// candidate passphrases (spec §4.8 "password pool") can try DecodeHeaderBytes
// against each candidate frame in turn without re-reading the stream: the
// header chunk's bytes, once buffered, can be decoded any number of times.
//
// io.EOF means the part's known entries are exhausted, exactly as NextEntry
// documents.
func (p *Pipeline) NextEntryHeaderBytes(part *chunkio.Container) (Kind, []byte, *chunkio.Container, error) {
	if p.st == stateEntryActive {
		return 0, nil, nil, barerr.New(barerr.KindBadState, "nextEntry called while an entry is still active")
	}

	for {
		id, _, payload, err := chunkio.NextChunk(part)
		if err != nil {
			return 0, nil, nil, err
		}

		kind, ok := outerKindByID(id)
		if !ok {
			if id == chunkio.IDFoot {
				lastPart, err := chunkio.GetBool(payload)
				if err != nil {
					return 0, nil, nil, err
				}
				p.footerLastPart = lastPart
				return 0, nil, nil, io.EOF
			}
			if err := chunkio.Skip(payload); err != nil {
				return 0, nil, nil, err
			}
			continue
		}

		headerID, _, headerPayload, err := chunkio.NextChunk(payload)
		if err != nil {
			return 0, nil, nil, err
		}
		if headerID != kind.headerChunkID() {
			return 0, nil, nil, barerr.New(barerr.KindChunkFraming, "entry %s: expected header chunk %s, got %s", kind, kind.headerChunkID(), headerID)
		}

		raw, err := io.ReadAll(headerPayload)
		if err != nil {
			return 0, nil, nil, barerr.Wrap(barerr.KindChunkTruncated, err, "buffering header chunk for entry %s", kind)
		}
		return kind, raw, payload, nil
	}
}

// DecodeHeaderBytes decodes a header chunk's raw bytes (as returned by
// NextEntryHeaderBytes) against frame, which need not be the Pipeline's own
// frame: the wire format carries its own compress/crypt-algorithm and
// block-size fields (see readHeader), so only frame's key material and the
// Pipeline's salt/entryIndex need to match for path fields to decrypt
// correctly. A wrong passphrase does not fail loudly here — CBC decryption
// always produces output — but surfaces as a KindDecryptFail from PKCS#7
// unpadding once the padding bytes don't check out.
func (p *Pipeline) DecodeHeaderBytes(raw []byte, kind Kind, frame *cryptframe.Frame) (Header, error) {
	c := chunkio.NewContainer(bytes.NewReader(raw), uint64(len(raw)))
	codec := headerCodec{salt: p.salt, entryIndex: p.entryIndex, frame: frame}
	return readHeader(c, kind, codec)
}

// HeaderCryptAlgorithm peeks the crypt algorithm wire code from a buffered
// header chunk's raw bytes, without decoding the rest of the header. A
// Reader uses this to decide whether a header needs a passphrase at all
// before trying its password pool, or, with no passphrase source (spec §4.8
// "listing without a key"), decoding it with a nil frame and substituting
// the <encrypted> sentinel for its paths.
func HeaderCryptAlgorithm(raw []byte) (cryptframe.Algorithm, error) {
	if len(raw) < 2 {
		return 0, barerr.New(barerr.KindChunkTruncated, "header chunk too short to carry a crypt algorithm byte")
	}
	return cryptframe.Algorithm(raw[1]), nil
}

// CommitEntry finalizes a header decoded via DecodeHeaderBytes into Pipeline
// state, positioning it to serve ReadData calls for kind's data fragments
// (or, for a data-less kind, immediately returning to stateIdle exactly as
// NextEntry always did).
func (p *Pipeline) CommitEntry(kind Kind, h Header, payload *chunkio.Container) {
	p.st = stateEntryActive
	p.kind = kind
	p.header = h
	p.activeCompress = h.CompressAlgorithm
	p.fragmentIndex = 0
	p.totalWritten = 0
	p.currentEntryPayload = payload
	p.pendingPlain = p.pendingPlain[:0]

	if !kind.HasData() {
		p.st = stateIdle
		p.entryIndex++
	}
}

// NextEntryHeaderBytesForResume is NextEntryHeaderBytes without the "no
// entry currently active" guard, for a Reader resuming an entry that
// SplitEntry/ResumeEntry carried across a part boundary on the write side
// (spec §4.8 "cross-part read continuation"): the Pipeline is still
// logically mid-entry when the continuation's header chunk must be read
// from the new part, so the normal active-entry guard would reject the
// call that is supposed to find it. State is restored if the resume lookup
// fails, so a caller that gives up still sees an entry reported as active.
func (p *Pipeline) NextEntryHeaderBytesForResume(part *chunkio.Container) (Kind, []byte, *chunkio.Container, error) {
	saved := p.st
	p.st = stateIdle
	kind, raw, payload, err := p.NextEntryHeaderBytes(part)
	if err != nil {
		p.st = saved
	}
	return kind, raw, payload, err
}

// CommitResumedEntry finalizes a header decoded from a part boundary's
// continuation chunk, exactly like CommitEntry except fragmentIndex and
// totalWritten carry forward from the interrupted entry in the previous
// part instead of resetting to zero — the read-side mirror of how
// ResumeEntry continues a split entry on the write side. entryIndex is
// left untouched for the same reason ResumeEntry leaves it untouched: it
// is still logically the same entry, which was never finalized.
func (p *Pipeline) CommitResumedEntry(kind Kind, h Header, payload *chunkio.Container, fragmentIndex, totalWritten uint64) {
	p.st = stateEntryActive
	p.kind = kind
	p.header = h
	p.activeCompress = h.CompressAlgorithm
	p.fragmentIndex = fragmentIndex
	p.totalWritten = totalWritten
	p.currentEntryPayload = payload
	p.pendingPlain = p.pendingPlain[:0]
}

// AbortEntryRead discards the active entry without validating declared size
// against what was delivered (spec §4.8 "skipEntry": unlike EndEntryRead,
// the caller explicitly does not want the rest of this entry). Kinds with
// no data are already idle by the time CommitEntry returns, so this is a
// no-op for them.
func (p *Pipeline) AbortEntryRead() {
	if p.st != stateEntryActive {
		return
	}
	p.st = stateIdle
	p.entryIndex++
}

// ReadData fills buf with decoded entry bytes and returns the number
// copied; 0, io.EOF signals the entry (within this part) is exhausted.
func (p *Pipeline) ReadData(buf []byte) (int, error) {
	if p.kind == 0 && p.st != stateEntryActive {
		return 0, barerr.New(barerr.KindBadState, "readData called with no active entry")
	}
	if !p.kind.HasData() {
		return 0, io.EOF
	}

	if len(p.pendingPlain) == 0 {
		if err := p.fillNextFragment(); err != nil {
			return 0, err
		}
		if len(p.pendingPlain) == 0 {
			return 0, io.EOF
		}
	}

	n := copy(buf, p.pendingPlain)
	p.pendingPlain = p.pendingPlain[n:]
	p.totalWritten += uint64(n)
	return n, nil
}

// fillNextFragment reads and decodes the next data chunk into pendingPlain,
// skipping unknown chunk ids for forward compatibility.
func (p *Pipeline) fillNextFragment() error {
	for {
		id, _, payload, err := chunkio.NextChunk(p.currentEntryPayload)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if id != p.kind.dataChunkID() {
			if err := chunkio.Skip(payload); err != nil {
				return err
			}
			continue
		}

		offset, err := chunkio.GetUint64(payload)
		if err != nil {
			return err
		}
		declaredSize, err := chunkio.GetUint64(payload)
		if err != nil {
			return err
		}
		if offset != p.totalWritten {
			return barerr.New(barerr.KindEntryIncomplete, "entry %q: fragment gap, expected offset %d got %d", p.header.Name, p.totalWritten, offset)
		}

		remaining := payload.Remaining()
		if remaining < 0 {
			return barerr.New(barerr.KindChunkFraming, "data chunk has no bounded payload")
		}
		raw := make([]byte, remaining)
		if err := chunkio.ReadFull(payload, raw); err != nil {
			return err
		}

		plain, err := p.decodeFragment(raw)
		if err != nil {
			return err
		}
		if uint64(len(plain)) != declaredSize {
			return barerr.New(barerr.KindEntrySizeMismatch, "fragment at offset %d declared %d bytes, decoded %d", offset, declaredSize, len(plain))
		}

		p.pendingPlain = append(p.pendingPlain[:0], plain...)
		p.fragmentIndex++
		return nil
	}
}

func (p *Pipeline) decodeFragment(raw []byte) ([]byte, error) {
	buf := raw
	if p.frame != nil && p.cryptAlgorithm() != cryptframe.AlgorithmNone {
		iv := cryptframe.DeriveFragmentIV(p.salt, p.entryIndex, p.fragmentIndex, p.blockSize())
		decrypted, err := p.frame.Decrypt(iv, buf)
		if err != nil {
			return nil, err
		}
		buf = decrypted
	}
	if p.activeCompress == "" || p.activeCompress == "none" || p.activeCompress == "delta" {
		return buf, nil
	}
	return decompressBytes(p.activeCompress, buf)
}

// LastFooterWasFinal reports the lastPart flag of the most recently read
// FOOT chunk (valid only after NextEntry has returned io.EOF).
func (p *Pipeline) LastFooterWasFinal() bool { return p.footerLastPart }

// EndEntryRead finalizes reading the current entry, validating its
// declared size against what was actually delivered, and advances the
// entry index so the next NextEntry's header decryption IV differs.
func (p *Pipeline) EndEntryRead() error {
	if p.kind.HasData() && p.header.Size != p.totalWritten {
		return barerr.New(barerr.KindEntryIncomplete, "entry %q: declared %d bytes, delivered %d", p.header.Name, p.header.Size, p.totalWritten)
	}
	p.st = stateIdle
	p.entryIndex++
	return nil
}
