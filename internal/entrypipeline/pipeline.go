package entrypipeline

import (
	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/kenchrcum/bararchive/internal/chunkio"
	"github.com/kenchrcum/bararchive/internal/compressframe"
	"github.com/kenchrcum/bararchive/internal/cryptframe"
)

// state tags where a Pipeline is in its single-entry lifecycle (spec §4.4
// "Exactly one active entry per writer").
type state uint8

const (
	stateIdle state = iota
	stateEntryActive
)

// Pipeline is EntryPipeline: it owns the CompressFrame/CryptFrame context
// for whichever entry is currently active and drives ChunkIO writes for
// it. A Pipeline is reused across entries within one archive session; it
// is not reused across archives (the salt and frame are per-archive).
type Pipeline struct {
	salt       []byte
	frame      *cryptframe.Frame
	compress   compressframe.Algorithm
	level      int
	entryIndex uint64

	st state

	// current entry state, valid only while st == stateEntryActive
	kind           Kind
	header         Header
	activeCompress compressframe.Algorithm // this entry's effective compression, resolved once in BeginEntry/ResumeEntry/CommitEntry
	fragmentIndex  uint64
	elementBuf     []byte // plaintext accumulated for the fragment currently open in this part
	elementSize    int
	totalWritten   uint64

	// read-side state, valid only while reading and st == stateEntryActive
	currentEntryPayload *chunkio.Container
	pendingPlain        []byte
	footerLastPart      bool
}

// New builds a Pipeline bound to one archive's salt and encryption frame
// (frame is nil for an unencrypted archive).
func New(salt []byte, frame *cryptframe.Frame, compress compressframe.Algorithm, level int) *Pipeline {
	return &Pipeline{salt: salt, frame: frame, compress: compress, level: level}
}

func (p *Pipeline) blockSize() int {
	if p.frame == nil {
		return 1
	}
	return p.frame.BlockSize()
}

func (p *Pipeline) cryptAlgorithm() cryptframe.Algorithm {
	if p.frame == nil {
		return cryptframe.AlgorithmNone
	}
	return p.frame.Algorithm()
}

func (p *Pipeline) cryptType() cryptframe.CryptType {
	if p.frame == nil {
		return cryptframe.CryptTypeSymmetric
	}
	return p.frame.CryptType()
}

// headerCodecFor builds the headerCodec for the entry currently being
// written or read, using entryIndex to key IV derivation.
func (p *Pipeline) headerCodecFor(compress compressframe.Algorithm) headerCodec {
	return headerCodec{
		compressAlg: compress,
		cryptAlg:    p.cryptAlgorithm(),
		cryptType:   p.cryptType(),
		blockSize:   p.blockSize(),
		salt:        p.salt,
		entryIndex:  p.entryIndex,
		frame:       p.frame,
	}
}

// BeginEntry opens the outer entry chunk and writes its header sub-chunk
// (spec §4.4 step 1). fragmentStartOffset is 0 for a brand-new entry, or
// the resume offset PartScheduler supplies when re-opening an entry that
// was split across a part boundary.
func (p *Pipeline) BeginEntry(w *chunkio.Writer, h Header, fragmentStartOffset uint64) error {
	if p.st == stateEntryActive {
		return barerr.New(barerr.KindBadState, "beginEntry called while an entry is already active")
	}

	compress := h.CompressAlgorithm
	if compress == "" {
		compress = p.compress
	}
	h.CompressAlgorithm = compress

	w.OpenChunk(h.Kind.outerChunkID())
	w.OpenChunk(h.Kind.headerChunkID())
	if err := writeHeader(w, h, p.headerCodecFor(compress)); err != nil {
		return err
	}
	if err := w.CloseChunk(); err != nil {
		return err
	}

	p.st = stateEntryActive
	p.kind = h.Kind
	p.header = h
	p.activeCompress = compress
	p.fragmentIndex = 0
	p.elementBuf = p.elementBuf[:0]
	p.totalWritten = fragmentStartOffset

	if !h.Kind.HasData() {
		if err := w.CloseChunk(); err != nil { // outer chunk
			return err
		}
		p.st = stateIdle
		p.entryIndex++
	}
	return nil
}

// WriteData accumulates buf into the fragment currently being built for
// this part (spec §4.4 step 2). It never itself emits a chunk: a fragment
// is this part's entire contiguous share of the entry, so the accumulated
// bytes are only compressed, encrypted and framed into one FDAT/IDAT/HDAT
// chunk when the entry ends (EndEntry) or the part rotates mid-entry
// (SplitEntry). elementSize records the caller's element width (e.g. an
// Image entry's device block size) purely as a boundary constraint for
// PartScheduler/ArchiveWriter: they must cut a buffer at a point that is a
// multiple of elementSize (and of the cipher's block size) before handing
// it to WriteData, never inside a declared element.
func (p *Pipeline) WriteData(buf []byte, elementSize int) error {
	if p.st != stateEntryActive || !p.kind.HasData() {
		return barerr.New(barerr.KindBadState, "writeData called with no active data-bearing entry")
	}
	if elementSize <= 0 {
		elementSize = 1
	}
	p.elementSize = elementSize
	p.elementBuf = append(p.elementBuf, buf...)
	return nil
}

// BlockSize reports the active cipher's block size (1 for an unencrypted
// archive), the alignment a non-final fragment's cut point must respect
// alongside elementSize (spec §3 fragment invariants).
func (p *Pipeline) BlockSize() int { return p.blockSize() }

// flushFragment compresses+encrypts+frames the entire accumulated buffer
// as one data chunk: this part's whole fragment of the current entry
// (spec §3). offset/size are self-describing so a Reader can validate
// contiguity without tracking PartScheduler's split decisions itself.
func (p *Pipeline) flushFragment(w *chunkio.Writer, plaintext []byte) error {
	processed, err := p.encodeFragment(plaintext)
	if err != nil {
		return err
	}

	w.OpenChunk(p.kind.dataChunkID())
	if err := chunkio.PutUint64(w, p.totalWritten); err != nil {
		return err
	}
	if err := chunkio.PutUint64(w, uint64(len(plaintext))); err != nil {
		return err
	}
	if err := w.WriteRaw(processed); err != nil {
		return err
	}
	if err := w.CloseChunk(); err != nil {
		return err
	}

	p.totalWritten += uint64(len(plaintext))
	p.fragmentIndex++
	return nil
}

func (p *Pipeline) encodeFragment(plaintext []byte) ([]byte, error) {
	var buf []byte
	if p.activeCompress == compressframe.AlgorithmNone || p.activeCompress == compressframe.AlgorithmDelta {
		buf = plaintext
	} else {
		encoded, err := compressBytes(p.activeCompress, p.level, plaintext)
		if err != nil {
			return nil, err
		}
		buf = encoded
	}

	if p.frame == nil || p.cryptAlgorithm() == cryptframe.AlgorithmNone {
		return buf, nil
	}

	iv := cryptframe.DeriveFragmentIV(p.salt, p.entryIndex, p.fragmentIndex, p.blockSize())
	return p.frame.Encrypt(iv, buf)
}

// EndEntry flushes the bytes accumulated for this part as one data chunk
// (if any), closes the outer entry chunk, and validates the declared size
// against the sum of fragment sizes (spec §4.4 step 3, ENTRY_SIZE_MISMATCH).
func (p *Pipeline) EndEntry(w *chunkio.Writer) error {
	if p.st != stateEntryActive {
		return barerr.New(barerr.KindBadState, "endEntry called with no active entry")
	}

	if p.kind.HasData() && len(p.elementBuf) > 0 {
		if err := p.flushFragment(w, p.elementBuf); err != nil {
			return err
		}
		p.elementBuf = p.elementBuf[:0]
	}

	if err := w.CloseChunk(); err != nil { // outer entry chunk
		return err
	}

	if p.kind.HasData() && p.header.Size != p.totalWritten {
		return barerr.New(barerr.KindEntrySizeMismatch, "entry %q declared size %d but wrote %d bytes", p.header.Name, p.header.Size, p.totalWritten)
	}

	p.st = stateIdle
	p.entryIndex++
	return nil
}

// SplitEntry closes the current data-bearing entry's chunks mid-entry for
// a PartScheduler rotate (spec §4.5): unlike EndEntry, it does not validate
// the declared size against totalWritten, since the entry isn't actually
// finished — only this part's share of it. It returns the header and the
// fragment bookkeeping PartScheduler must hand back to ResumeEntry once
// the next part's stream is open.
func (p *Pipeline) SplitEntry(w *chunkio.Writer) (Header, uint64, uint64, error) {
	if p.st != stateEntryActive || !p.kind.HasData() {
		return Header{}, 0, 0, barerr.New(barerr.KindBadState, "splitEntry called with no active data-bearing entry")
	}

	if len(p.elementBuf) > 0 {
		if err := p.flushFragment(w, p.elementBuf); err != nil {
			return Header{}, 0, 0, err
		}
		p.elementBuf = p.elementBuf[:0]
	}
	if err := w.CloseChunk(); err != nil { // outer entry chunk
		return Header{}, 0, 0, err
	}

	header, fragmentIndex, totalWritten := p.header, p.fragmentIndex, p.totalWritten
	p.st = stateIdle
	return header, fragmentIndex, totalWritten, nil
}

// ResumeEntry re-opens an entry split across a part boundary by SplitEntry,
// continuing fragmentIndex and totalWritten from where the previous part
// left off (entryIndex is unchanged: it is still logically the same
// entry, so the continuation header is encrypted under the same header-path
// IV as the entry's first header, which is what lets a Reader decrypt it,
// while data fragments keep distinct IVs because fragmentIndex simply keeps
// counting up).
func (p *Pipeline) ResumeEntry(w *chunkio.Writer, h Header, fragmentIndex, totalWritten uint64) error {
	if p.st == stateEntryActive {
		return barerr.New(barerr.KindBadState, "resumeEntry called while an entry is already active")
	}

	compress := h.CompressAlgorithm
	if compress == "" {
		compress = p.compress
	}

	w.OpenChunk(h.Kind.outerChunkID())
	w.OpenChunk(h.Kind.headerChunkID())
	if err := writeHeader(w, h, p.headerCodecFor(compress)); err != nil {
		return err
	}
	if err := w.CloseChunk(); err != nil {
		return err
	}

	p.st = stateEntryActive
	p.kind = h.Kind
	p.header = h
	p.activeCompress = compress
	p.fragmentIndex = fragmentIndex
	p.elementBuf = p.elementBuf[:0]
	p.totalWritten = totalWritten
	return nil
}

// Active reports whether an entry is currently open for writing/reading.
func (p *Pipeline) Active() bool { return p.st == stateEntryActive }

// CurrentKind reports the Kind of the entry most recently begun, valid
// whether or not it is still active (a data-less entry's Kind survives its
// own immediate completion so the caller can still log/index it).
func (p *Pipeline) CurrentKind() Kind { return p.kind }

// CurrentHeader reports the Header of the entry most recently begun.
func (p *Pipeline) CurrentHeader() Header { return p.header }

// BytesWritten reports how many plaintext bytes have been written to the
// current entry so far (the next fragment's offset).
func (p *Pipeline) BytesWritten() uint64 { return p.totalWritten }

// FragmentIndex reports the next fragment index the current entry expects,
// used by a Reader to carry fragment numbering across a part boundary
// (spec §4.8 "cross-part read continuation").
func (p *Pipeline) FragmentIndex() uint64 { return p.fragmentIndex }

// Frame returns the Pipeline's bound encryption frame, or nil for an
// unencrypted archive.
func (p *Pipeline) Frame() *cryptframe.Frame { return p.frame }

// EntryIndex reports how many entries have been completed so far; an entry
// that is still active is not counted.
func (p *Pipeline) EntryIndex() uint64 { return p.entryIndex }

// BindFrame fixes the Pipeline's per-archive frame after construction. A
// Reader that must try several candidate passphrases against the first
// entry's header before it knows which one unlocks the archive (spec §4.8
// "password pool") builds the Pipeline with a nil frame and calls BindFrame
// once the winning candidate is found; it must not be called again once an
// entry's data has started streaming.
func (p *Pipeline) BindFrame(frame *cryptframe.Frame) { p.frame = frame }
