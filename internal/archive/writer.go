package archive

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/bararchive/internal/backend"
	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/kenchrcum/bararchive/internal/compressframe"
	"github.com/kenchrcum/bararchive/internal/config"
	"github.com/kenchrcum/bararchive/internal/cryptframe"
	"github.com/kenchrcum/bararchive/internal/entrypipeline"
	"github.com/kenchrcum/bararchive/internal/indexsink"
	"github.com/kenchrcum/bararchive/internal/keywrap"
	"github.com/kenchrcum/bararchive/internal/obslog"
	"github.com/kenchrcum/bararchive/internal/part"
)

// deltaSourceAttr is the extended-attribute key a delta entry's source
// archive name is carried under (spec §7). EntryPipeline's Header has no
// dedicated field for it; XATR is already the generic extensibility vehicle
// for per-entry metadata, so delta reuses it rather than widening the wire
// format for one compression mode.
const deltaSourceAttr = "delta_source"

type writerState uint8

const (
	writerStateOpen writerState = iota
	writerStateEntryActive
	writerStateClosed
)

// Writer is ArchiveWriter (spec §4.7). Exactly one entry may be active at a
// time; newXxxEntry fails with BAD_STATE if called while state is
// writerStateEntryActive.
type Writer struct {
	be          backend.StorageBackend
	archiveName string
	opts        config.Effective
	deps        Dependencies

	scheduler *part.Scheduler
	pipeline  *entrypipeline.Pipeline
	hooks     part.RotateHooks

	salt              []byte
	frame             *cryptframe.Frame
	wrappedSessionKey []byte

	deltaResolver *compressframe.DeltaResolver

	session *obslog.SessionLogger
	state   writerState

	elementSize      int
	entryStartOffset uint64
	entriesThisPart  []indexsink.EntryRow

	// currentCtx/lastClosedSize let the RotateHooks closures (which carry
	// no context or size parameter of their own, per part.RotateHooks)
	// reach the context and size of the rotate currently in flight.
	currentCtx     context.Context
	lastClosedSize int64
}

// Create opens a brand-new archive (spec §4.7 "create"): INIT -> OPEN. An
// encrypted archive's symmetric passphrase is acquired here rather than
// lazily on the first newXxxEntry call, since EntryPipeline's frame is fixed
// at construction and no entry can be written before Create returns anyway;
// asymmetric mode never calls GetPassword; the session key is generated and
// wrapped by deps.KeyManager instead.
func Create(ctx context.Context, be backend.StorageBackend, archiveName string, opts config.Effective, deps Dependencies) (*Writer, error) {
	deps = deps.withDefaults()

	cryptAlg, err := cryptframe.ParseAlgorithm(opts.CryptAlgorithm)
	if err != nil {
		return nil, err
	}
	compressAlg, err := compressframe.ParseAlgorithm(opts.CompressAlgorithm)
	if err != nil {
		return nil, err
	}

	salt, err := cryptframe.NewSalt()
	if err != nil {
		return nil, barerr.Wrap(barerr.KindKeyUnavailable, err, "generating archive salt")
	}

	var frame *cryptframe.Frame
	var wrappedKey []byte

	if cryptAlg != cryptframe.AlgorithmNone {
		if deps.KeyManager != nil {
			sessionKey := make([]byte, cryptAlg.KeySize())
			if _, err := rand.Read(sessionKey); err != nil {
				return nil, barerr.Wrap(barerr.KindKeyUnavailable, err, "generating session key")
			}
			envelope, err := deps.KeyManager.WrapKey(ctx, sessionKey, map[string]string{"archive": archiveName})
			if err != nil {
				return nil, err
			}
			wrappedKey, err = keywrap.EncodeEnvelope(envelope)
			if err != nil {
				return nil, err
			}
			frame, err = cryptframe.InitAsymmetric(cryptAlg, sessionKey)
			if err != nil {
				return nil, err
			}
		} else {
			if deps.GetPassword == nil {
				return nil, barerr.New(barerr.KindNoCryptPassword, "archive %q requires encryption but no GetPassword callback or KeyManager was supplied", archiveName)
			}
			passphrase, err := deps.GetPassword(ctx, archiveName, PasswordEncrypt, true, true)
			if err != nil {
				return nil, barerr.Wrap(barerr.KindNoCryptPassword, err, "acquiring encryption passphrase for %q", archiveName)
			}
			if cryptframe.IsWeak(passphrase, opts.WeakPasswordThreshold) {
				deps.Logger.WithField("archive", archiveName).Warn("configured passphrase is weak")
			}
			key := cryptframe.DeriveKey(passphrase, salt, cryptAlg.KeySize())
			frame, err = cryptframe.InitSymmetric(cryptAlg, key)
			if err != nil {
				return nil, err
			}
		}
	}

	scheduler := part.New(be, archiveName, int64(opts.PartSize))
	if _, err := scheduler.Open(ctx, salt, wrappedKey); err != nil {
		return nil, err
	}

	pipeline := entrypipeline.New(salt, frame, compressAlg, compressframe.Level(opts.CompressLevel))

	w := &Writer{
		be:                be,
		archiveName:       archiveName,
		opts:              opts,
		deps:              deps,
		scheduler:         scheduler,
		pipeline:          pipeline,
		salt:              salt,
		frame:             frame,
		wrappedSessionKey: wrappedKey,
		session:           obslog.NewSessionLogger(deps.Logger, archiveName, deps.JobID),
		state:             writerStateOpen,
	}
	if deps.DeltaSourceOpener != nil {
		w.deltaResolver = compressframe.NewDeltaResolver(deps.DeltaSourceOpener)
	}
	w.hooks = part.RotateHooks{
		OnPartClosed:  w.onPartClosed,
		OnVolumeCheck: w.onVolumeCheck,
	}
	if deps.Metrics != nil {
		deps.Metrics.IncrementActiveSessions()
	}
	return w, nil
}

// NewFileEntry begins a regular file entry (spec §4.7 "newFileEntry").
func (w *Writer) NewFileEntry(h entrypipeline.Header) error {
	h.Kind = entrypipeline.KindFile
	return w.beginEntry(h, 1)
}

// NewImageEntry begins a block-device image entry. h.BlockSize becomes the
// entry's element size, so a split between parts cuts on a block boundary
// unless the part capacity is smaller than one aligned unit (see
// alignedCutSize).
func (w *Writer) NewImageEntry(h entrypipeline.Header) error {
	h.Kind = entrypipeline.KindImage
	elementSize := int(h.BlockSize)
	if elementSize <= 0 {
		elementSize = 1
	}
	return w.beginEntry(h, elementSize)
}

// NewDirectoryEntry begins a directory entry. Directories carry no data:
// the entry is fully written by the time this call returns.
func (w *Writer) NewDirectoryEntry(h entrypipeline.Header) error {
	h.Kind = entrypipeline.KindDirectory
	return w.beginEntry(h, 1)
}

// NewLinkEntry begins a symbolic link entry (h.Destination is the link
// target). Carries no data.
func (w *Writer) NewLinkEntry(h entrypipeline.Header) error {
	h.Kind = entrypipeline.KindLink
	return w.beginEntry(h, 1)
}

// NewHardLinkEntry begins a hard-link group entry (h.Names lists every path
// sharing the fragment data).
func (w *Writer) NewHardLinkEntry(h entrypipeline.Header) error {
	h.Kind = entrypipeline.KindHardLink
	return w.beginEntry(h, 1)
}

// NewSpecialEntry begins a device/FIFO/socket entry. Carries no data.
func (w *Writer) NewSpecialEntry(h entrypipeline.Header) error {
	h.Kind = entrypipeline.KindSpecial
	return w.beginEntry(h, 1)
}

func (w *Writer) beginEntry(h entrypipeline.Header, elementSize int) error {
	if w.state != writerStateOpen {
		return barerr.New(barerr.KindBadState, "newXxxEntry called while writer is in state %d, want OPEN", w.state)
	}

	if source, ok := h.Attributes[deltaSourceAttr]; ok && source != "" {
		if w.deltaResolver == nil {
			return barerr.New(barerr.KindDeltaSourceNotFound, "entry %q requests delta source %q but no DeltaSourceOpener was configured", h.Name, source)
		}
		rc, err := w.deltaResolver.ResolveSource(source)
		if err != nil {
			return err
		}
		_ = rc.Close()
	} else if (w.opts.CompressExcludeGlobs != nil || w.opts.CompressMinSize > 0) && h.Kind.HasData() {
		skip := compressframe.SkipPolicy{ExcludeGlobs: w.opts.CompressExcludeGlobs, MinSize: w.opts.CompressMinSize}
		if skip.ShouldSkip(h.Name, int64(h.Size)) {
			h.CompressAlgorithm = compressframe.AlgorithmNone
		}
	}

	start := time.Now()
	if err := w.pipeline.BeginEntry(w.scheduler.Writer(), h, 0); err != nil {
		w.recordEntryError(h.Kind, err)
		return err
	}

	w.elementSize = elementSize
	w.entryStartOffset = 0

	if w.pipeline.Active() {
		w.state = writerStateEntryActive
	} else {
		w.finalizeEntryRow(h, 0, w.pipeline.BytesWritten())
		w.recordEntry(h.Kind, start, 0, 0)
	}
	return nil
}

// WriteData pushes buf through the active entry's compress/encrypt
// pipeline, cutting and rotating as many times as needed so that no
// non-final fragment crosses the part-size threshold unaligned (spec §4.5
// split policy, §3 fragment invariants): a single large WriteData call can
// itself trigger more than one rotation, each cut where alignedCutSize
// says: the largest multiple of both the cipher's block size and the
// entry's elementSize strictly below the remaining part capacity, or the
// full capacity when that alignment is 1 or does not fit.
func (w *Writer) WriteData(ctx context.Context, buf []byte) error {
	if w.state != writerStateEntryActive {
		return barerr.New(barerr.KindBadState, "writeData called while writer is in state %d, want ENTRY_ACTIVE", w.state)
	}

	for len(buf) > 0 {
		if !w.scheduler.CheckSplit(len(buf)) {
			if err := w.pipeline.WriteData(buf, w.elementSize); err != nil {
				w.recordEntryError(w.pipeline.CurrentKind(), err)
				return err
			}
			w.scheduler.WriteBytes(len(buf))
			return nil
		}

		capacity := w.scheduler.PartSize() - w.scheduler.CurrentOffset()
		align := lcmInt(w.elementSize, w.pipeline.BlockSize())
		cut := alignedCutSize(capacity, align)
		if cut > int64(len(buf)) {
			cut = int64(len(buf))
		}

		if cut > 0 {
			head := buf[:cut]
			if err := w.pipeline.WriteData(head, w.elementSize); err != nil {
				w.recordEntryError(w.pipeline.CurrentKind(), err)
				return err
			}
			w.scheduler.WriteBytes(len(head))
			buf = buf[cut:]
		}

		if err := w.rotate(ctx, false); err != nil {
			return err
		}
	}
	return nil
}

// gcdInt and lcmInt compute the alignment shared by two element-size
// constraints (the cipher's block size and a caller's declared elementSize)
// so a split cut point can satisfy both at once.
func gcdInt(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcmInt(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	return a / gcdInt(a, b) * b
}

// alignedCutSize returns the largest cut point, in bytes, that fits within
// capacity while landing on a multiple of align (spec §3: a non-final
// fragment's size must be a multiple of the cipher's block size, and never
// split inside a declared element). When align <= 1 neither constraint is
// real, so the cut uses the full capacity; otherwise it is shaved down to
// the largest strict multiple of align below capacity. A part-size smaller
// than align leaves no aligned cut to make at all: rather than rotate empty
// parts forever chasing an unreachable alignment, the full capacity is used
// unaligned in that case.
func alignedCutSize(capacity int64, align int) int64 {
	if capacity <= 0 {
		return 0
	}
	if align <= 1 {
		return capacity
	}
	a := int64(align)
	if capacity <= a {
		return capacity
	}
	return (capacity - 1) / a * a
}

// CloseEntry finalizes the active entry (spec §4.7 "closeEntry"):
// ENTRY_ACTIVE -> OPEN.
func (w *Writer) CloseEntry() error {
	if w.state != writerStateEntryActive {
		return barerr.New(barerr.KindBadState, "closeEntry called while writer is in state %d, want ENTRY_ACTIVE", w.state)
	}
	h := w.pipeline.CurrentHeader()
	start := time.Now()
	if err := w.pipeline.EndEntry(w.scheduler.Writer()); err != nil {
		w.recordEntryError(h.Kind, err)
		return err
	}
	w.state = writerStateOpen
	total := w.pipeline.BytesWritten()
	w.finalizeEntryRow(h, w.entryStartOffset, total)
	w.recordEntry(h.Kind, start, int64(total-w.entryStartOffset), int64(total-w.entryStartOffset))
	return nil
}

// Close finalizes the archive (spec §4.7 "close"): if an entry is still
// active it is closed implicitly, then the final part's footer is written
// and its backend stream closed.
func (w *Writer) Close(ctx context.Context) error {
	if w.state == writerStateClosed {
		return nil
	}
	if w.state == writerStateEntryActive {
		if err := w.CloseEntry(); err != nil {
			return err
		}
	}
	w.currentCtx = ctx
	if err := w.scheduler.Close(w.hooks); err != nil {
		return err
	}
	w.state = writerStateClosed
	if w.deps.Metrics != nil {
		w.deps.Metrics.DecrementActiveSessions()
	}
	return nil
}

// rotate runs PartScheduler.Rotate for an in-progress, non-final rotation,
// wrapped in a span the way SPEC_FULL.md's DOMAIN STACK assigns OpenTelemetry
// instrumentation to part-rotate/volume-change events.
func (w *Writer) rotate(ctx context.Context, lastPart bool) error {
	ctx, span := w.deps.Tracer.Start(ctx, "archive.rotate")
	defer span.End()
	w.currentCtx = ctx

	if err := w.scheduler.Rotate(ctx, w.pipeline, w.salt, w.wrappedSessionKey, lastPart, w.hooks); err != nil {
		span.RecordError(err)
		return err
	}
	w.entryStartOffset = w.pipeline.BytesWritten()
	return nil
}

// onPartClosed is part.RotateHooks.OnPartClosed: it indexes the part's
// accumulated entry rows (best-effort, spec §4.9) and resets the
// accumulator for the next part.
func (w *Writer) onPartClosed(partNumber int, name string, size int64) {
	w.lastClosedSize = size
	w.session.Part("closed", partNumber, logrus.Fields{"name": name, "size": size})
	if w.deps.Metrics != nil {
		w.deps.Metrics.RecordPartClosed(backendLabel(w.be))
	}

	// A rotate that split the active entry closes this part's share of it.
	if w.state == writerStateEntryActive {
		w.finalizeEntryRow(w.pipeline.CurrentHeader(), w.entryStartOffset, w.pipeline.BytesWritten())
	}

	entries := w.entriesThisPart
	w.entriesThisPart = nil
	if w.deps.Index == nil {
		return
	}

	ctx := w.currentCtx
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	row := indexsink.StorageRow{ArchiveName: name, Size: size}
	err := w.deps.Index.IndexPart(ctx, row, entries)
	if w.deps.Metrics != nil {
		w.deps.Metrics.RecordIndexWrite(w.archiveName, time.Since(start), err)
	}
	if err != nil {
		w.session.Error("index_part", err)
	}
}

// onVolumeCheck is part.RotateHooks.OnVolumeCheck: it records the just-closed
// part against the current volume and fills the volume if it has reached
// its configured size (spec §4.6). Without a staging directory tied to a
// specific local backend path, Fill is run with no explicit part-file list:
// cleanup of staged part files is left to the backend/staging layer that
// owns those paths, not to this generalized hook.
func (w *Writer) onVolumeCheck(partNumber int) error {
	if w.deps.Volume == nil {
		return nil
	}
	w.deps.Volume.RecordPart(w.lastClosedSize)
	if !w.deps.Volume.ShouldFill() {
		return nil
	}

	ctx := w.currentCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := w.deps.Tracer.Start(ctx, "archive.volume_fill")
	defer span.End()

	start := time.Now()
	err := w.deps.Volume.Fill(ctx, w.opts.StagingDirectory, nil)
	if w.deps.Metrics != nil {
		w.deps.Metrics.RecordVolumeFill(time.Since(start))
		result := "ok"
		if err != nil {
			result = "aborted"
		}
		w.deps.Metrics.RecordVolumeChange(result)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// finalizeEntryRow appends one catalog row for the fragment of h just
// written to the current part, covering the plaintext byte range
// [fromOffset, toOffset). A single entry split across a rotate produces one
// row per part; CloseEntry's final call covers whatever remains.
func (w *Writer) finalizeEntryRow(h entrypipeline.Header, fromOffset, toOffset uint64) {
	row := indexsink.EntryRow{
		Path:           h.Name,
		Size:           h.Size,
		ATime:          h.ATime,
		MTime:          h.MTime,
		CTime:          h.CTime,
		UID:            h.UID,
		GID:            h.GID,
		FragmentOffset: fromOffset,
		FragmentSize:   toOffset - fromOffset,
		Destination:    h.Destination,
		SpecialType:    h.SpecialType,
		Major:          h.Major,
		Minor:          h.Minor,
	}
	if h.Kind == entrypipeline.KindImage && h.BlockSize > 0 {
		row.BlockOffset = fromOffset / uint64(h.BlockSize)
		row.BlockCount = (toOffset - fromOffset) / uint64(h.BlockSize)
	}
	w.entriesThisPart = append(w.entriesThisPart, row)
}

// WriterProgress is a point-in-time snapshot of a Writer's session, cheap
// enough to poll from an opsserver sidecar on a timer.
type WriterProgress struct {
	PartNumber   int
	BytesWritten uint64
	EntriesDone  uint64
	CurrentEntry string
}

// Progress reports the Writer's current state for an opsserver sidecar.
func (w *Writer) Progress() WriterProgress {
	p := WriterProgress{
		PartNumber:   w.scheduler.PartNumber(),
		BytesWritten: w.pipeline.BytesWritten(),
		EntriesDone:  w.pipeline.EntryIndex(),
	}
	if w.pipeline.Active() {
		p.CurrentEntry = w.pipeline.CurrentHeader().Name
	}
	return p
}

func (w *Writer) recordEntry(kind entrypipeline.Kind, start time.Time, inputBytes, outputBytes int64) {
	if w.deps.Metrics == nil {
		return
	}
	ctx := w.currentCtx
	if ctx == nil {
		ctx = context.Background()
	}
	w.deps.Metrics.RecordEntry(ctx, kind.String(), time.Since(start), inputBytes, outputBytes)
}

func (w *Writer) recordEntryError(kind entrypipeline.Kind, err error) {
	if w.deps.Metrics == nil {
		return
	}
	errType := "unknown"
	if k, ok := barerr.KindOf(err); ok {
		errType = string(k)
	}
	w.deps.Metrics.RecordEntryError(kind.String(), errType)
}

// backendLabel gives Metrics a low-cardinality label for a StorageBackend
// implementation without requiring StorageBackend itself to name its own
// kind.
func backendLabel(be backend.StorageBackend) string {
	switch be.(type) {
	case *backend.LocalBackend:
		return "local"
	case *backend.RetryingBackend:
		return "retrying"
	default:
		return "other"
	}
}
