package part

import (
	"context"
	"fmt"

	"github.com/kenchrcum/bararchive/internal/backend"
	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/kenchrcum/bararchive/internal/chunkio"
	"github.com/kenchrcum/bararchive/internal/entrypipeline"
)

// RotateHooks lets Scheduler call out to IndexSink and VolumeManager
// during a rotate without importing either package directly — Scheduler
// exclusively owns the StorageBackend handle (spec §3 "Ownership") and
// nothing else.
type RotateHooks struct {
	// OnPartClosed runs IndexSink for the just-closed part (spec §4.9: an
	// index failure is best-effort and must never abort the archive, so
	// this hook has no error return — the caller logs and swallows).
	OnPartClosed func(partNumber int, name string, size int64)

	// OnVolumeCheck runs VolumeManager's volume-fill/medium-change check
	// (spec §4.6). A non-nil error here is fatal to the rotate.
	OnVolumeCheck func(partNumber int) error
}

// Scheduler is PartScheduler (spec §4.5): it owns the current part's
// backend stream and ChunkIO writer, tracks the logical byte offset the
// caller reports via WriteBytes, and decides when to rotate.
type Scheduler struct {
	be       backend.StorageBackend
	baseName string
	partSize int64 // 0 = unset: never split

	partNumber    int
	currentOffset int64
	stream        backend.WriteStream
	writer        *chunkio.Writer
}

// New builds a Scheduler over be, naming parts from baseName. partSize <=
// 0 means the archive is always a single, unnumbered part; partSize > 0
// means parts are always numbered base.000.bar, base.001.bar, ... even if
// only one part is ever needed, since whether a second part will be
// required isn't known until the threshold is actually reached.
func New(be backend.StorageBackend, baseName string, partSize int64) *Scheduler {
	return &Scheduler{be: be, baseName: baseName, partSize: partSize, partNumber: -1}
}

func (s *Scheduler) numbered() bool { return s.partSize > 0 }

func (s *Scheduler) partName(n int) string {
	return PartName(s.baseName, n, s.numbered())
}

// PartName applies the base.<NNN>.bar numbering convention (spec §6), so a
// Reader opening parts independently of a Scheduler names them identically.
// numbered false always yields the single unnumbered base.bar name.
func PartName(baseName string, n int, numbered bool) string {
	if !numbered {
		return baseName + ".bar"
	}
	return fmt.Sprintf("%s.%03d.bar", baseName, n)
}

// Open creates the archive's first part and writes its preamble.
func (s *Scheduler) Open(ctx context.Context, salt, wrappedSessionKey []byte) (*chunkio.Writer, error) {
	if s.partNumber >= 0 {
		return nil, barerr.New(barerr.KindBadState, "scheduler already opened")
	}
	stream, err := s.be.Create(ctx, s.partName(0))
	if err != nil {
		return nil, barerr.Wrap(barerr.KindPartRotateFail, err, "creating first part")
	}

	s.partNumber = 0
	s.currentOffset = 0
	s.stream = stream
	s.writer = chunkio.NewWriter(stream)

	if err := WritePreamble(s.writer, salt, wrappedSessionKey); err != nil {
		return nil, err
	}
	return s.writer, nil
}

// Writer returns the ChunkIO writer for the current part.
func (s *Scheduler) Writer() *chunkio.Writer { return s.writer }

// PartNumber returns the current part's zero-based number.
func (s *Scheduler) PartNumber() int { return s.partNumber }

// PartSize returns the configured split threshold, or 0 if the archive is
// never split into multiple parts.
func (s *Scheduler) PartSize() int64 { return s.partSize }

// CurrentOffset returns how many logical bytes have been committed to the
// current part so far (spec §4.5 split policy's "currentOffset").
func (s *Scheduler) CurrentOffset() int64 { return s.currentOffset }

// WriteBytes records that n more logical bytes have been committed to the
// current part, advancing the offset checkSplit compares against partSize.
func (s *Scheduler) WriteBytes(n int) {
	s.currentOffset += int64(n)
}

// CheckSplit reports whether writing one more element of bufferedElement
// bytes would cross the part-size threshold (spec §4.5 split policy). It
// always returns false when partSize is unset.
func (s *Scheduler) CheckSplit(bufferedElement int) bool {
	if s.partSize <= 0 {
		return false
	}
	return s.currentOffset+int64(bufferedElement) >= s.partSize
}

// Rotate runs the seven-step rotate sequence (spec §4.5). If pipeline has
// an active data-bearing entry, it is split cleanly and re-opened in the
// new part. If lastPart is true, no new part is opened: the current part
// is simply closed out with its footer.
func (s *Scheduler) Rotate(ctx context.Context, pipeline *entrypipeline.Pipeline, salt, wrappedSessionKey []byte, lastPart bool, hooks RotateHooks) error {
	if s.partNumber < 0 {
		return barerr.New(barerr.KindBadState, "rotate called before open")
	}

	var resumeHeader entrypipeline.Header
	var resumeFragmentIndex, resumeTotalWritten uint64
	hasResume := false
	if pipeline.Active() {
		h, fi, tw, err := pipeline.SplitEntry(s.writer)
		if err != nil {
			return barerr.Wrap(barerr.KindPartRotateFail, err, "splitting in-progress entry for rotate")
		}
		resumeHeader, resumeFragmentIndex, resumeTotalWritten, hasResume = h, fi, tw, true
	}

	if err := WriteFooter(s.writer, lastPart); err != nil {
		return barerr.Wrap(barerr.KindPartRotateFail, err, "writing footer for part %d", s.partNumber)
	}

	closedNumber := s.partNumber
	closedName := s.partName(closedNumber)
	closedSize := s.currentOffset
	if err := s.stream.Close(); err != nil {
		return barerr.Wrap(barerr.KindPartRotateFail, err, "closing part %d", closedNumber)
	}

	if hooks.OnPartClosed != nil {
		hooks.OnPartClosed(closedNumber, closedName, closedSize)
	}

	if lastPart {
		return nil
	}

	if hooks.OnVolumeCheck != nil {
		if err := hooks.OnVolumeCheck(closedNumber); err != nil {
			return err
		}
	}

	s.partNumber++
	stream, err := s.be.Create(ctx, s.partName(s.partNumber))
	if err != nil {
		return barerr.Wrap(barerr.KindPartRotateFail, err, "creating part %d", s.partNumber)
	}
	s.stream = stream
	s.writer = chunkio.NewWriter(stream)
	s.currentOffset = 0

	if err := WritePreamble(s.writer, salt, wrappedSessionKey); err != nil {
		return err
	}

	if hasResume {
		if err := pipeline.ResumeEntry(s.writer, resumeHeader, resumeFragmentIndex, resumeTotalWritten); err != nil {
			return err
		}
	}
	return nil
}

// Close finalizes the archive: writes the final part's footer (lastPart
// true) and closes its backend stream. Equivalent to calling Rotate with
// lastPart true and no pipeline resumption.
func (s *Scheduler) Close(hooks RotateHooks) error {
	if s.partNumber < 0 {
		return nil
	}
	if err := WriteFooter(s.writer, true); err != nil {
		return barerr.Wrap(barerr.KindPartRotateFail, err, "writing final footer for part %d", s.partNumber)
	}
	closedSize := s.currentOffset
	if err := s.stream.Close(); err != nil {
		return barerr.Wrap(barerr.KindPartRotateFail, err, "closing final part %d", s.partNumber)
	}
	if hooks.OnPartClosed != nil {
		hooks.OnPartClosed(s.partNumber, s.partName(s.partNumber), closedSize)
	}
	return nil
}
