package archive

import (
	"context"
	"io"

	"github.com/kenchrcum/bararchive/internal/backend"
	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/kenchrcum/bararchive/internal/chunkio"
	"github.com/kenchrcum/bararchive/internal/compressframe"
	"github.com/kenchrcum/bararchive/internal/config"
	"github.com/kenchrcum/bararchive/internal/cryptframe"
	"github.com/kenchrcum/bararchive/internal/entrypipeline"
	"github.com/kenchrcum/bararchive/internal/keywrap"
	"github.com/kenchrcum/bararchive/internal/obslog"
	"github.com/kenchrcum/bararchive/internal/part"
)

// encryptedSentinel stands in for a path field this Reader cannot decrypt
// because no key or passphrase is available yet (spec §4.8 "listing
// without a key").
const encryptedSentinel = "<encrypted>"

// Reader is ArchiveReader (spec §4.8): it drives a Pipeline across
// however many parts an archive spans, transparently following an entry
// that PartScheduler split mid-write, and resolves a symmetric archive's
// passphrase lazily against a pool of candidates.
type Reader struct {
	be          backend.StorageBackend
	archiveName string
	opts        config.Effective
	deps        Dependencies

	pipeline   *entrypipeline.Pipeline
	part       *chunkio.Container
	stream     backend.ReadStream
	partNumber int
	salt       []byte
	expectKey  bool // asymmetric mode: KeyManager resolves the key, no password pool

	session       *obslog.SessionLogger
	passwordPool  []string // remembered/known passphrases, most-recently-successful first
	frameResolved bool
}

// Open opens an archive's first part, reads its preamble, and (for
// asymmetric mode) unwraps the session key immediately. Symmetric-mode
// passphrase resolution happens lazily, on the first call that needs to
// decode an encrypted header.
func Open(ctx context.Context, be backend.StorageBackend, archiveName string, opts config.Effective, deps Dependencies) (*Reader, error) {
	deps = deps.withDefaults()

	r := &Reader{
		be:           be,
		archiveName:  archiveName,
		opts:         opts,
		deps:         deps,
		expectKey:    deps.KeyManager != nil,
		session:      obslog.NewSessionLogger(deps.Logger, archiveName, deps.JobID),
		passwordPool: append([]string(nil), deps.KnownPassphrases...),
	}

	preamble, err := r.openPart(ctx, 0)
	if err != nil {
		return nil, err
	}
	r.salt = preamble.Salt

	compressAlg, err := compressframe.ParseAlgorithm(opts.CompressAlgorithm)
	if err != nil {
		return nil, err
	}
	r.pipeline = entrypipeline.New(r.salt, nil, compressAlg, compressframe.Level(opts.CompressLevel))

	if r.expectKey {
		cryptAlg, err := cryptframe.ParseAlgorithm(opts.CryptAlgorithm)
		if err != nil {
			return nil, err
		}
		envelope, err := keywrap.DecodeEnvelope(preamble.WrappedSessionKey)
		if err != nil {
			return nil, err
		}
		sessionKey, err := deps.KeyManager.UnwrapKey(ctx, envelope, map[string]string{"archive": archiveName})
		if err != nil {
			return nil, err
		}
		frame, err := cryptframe.InitAsymmetric(cryptAlg, sessionKey)
		if err != nil {
			return nil, err
		}
		r.pipeline.BindFrame(frame)
		r.frameResolved = true
	}

	if deps.Metrics != nil {
		deps.Metrics.IncrementActiveSessions()
	}
	return r, nil
}

// openPart opens part n's backend stream and reads its preamble, replacing
// the Reader's current part/stream on success.
func (r *Reader) openPart(ctx context.Context, n int) (part.Preamble, error) {
	name := part.PartName(r.archiveName, n, r.opts.PartSize > 0)
	stream, err := r.be.Open(ctx, name)
	if err != nil {
		return part.Preamble{}, err
	}
	container := chunkio.NewPartContainer(stream)
	preamble, err := part.ReadPreamble(container, r.expectKey)
	if err != nil {
		_ = stream.Close()
		return part.Preamble{}, err
	}
	if r.stream != nil {
		_ = r.stream.Close()
	}
	r.stream = stream
	r.part = container
	r.partNumber = n
	return preamble, nil
}

// NextEntry reads the next entry's header, resolving the archive's
// passphrase against the password pool the first time an encrypted header
// is encountered, and leaves the Reader positioned to stream that entry's
// data via ReadData. io.EOF means the archive is exhausted.
func (r *Reader) NextEntry(ctx context.Context) (entrypipeline.Header, error) {
	// An entry whose data was read through to its declared size is still
	// active in the pipeline; finish it before looking for the next header.
	if r.pipeline.Active() && r.pipeline.BytesWritten() >= r.pipeline.CurrentHeader().Size {
		if err := r.pipeline.EndEntryRead(); err != nil {
			return entrypipeline.Header{}, err
		}
	}
	for {
		kind, raw, payload, err := r.pipeline.NextEntryHeaderBytes(r.part)
		if err == io.EOF {
			if r.pipeline.LastFooterWasFinal() {
				return entrypipeline.Header{}, io.EOF
			}
			if _, err := r.openPart(ctx, r.partNumber+1); err != nil {
				return entrypipeline.Header{}, barerr.Wrap(barerr.KindEntryIncomplete, err, "opening part %d of archive %q", r.partNumber+1, r.archiveName)
			}
			continue
		}
		if err != nil {
			return entrypipeline.Header{}, err
		}

		h, err := r.resolveHeader(ctx, raw, kind)
		if err != nil {
			return entrypipeline.Header{}, err
		}
		r.pipeline.CommitEntry(kind, h, payload)
		return h, nil
	}
}

// resolveHeader decodes one buffered header chunk, trying the Reader's
// resolved frame first, then (for a still-unresolved symmetric archive) the
// password pool, then GetPassword up to opts.MaxPasswordRequests times
// (spec §4.8 "password pool"). With no passphrase source configured at
// all, it falls back to the <encrypted> listing sentinel instead of
// failing outright.
func (r *Reader) resolveHeader(ctx context.Context, raw []byte, kind entrypipeline.Kind) (entrypipeline.Header, error) {
	cryptAlg, err := entrypipeline.HeaderCryptAlgorithm(raw)
	if err != nil {
		return entrypipeline.Header{}, err
	}

	if cryptAlg == cryptframe.AlgorithmNone || r.expectKey || r.frameResolved {
		return r.pipeline.DecodeHeaderBytes(raw, kind, r.pipeline.Frame())
	}

	for i, pass := range r.passwordPool {
		frame, ferr := frameFor(cryptAlg, pass, r.salt)
		if ferr != nil {
			continue
		}
		h, err := r.pipeline.DecodeHeaderBytes(raw, kind, frame)
		if err == nil {
			r.promote(i)
			r.pipeline.BindFrame(frame)
			r.frameResolved = true
			return h, nil
		}
	}

	if r.deps.GetPassword == nil {
		return r.decodeAsEncryptedSentinel(raw, kind)
	}

	maxAttempts := r.opts.MaxPasswordRequests
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pass, err := r.deps.GetPassword(ctx, r.archiveName, PasswordDecrypt, false, false)
		if err != nil {
			return entrypipeline.Header{}, barerr.Wrap(barerr.KindNoCryptPassword, err, "acquiring decryption passphrase for %q", r.archiveName)
		}
		frame, ferr := frameFor(cryptAlg, pass, r.salt)
		if ferr == nil {
			if h, err := r.pipeline.DecodeHeaderBytes(raw, kind, frame); err == nil {
				r.passwordPool = append([]string{pass}, r.passwordPool...)
				r.pipeline.BindFrame(frame)
				r.frameResolved = true
				return h, nil
			}
		}
		r.session.PasswordRetry(attempt, maxAttempts)
		if r.deps.Metrics != nil {
			r.deps.Metrics.RecordPasswordRetry()
		}
		r.passwordPool = append(r.passwordPool, pass)
	}

	return entrypipeline.Header{}, barerr.New(barerr.KindNoCryptPassword, "exhausted %d password attempts for archive %q", maxAttempts, r.archiveName)
}

// decodeAsEncryptedSentinel decodes raw with a nil frame: every cleartext
// field (size, times, ownership) comes back correct, since only path
// fields are ever encrypted, and those decode to undecipherable bytes
// rather than erroring. The caller replaces them with encryptedSentinel so
// a listing without a key still reports sizes and an entry count.
func (r *Reader) decodeAsEncryptedSentinel(raw []byte, kind entrypipeline.Kind) (entrypipeline.Header, error) {
	h, err := r.pipeline.DecodeHeaderBytes(raw, kind, nil)
	if err != nil {
		return entrypipeline.Header{}, err
	}
	h.Name = encryptedSentinel
	if h.Destination != "" {
		h.Destination = encryptedSentinel
	}
	for i := range h.Names {
		h.Names[i] = encryptedSentinel
	}
	return h, nil
}

func frameFor(alg cryptframe.Algorithm, passphrase string, salt []byte) (*cryptframe.Frame, error) {
	key := cryptframe.DeriveKey(passphrase, salt, alg.KeySize())
	return cryptframe.InitSymmetric(alg, key)
}

// promote moves passwordPool[i] to the front, since the entry that just
// unlocked with it is evidence it is the archive's real passphrase.
func (r *Reader) promote(i int) {
	if i == 0 {
		return
	}
	pass := r.passwordPool[i]
	r.passwordPool = append(r.passwordPool[:i], r.passwordPool[i+1:]...)
	r.passwordPool = append([]string{pass}, r.passwordPool...)
}

// ReadData reads the active entry's data, transparently crossing into the
// next part if PartScheduler split this entry during writing.
func (r *Reader) ReadData(ctx context.Context, buf []byte) (int, error) {
	for {
		n, err := r.pipeline.ReadData(buf)
		if err == nil {
			return n, nil
		}
		if err != io.EOF {
			return 0, err
		}
		if r.pipeline.BytesWritten() >= r.pipeline.CurrentHeader().Size {
			return 0, io.EOF
		}
		if err := r.continueEntryAcrossPart(ctx); err != nil {
			return 0, err
		}
	}
}

// continueEntryAcrossPart locates and commits the continuation chunk
// PartScheduler's Rotate wrote in the next part for an entry SplitEntry cut
// mid-write (spec §4.8 "cross-part read continuation").
func (r *Reader) continueEntryAcrossPart(ctx context.Context) error {
	h := r.pipeline.CurrentHeader()
	kind := r.pipeline.CurrentKind()
	fragmentIndex := r.pipeline.FragmentIndex()
	totalWritten := r.pipeline.BytesWritten()

	nkind, raw, payload, err := r.pipeline.NextEntryHeaderBytesForResume(r.part)
	if err == io.EOF {
		if r.pipeline.LastFooterWasFinal() {
			return barerr.New(barerr.KindEntryIncomplete, "entry %q: archive ended after %d of %d bytes", h.Name, totalWritten, h.Size)
		}
		if _, aerr := r.openPart(ctx, r.partNumber+1); aerr != nil {
			return barerr.Wrap(barerr.KindEntryIncomplete, aerr, "entry %q: next part missing, %d of %d bytes delivered", h.Name, totalWritten, h.Size)
		}
		nkind, raw, payload, err = r.pipeline.NextEntryHeaderBytesForResume(r.part)
	}
	if err != nil {
		return barerr.Wrap(barerr.KindEntryIncomplete, err, "entry %q: continuation header unreadable in part %d", h.Name, r.partNumber)
	}
	if nkind != kind {
		return barerr.New(barerr.KindEntryIncomplete, "entry %q: continuation in part %d is kind %s, expected %s", h.Name, r.partNumber, nkind, kind)
	}

	nh, err := r.resolveHeader(ctx, raw, nkind)
	if err != nil {
		return err
	}
	if nh.Name != h.Name {
		return barerr.New(barerr.KindEntryIncomplete, "entry %q: continuation in part %d names %q instead", h.Name, r.partNumber, nh.Name)
	}

	r.pipeline.CommitResumedEntry(nkind, nh, payload, fragmentIndex, totalWritten)
	return nil
}

// SkipEntry discards the active entry's remaining data without validating
// its declared size, following it across a part boundary the same way
// ReadData does if PartScheduler split it (spec §4.8 "skipEntry").
func (r *Reader) SkipEntry(ctx context.Context) error {
	if !r.pipeline.Active() {
		return barerr.New(barerr.KindBadState, "skipEntry called with no active entry")
	}
	var scratch [32 * 1024]byte
	for {
		_, err := r.ReadData(ctx, scratch[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	r.pipeline.AbortEntryRead()
	return nil
}

// Close releases the current part's backend stream.
func (r *Reader) Close() error {
	if r.stream == nil {
		return nil
	}
	err := r.stream.Close()
	r.stream = nil
	if r.deps.Metrics != nil {
		r.deps.Metrics.DecrementActiveSessions()
	}
	return err
}
