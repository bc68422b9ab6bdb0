// Package archive implements ArchiveWriter and ArchiveReader (spec §4.7,
// §4.8): the public session-level API that composes PartScheduler,
// EntryPipeline, StorageBackend, VolumeManager and IndexSink into the
// INIT -> OPEN -> ENTRY_ACTIVE state machine a caller drives one archive at
// a time. The teacher's internal/api HTTP handlers played the equivalent
// "compose the narrower packages into one public surface" role for the
// S3 gateway; this package does the same job for a local, synchronous
// archive session instead of a request handler.
package archive

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenchrcum/bararchive/internal/compressframe"
	"github.com/kenchrcum/bararchive/internal/indexsink"
	"github.com/kenchrcum/bararchive/internal/keywrap"
	"github.com/kenchrcum/bararchive/internal/metrics"
	"github.com/kenchrcum/bararchive/internal/volume"
)

// instrumentationName identifies this package's spans/traces, following the
// teacher's practice of naming the tracer after the package that owns the
// instrumented operation rather than the whole binary.
const instrumentationName = "github.com/kenchrcum/bararchive/internal/archive"

// PasswordKind tells a GetPasswordFunc callback whether it is being asked to
// supply a passphrase for encrypting a new archive or for decrypting an
// existing one (spec §4.7/§4.8 "getPassword(kind, validate, weakCheck)").
type PasswordKind uint8

const (
	PasswordEncrypt PasswordKind = iota
	PasswordDecrypt
)

func (k PasswordKind) String() string {
	if k == PasswordDecrypt {
		return "decrypt"
	}
	return "encrypt"
}

// GetPasswordFunc is the caller-supplied passphrase source. validate asks
// the callback to confirm a freshly-typed passphrase (e.g. type it twice);
// weakCheck asks the Writer to additionally warn (never reject) if the
// returned passphrase scores low on cryptframe.PasswordQuality.
type GetPasswordFunc func(ctx context.Context, archiveName string, kind PasswordKind, validate, weakCheck bool) (string, error)

// Dependencies bundles every optional collaborator a Writer or Reader can be
// wired to. Every field is optional except GetPassword, which is required
// whenever the session's crypt algorithm isn't none and KeyManager is nil.
type Dependencies struct {
	Index      *indexsink.Sink    // best-effort per-part catalog (spec §4.9)
	Volume     *volume.Manager    // optical-media volume-fill pipeline (spec §4.6)
	Metrics    *metrics.Metrics   // Prometheus counters/histograms
	Logger     *logrus.Logger     // raw logger; session-scoped fields are added internally
	KeyManager keywrap.KeyManager // non-nil selects asymmetric mode
	GetPassword GetPasswordFunc

	// DeltaSourceOpener resolves a delta entry's source by archive name
	// (spec §7). Left nil, newXxxEntry rejects any entry whose
	// Attributes["delta_source"] is set.
	DeltaSourceOpener compressframe.SourceOpener

	// KnownPassphrases seeds a Reader's password pool (spec §4.8) with
	// passphrases the caller already has on hand (e.g. from a saved job
	// config), tried before GetPassword is ever invoked.
	KnownPassphrases []string

	Tracer trace.Tracer // defaults to otel.Tracer(instrumentationName)
	JobID  string
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(instrumentationName)
	}
	return d
}
