// Package indexsink implements IndexSink (spec §4.9): the best-effort
// catalog that PartScheduler notifies after each part is durably closed.
// Its retry-with-backoff write path is adapted from the teacher's
// internal/audit.BatchSink.writeWithRetry, generalized from fire-and-forget
// audit events to a synchronous call PartScheduler's RotateHooks can await
// (an index failure here is surfaced to the caller, but per spec never
// aborts the archive — RotateHooks.OnPartClosed has no error return for
// exactly this reason).
package indexsink

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// State is a storage row's lifecycle state (spec §4.9 state machine).
type State string

const (
	StateCreate          State = "CREATE"
	StateOK              State = "OK"
	StateUpdateRequested State = "UPDATE_REQUESTED"
	StateUpdate          State = "UPDATE"
	StateError           State = "ERROR"
)

// StorageRow is one archive/part's catalog row.
type StorageRow struct {
	ID          string
	ArchiveName string
	Size        int64
	State       State
	LastChecked time.Time
	ErrorMessage string
}

// EntryRow is one archived object's catalog row, shaped to carry every
// per-kind field the spec names regardless of which kind actually
// populates it (unused fields are simply zero).
type EntryRow struct {
	StorageID string

	Path  string
	Size  uint64
	ATime uint64
	MTime uint64
	CTime uint64
	UID   uint32
	GID   uint32

	FragmentOffset uint64
	FragmentSize   uint64

	BlockOffset uint64
	BlockCount  uint64

	Destination string

	SpecialType uint8
	Major       uint32
	Minor       uint32
}

// Store is the index database contract: a storage row keyed by archive
// name, plus its child entry rows. Implementations: MemStore (tests,
// single-process jobs) and any SQL-backed store wired in by the caller.
type Store interface {
	// FindByName locates an existing storage row by archive name, for the
	// re-indexing idempotence rule (spec §4.9 "locate existing row by
	// name").
	FindByName(ctx context.Context, archiveName string) (StorageRow, bool, error)

	// UpsertStorage creates or updates a storage row and returns its id.
	UpsertStorage(ctx context.Context, row StorageRow) (string, error)

	// ClearEntries deletes every entry row belonging to storageID, the
	// first half of "clear its child rows and rewrite".
	ClearEntries(ctx context.Context, storageID string) error

	// InsertEntries adds entry rows for storageID.
	InsertEntries(ctx context.Context, storageID string, rows []EntryRow) error

	// SetState transitions a storage row's state.
	SetState(ctx context.Context, storageID string, state State, errorMessage string) error
}

// Sink is IndexSink: it drives one Store with the retry-with-backoff policy
// the teacher's audit sink uses for its own durability guarantee.
type Sink struct {
	store        Store
	retryCount   int
	retryBackoff time.Duration
	logger       *logrus.Logger
}

// New builds a Sink over store. retryCount/retryBackoff default to the
// teacher's audit-sink defaults (3 retries, exponential backoff from 1s) if
// left zero.
func New(store Store, retryCount int, retryBackoff time.Duration, logger *logrus.Logger) *Sink {
	if retryCount <= 0 {
		retryCount = 3
	}
	if retryBackoff <= 0 {
		retryBackoff = time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sink{store: store, retryCount: retryCount, retryBackoff: retryBackoff, logger: logger}
}

// IndexPart records a just-closed part's storage row and its entries (spec
// §4.9 "Adds one storage row... and for each entry in the closed part adds
// one row"). Re-indexing the same archive name clears and rewrites the
// child rows instead of appending duplicates.
func (s *Sink) IndexPart(ctx context.Context, row StorageRow, entries []EntryRow) error {
	row.State = StateCreate
	row.LastChecked = now()

	var lastErr error
	for attempt := 0; attempt <= s.retryCount; attempt++ {
		lastErr = s.writeOnce(ctx, row, entries)
		if lastErr == nil {
			return nil
		}
		if attempt < s.retryCount {
			s.logger.WithFields(logrus.Fields{
				"archive": row.ArchiveName,
				"attempt": attempt + 1,
			}).Warn("indexsink write failed, retrying")
			time.Sleep(s.retryBackoff * time.Duration(1<<uint(attempt)))
		}
	}

	s.logger.WithFields(logrus.Fields{
		"archive": row.ArchiveName,
	}).Errorf("indexsink write failed after %d retries: %v", s.retryCount, lastErr)
	return barerr.Wrap(barerr.KindIndexFail, lastErr, "indexing part for archive %q", row.ArchiveName)
}

func (s *Sink) writeOnce(ctx context.Context, row StorageRow, entries []EntryRow) error {
	existing, found, err := s.store.FindByName(ctx, row.ArchiveName)
	if err != nil {
		return err
	}
	if found {
		row.ID = existing.ID
	}

	id, err := s.store.UpsertStorage(ctx, row)
	if err != nil {
		return err
	}

	if found {
		if err := s.store.ClearEntries(ctx, id); err != nil {
			return err
		}
	}
	for i := range entries {
		entries[i].StorageID = id
	}
	if err := s.store.InsertEntries(ctx, id, entries); err != nil {
		return err
	}
	return s.store.SetState(ctx, id, StateOK, "")
}

// RequestUpdate transitions a storage row to UPDATE_REQUESTED, the entry
// point for an external re-indexing job (spec §4.9 state machine).
func (s *Sink) RequestUpdate(ctx context.Context, storageID string) error {
	return s.store.SetState(ctx, storageID, StateUpdateRequested, "")
}

// ApplyUpdate runs an external re-indexing job's rewrite of storageID's
// entries, transitioning UPDATE_REQUESTED -> UPDATE -> OK|ERROR.
func (s *Sink) ApplyUpdate(ctx context.Context, storageID string, entries []EntryRow) error {
	if err := s.store.SetState(ctx, storageID, StateUpdate, ""); err != nil {
		return err
	}
	if err := s.store.ClearEntries(ctx, storageID); err != nil {
		_ = s.store.SetState(ctx, storageID, StateError, err.Error())
		return err
	}
	for i := range entries {
		entries[i].StorageID = storageID
	}
	if err := s.store.InsertEntries(ctx, storageID, entries); err != nil {
		_ = s.store.SetState(ctx, storageID, StateError, err.Error())
		return err
	}
	return s.store.SetState(ctx, storageID, StateOK, "")
}

// now is a var so tests can pin LastChecked to a deterministic value.
var now = time.Now
