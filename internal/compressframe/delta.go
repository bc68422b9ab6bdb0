package compressframe

import (
	"io"
	"sync"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// SourceOpener opens the full byte stream of a previously-archived entry
// by name, so a delta entry can be reconstructed against it. Archives
// passed as the resolver's SourceOpener are typically an ArchiveReader
// positioned at an earlier part of the same session.
type SourceOpener func(sourceName string) (io.ReadCloser, error)

// DeltaResolver resolves delta-compressed entries against their source
// entry, keyed by archive name, while refusing delta chains that would
// cycle back on themselves (spec §7 "a delta source must not (transitively)
// be a delta of the entry currently being resolved").
//
// The in-progress arena is the cycle guard: ResolveSource marks a name
// in-progress before opening it and clears the mark when done, so a
// recursive resolution that reaches the same name again sees it still
// marked and fails fast instead of recursing forever.
type DeltaResolver struct {
	mu         sync.Mutex
	inProgress map[string]bool
	open       SourceOpener
}

// NewDeltaResolver builds a resolver that uses open to fetch source entry
// contents by name.
func NewDeltaResolver(open SourceOpener) *DeltaResolver {
	return &DeltaResolver{inProgress: make(map[string]bool), open: open}
}

// ResolveSource opens sourceName's content for use as a delta base,
// returning an error if sourceName is already being resolved higher up the
// call stack (a cycle) instead of recursing until the stack overflows.
func (d *DeltaResolver) ResolveSource(sourceName string) (io.ReadCloser, error) {
	d.mu.Lock()
	if d.inProgress[sourceName] {
		d.mu.Unlock()
		return nil, barerr.New(barerr.KindDeltaSourceNotFound, "delta source cycle detected at %q", sourceName)
	}
	d.inProgress[sourceName] = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inProgress, sourceName)
		d.mu.Unlock()
	}()

	rc, err := d.open(sourceName)
	if err != nil {
		return nil, barerr.Wrap(barerr.KindDeltaSourceNotFound, err, "open delta source %q", sourceName)
	}
	return rc, nil
}

// CheckSize validates that a reconstructed delta entry matches the size
// recorded when it was archived (spec §7 "source size mismatch").
func CheckSize(sourceName string, expected, actual uint64) error {
	if expected != actual {
		return barerr.New(barerr.KindDeltaSourceSizeMismatch, "delta source %q: expected %d bytes, got %d", sourceName, expected, actual)
	}
	return nil
}
