package indexsink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

func TestSinkIndexPartCreatesStorageAndEntryRows(t *testing.T) {
	store := NewMemStore()
	sink := New(store, 1, 0, nil)

	row := StorageRow{ArchiveName: "nightly-2026-07-31"}
	entries := []EntryRow{
		{Path: "etc/passwd", Size: 1024},
		{Path: "var/log/syslog", Size: 4096},
	}

	require.NoError(t, sink.IndexPart(context.Background(), row, entries))

	stored, found, err := store.FindByName(context.Background(), "nightly-2026-07-31")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StateOK, stored.State)

	got := store.Entries(stored.ID)
	require.Len(t, got, 2)
	require.Equal(t, "etc/passwd", got[0].Path)
	require.Equal(t, stored.ID, got[0].StorageID)
}

func TestSinkReindexingClearsAndRewritesEntries(t *testing.T) {
	store := NewMemStore()
	sink := New(store, 1, 0, nil)
	ctx := context.Background()

	row := StorageRow{ArchiveName: "a"}
	require.NoError(t, sink.IndexPart(ctx, row, []EntryRow{{Path: "old"}}))

	stored, _, _ := store.FindByName(ctx, "a")
	require.Len(t, store.Entries(stored.ID), 1)

	require.NoError(t, sink.IndexPart(ctx, row, []EntryRow{{Path: "new1"}, {Path: "new2"}}))
	again, _, _ := store.FindByName(ctx, "a")
	require.Equal(t, stored.ID, again.ID, "re-indexing the same archive name reuses the existing storage row")

	got := store.Entries(again.ID)
	require.Len(t, got, 2)
	require.Equal(t, "new1", got[0].Path)
}

type failingStore struct {
	Store
	failures int
	calls    int
}

func (f *failingStore) FindByName(ctx context.Context, archiveName string) (StorageRow, bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return StorageRow{}, false, errors.New("transient lookup failure")
	}
	return f.Store.FindByName(ctx, archiveName)
}

func TestSinkRetriesOnFailureAndEventuallySucceeds(t *testing.T) {
	fs := &failingStore{Store: NewMemStore(), failures: 1}
	sink := New(fs, 3, time.Millisecond, nil)

	err := sink.IndexPart(context.Background(), StorageRow{ArchiveName: "flaky"}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, fs.calls)
}

func TestSinkSurfacesIndexFailAfterExhaustingRetries(t *testing.T) {
	fs := &failingStore{Store: NewMemStore(), failures: 99}
	sink := New(fs, 2, time.Millisecond, nil)

	err := sink.IndexPart(context.Background(), StorageRow{ArchiveName: "always-flaky"}, nil)
	require.Error(t, err)
	require.True(t, barerr.Is(err, barerr.KindIndexFail))
}

func TestSinkApplyUpdateStateMachine(t *testing.T) {
	store := NewMemStore()
	sink := New(store, 1, 0, nil)
	ctx := context.Background()

	require.NoError(t, sink.IndexPart(ctx, StorageRow{ArchiveName: "b"}, []EntryRow{{Path: "one"}}))
	stored, _, _ := store.FindByName(ctx, "b")

	require.NoError(t, sink.RequestUpdate(ctx, stored.ID))
	updated, _, _ := store.FindByName(ctx, "b")
	require.Equal(t, StateUpdateRequested, updated.State)

	require.NoError(t, sink.ApplyUpdate(ctx, stored.ID, []EntryRow{{Path: "one"}, {Path: "two"}}))
	final, _, _ := store.FindByName(ctx, "b")
	require.Equal(t, StateOK, final.State)
	require.Len(t, store.Entries(stored.ID), 2)
}
