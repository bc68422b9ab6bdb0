package indexsink

import (
	"context"
	"strconv"
	"sync"
)

// MemStore is an in-process Store, used by tests and by single-machine
// jobs that don't need a shared catalog database.
type MemStore struct {
	mu       sync.Mutex
	nextID   int
	byID     map[string]StorageRow
	byName   map[string]string // archiveName -> id
	entries  map[string][]EntryRow
}

// NewMemStore builds an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		byID:    make(map[string]StorageRow),
		byName:  make(map[string]string),
		entries: make(map[string][]EntryRow),
	}
}

func (m *MemStore) FindByName(_ context.Context, archiveName string) (StorageRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[archiveName]
	if !ok {
		return StorageRow{}, false, nil
	}
	return m.byID[id], true, nil
}

func (m *MemStore) UpsertStorage(_ context.Context, row StorageRow) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row.ID == "" {
		if existing, ok := m.byName[row.ArchiveName]; ok {
			row.ID = existing
		} else {
			m.nextID++
			row.ID = strconv.Itoa(m.nextID)
		}
	}
	m.byID[row.ID] = row
	m.byName[row.ArchiveName] = row.ID
	return row.ID, nil
}

func (m *MemStore) ClearEntries(_ context.Context, storageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, storageID)
	return nil
}

func (m *MemStore) InsertEntries(_ context.Context, storageID string, rows []EntryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[storageID] = append(m.entries[storageID], rows...)
	return nil
}

func (m *MemStore) SetState(_ context.Context, storageID string, state State, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.byID[storageID]
	if !ok {
		return nil
	}
	row.State = state
	row.ErrorMessage = errorMessage
	m.byID[storageID] = row
	return nil
}

// Entries returns a copy of storageID's current entry rows, for assertions
// in tests.
func (m *MemStore) Entries(storageID string) []EntryRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EntryRow, len(m.entries[storageID]))
	copy(out, m.entries[storageID])
	return out
}
