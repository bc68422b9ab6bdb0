package indexsink

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a Store with a Redis-backed lookup cache for
// FindByName, the re-indexing pool's hottest path: an ArchiveWriter
// session calls it once per part close to decide whether a
// row already exists, and a shared catalog database is typically the
// slowest link in that loop.
type CachedStore struct {
	inner Store
	rdb   *redis.Client
	ttl   time.Duration

	mu       sync.Mutex
	nameByID map[string]string // storageID -> archiveName, for SetState invalidation
}

// NewCachedStore wraps inner with a Redis cache reachable through rdb. A
// zero ttl defaults to 5 minutes.
func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{inner: inner, rdb: rdb, ttl: ttl, nameByID: make(map[string]string)}
}

func (c *CachedStore) rememberName(storageID, archiveName string) {
	c.mu.Lock()
	c.nameByID[storageID] = archiveName
	c.mu.Unlock()
}

func (c *CachedStore) nameFor(storageID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.nameByID[storageID]
	return name, ok
}

func cacheKey(archiveName string) string {
	return "bararchive:indexsink:storage:" + archiveName
}

func (c *CachedStore) FindByName(ctx context.Context, archiveName string) (StorageRow, bool, error) {
	if cached, ok := c.getCached(ctx, archiveName); ok {
		return cached, true, nil
	}

	row, found, err := c.inner.FindByName(ctx, archiveName)
	if err != nil {
		return StorageRow{}, false, err
	}
	if found {
		c.rememberName(row.ID, archiveName)
		c.setCached(ctx, row)
	}
	return row, found, nil
}

func (c *CachedStore) getCached(ctx context.Context, archiveName string) (StorageRow, bool) {
	data, err := c.rdb.Get(ctx, cacheKey(archiveName)).Bytes()
	if err != nil {
		return StorageRow{}, false
	}
	var row StorageRow
	if err := json.Unmarshal(data, &row); err != nil {
		return StorageRow{}, false
	}
	return row, true
}

func (c *CachedStore) setCached(ctx context.Context, row StorageRow) {
	data, err := json.Marshal(row)
	if err != nil {
		return
	}
	// Best-effort: a cache write failure just means the next lookup falls
	// through to inner again, not a correctness problem.
	_ = c.rdb.Set(ctx, cacheKey(row.ArchiveName), data, c.ttl).Err()
}

func (c *CachedStore) invalidate(ctx context.Context, archiveName string) {
	_ = c.rdb.Del(ctx, cacheKey(archiveName)).Err()
}

func (c *CachedStore) UpsertStorage(ctx context.Context, row StorageRow) (string, error) {
	id, err := c.inner.UpsertStorage(ctx, row)
	if err != nil {
		return "", err
	}
	c.rememberName(id, row.ArchiveName)
	c.invalidate(ctx, row.ArchiveName)
	return id, nil
}

func (c *CachedStore) ClearEntries(ctx context.Context, storageID string) error {
	return c.inner.ClearEntries(ctx, storageID)
}

func (c *CachedStore) InsertEntries(ctx context.Context, storageID string, rows []EntryRow) error {
	return c.inner.InsertEntries(ctx, storageID, rows)
}

// SetState invalidates the cached row for storageID's archive name (if this
// CachedStore has seen it before) so a subsequent FindByName doesn't return
// the state the row had before this transition.
func (c *CachedStore) SetState(ctx context.Context, storageID string, state State, errorMessage string) error {
	if err := c.inner.SetState(ctx, storageID, state, errorMessage); err != nil {
		return err
	}
	if name, ok := c.nameFor(storageID); ok {
		c.invalidate(ctx, name)
	}
	return nil
}
