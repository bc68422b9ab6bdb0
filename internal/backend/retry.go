package backend

import (
	"context"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// RetryingBackend wraps a StorageBackend with the single-automatic-retry
// policy spec §5 requires: a BACKEND_TRANSIENT failure gets one immediate
// retry; a second failure is surfaced as BACKEND_FAIL. Grounded on the
// retry-loop shape of audit.BatchSink.writeWithRetry, simplified from N
// backoff attempts down to exactly one retry since the spec caps it there.
type RetryingBackend struct {
	inner StorageBackend
}

// WrapRetrying wraps inner in the one-retry policy. Every StorageBackend
// the archive engine hands to PartScheduler should go through this.
func WrapRetrying(inner StorageBackend) *RetryingBackend {
	return &RetryingBackend{inner: inner}
}

func withOneRetry[T any](op func() (T, error)) (T, error) {
	v, err := op()
	if err == nil {
		return v, nil
	}
	if !isTransient(err) {
		return v, err
	}
	v, err = op()
	if err != nil && isTransient(err) {
		return v, barerr.Wrap(barerr.KindBackendFail, err, "retry after transient failure also failed")
	}
	return v, err
}

func isTransient(err error) bool {
	kind, ok := barerr.KindOf(err)
	return ok && kind.Retryable()
}

func (b *RetryingBackend) Create(ctx context.Context, name string) (WriteStream, error) {
	return withOneRetry(func() (WriteStream, error) { return b.inner.Create(ctx, name) })
}

func (b *RetryingBackend) Open(ctx context.Context, name string) (ReadStream, error) {
	return withOneRetry(func() (ReadStream, error) { return b.inner.Open(ctx, name) })
}

func (b *RetryingBackend) Exists(ctx context.Context, name string) (bool, error) {
	return withOneRetry(func() (bool, error) { return b.inner.Exists(ctx, name) })
}

func (b *RetryingBackend) Delete(ctx context.Context, name string) error {
	_, err := withOneRetry(func() (struct{}, error) { return struct{}{}, b.inner.Delete(ctx, name) })
	return err
}

func (b *RetryingBackend) Rename(ctx context.Context, from, to string) error {
	_, err := withOneRetry(func() (struct{}, error) { return struct{}{}, b.inner.Rename(ctx, from, to) })
	return err
}

func (b *RetryingBackend) List(ctx context.Context, pattern string) ([]Entry, error) {
	return withOneRetry(func() ([]Entry, error) { return b.inner.List(ctx, pattern) })
}
