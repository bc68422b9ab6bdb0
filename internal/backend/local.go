package backend

import (
	"context"
	"os"
	"path/filepath"

	glob "github.com/ryanuber/go-glob"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// LocalBackend implements StorageBackend against a directory on the local
// filesystem. It is the backend used by tests and by single-machine jobs
// that don't need a network transport.
type LocalBackend struct {
	baseDir string
}

// NewLocalBackend roots a LocalBackend at baseDir, creating it if absent.
func NewLocalBackend(baseDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, barerr.Wrap(barerr.KindBackendFail, err, "creating base directory %q", baseDir)
	}
	return &LocalBackend{baseDir: baseDir}, nil
}

func (b *LocalBackend) path(name string) string {
	return filepath.Join(b.baseDir, filepath.Clean("/"+name)[1:])
}

type localWriteStream struct {
	f *os.File
}

func (s *localWriteStream) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *localWriteStream) Close() error                { return s.f.Close() }
func (s *localWriteStream) Tell() int64 {
	off, err := s.f.Seek(0, os.SEEK_CUR)
	if err != nil {
		return -1
	}
	return off
}

type localReadStream struct {
	f *os.File
}

func (s *localReadStream) Read(p []byte) (int, error) { return s.f.Read(p) }
func (s *localReadStream) Close() error                { return s.f.Close() }
func (s *localReadStream) Tell() int64 {
	off, err := s.f.Seek(0, os.SEEK_CUR)
	if err != nil {
		return -1
	}
	return off
}
func (s *localReadStream) Seek(offset int64) error {
	_, err := s.f.Seek(offset, os.SEEK_SET)
	return err
}

func (b *LocalBackend) Create(_ context.Context, name string) (WriteStream, error) {
	p := b.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, barerr.Wrap(barerr.KindBackendFail, err, "creating parent directory for %q", name)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, barerr.Wrap(barerr.KindBackendFail, err, "creating %q", name)
	}
	return &localWriteStream{f: f}, nil
}

func (b *LocalBackend) Open(_ context.Context, name string) (ReadStream, error) {
	f, err := os.Open(b.path(name))
	if os.IsNotExist(err) {
		return nil, barerr.Wrap(barerr.KindNotFound, err, "opening %q", name)
	}
	if err != nil {
		return nil, barerr.Wrap(barerr.KindBackendFail, err, "opening %q", name)
	}
	return &localReadStream{f: f}, nil
}

func (b *LocalBackend) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(b.path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, barerr.Wrap(barerr.KindBackendFail, err, "stat %q", name)
	}
	return true, nil
}

func (b *LocalBackend) Delete(_ context.Context, name string) error {
	if err := os.Remove(b.path(name)); err != nil {
		if os.IsNotExist(err) {
			return barerr.Wrap(barerr.KindNotFound, err, "deleting %q", name)
		}
		return barerr.Wrap(barerr.KindBackendFail, err, "deleting %q", name)
	}
	return nil
}

func (b *LocalBackend) Rename(_ context.Context, from, to string) error {
	if err := os.Rename(b.path(from), b.path(to)); err != nil {
		return barerr.Wrap(barerr.KindBackendFail, err, "renaming %q to %q", from, to)
	}
	return nil
}

// List walks the backend's directory tree and returns every regular file
// whose path relative to baseDir matches pattern via go-glob: `*` is the
// only wildcard, and it matches any run of characters, `/` included.
func (b *LocalBackend) List(_ context.Context, pattern string) ([]Entry, error) {
	var entries []Entry
	err := filepath.Walk(b.baseDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.baseDir, p)
		if err != nil {
			rel = p
		}
		if glob.Glob(pattern, rel) {
			entries = append(entries, Entry{Name: rel, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, barerr.Wrap(barerr.KindBackendFail, err, "listing %q", pattern)
	}
	return entries, nil
}
