package archive

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/bararchive/internal/backend"
	"github.com/kenchrcum/bararchive/internal/config"
	"github.com/kenchrcum/bararchive/internal/entrypipeline"
)

func newTestBackend(t *testing.T) backend.StorageBackend {
	t.Helper()
	be, err := backend.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	return be
}

func plainOpts() config.Effective {
	return config.Effective{
		CompressAlgorithm:   "none",
		CryptAlgorithm:      "none",
		MaxPasswordRequests: 3,
	}
}

func TestWriterRoundTripsSingleFileEntry(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	w, err := Create(ctx, be, "plain", plainOpts(), Dependencies{})
	require.NoError(t, err)

	require.NoError(t, w.NewFileEntry(entrypipeline.Header{Name: "hello.txt", Size: 5, Permission: 0o644}))
	require.NoError(t, w.WriteData(ctx, []byte("hello")))
	require.NoError(t, w.CloseEntry())
	require.NoError(t, w.Close(ctx))

	exists, err := be.Exists(ctx, "plain.bar")
	require.NoError(t, err)
	require.True(t, exists)

	r, err := Open(ctx, be, "plain", plainOpts(), Dependencies{})
	require.NoError(t, err)
	defer r.Close()

	h, err := r.NextEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello.txt", h.Name)
	require.Equal(t, uint64(5), h.Size)

	buf := make([]byte, 16)
	n, err := r.ReadData(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	_, err = r.ReadData(ctx, buf)
	require.ErrorIs(t, err, io.EOF)

	_, err = r.NextEntry(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestWriterDirectoryEntryHasNoData(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	w, err := Create(ctx, be, "dirs", plainOpts(), Dependencies{})
	require.NoError(t, err)
	require.NoError(t, w.NewDirectoryEntry(entrypipeline.Header{Name: "subdir", Permission: 0o755}))
	require.NoError(t, w.Close(ctx))

	r, err := Open(ctx, be, "dirs", plainOpts(), Dependencies{})
	require.NoError(t, err)
	defer r.Close()

	h, err := r.NextEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, "subdir", h.Name)
	require.Equal(t, entrypipeline.KindDirectory, h.Kind)

	_, err = r.NextEntry(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestWriterRejectsWriteDataWithoutActiveEntry(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	w, err := Create(ctx, be, "badstate", plainOpts(), Dependencies{})
	require.NoError(t, err)
	require.Error(t, w.WriteData(ctx, []byte("x")))
}

func TestWriterSplitsEntryAcrossParts(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	opts := plainOpts()
	opts.PartSize = 32

	w, err := Create(ctx, be, "split", opts, Dependencies{})
	require.NoError(t, err)

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, w.NewFileEntry(entrypipeline.Header{Name: "big.bin", Size: uint64(len(payload)), Permission: 0o644}))
	for off := 0; off < len(payload); off += 16 {
		require.NoError(t, w.WriteData(ctx, payload[off:off+16]))
	}
	require.NoError(t, w.CloseEntry())
	require.NoError(t, w.Close(ctx))

	exists, err := be.Exists(ctx, "split.001.bar")
	require.NoError(t, err)
	require.True(t, exists, "200 bytes over a 32-byte part size should have rotated at least once")

	r, err := Open(ctx, be, "split", opts, Dependencies{})
	require.NoError(t, err)
	defer r.Close()

	h, err := r.NextEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, "big.bin", h.Name)

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 16)
	for {
		n, err := r.ReadData(ctx, buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, payload, got)
}

// TestWriterSplitsCiphertextOnCipherBlockBoundary exercises the block-
// alignment rule for a non-final fragment (spec §3): with a 16-byte cipher
// block size and a 4096-byte part size, a single large WriteData call must
// cut each non-final part's fragment at 4080 bytes (the largest multiple
// of 16 strictly below 4096), never at exactly the part-size threshold,
// and the plaintext must still reconstruct byte-for-byte across the splits.
func TestWriterSplitsCiphertextOnCipherBlockBoundary(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	opts := encryptedOpts()
	opts.PartSize = 4096

	w, err := Create(ctx, be, "blockaligned", opts, Dependencies{
		GetPassword: func(context.Context, string, PasswordKind, bool, bool) (string, error) {
			return "correct horse battery staple", nil
		},
	})
	require.NoError(t, err)

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, w.NewFileEntry(entrypipeline.Header{Name: "disk.img", Size: uint64(len(payload)), Permission: 0o644}))
	require.NoError(t, w.WriteData(ctx, payload))
	require.NoError(t, w.CloseEntry())
	require.NoError(t, w.Close(ctx))

	exists, err := be.Exists(ctx, "blockaligned.002.bar")
	require.NoError(t, err)
	require.True(t, exists, "10000 bytes over a 4096-byte part size with a 16-byte cipher block should need three parts")

	r, err := Open(ctx, be, "blockaligned", opts, Dependencies{
		KnownPassphrases: []string{"correct horse battery staple"},
	})
	require.NoError(t, err)
	defer r.Close()

	h, err := r.NextEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, "disk.img", h.Name)

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	for {
		n, err := r.ReadData(ctx, buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, payload, got)
}
