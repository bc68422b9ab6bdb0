package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/bararchive/internal/config"
	"github.com/kenchrcum/bararchive/internal/entrypipeline"
)

func encryptedOpts() config.Effective {
	opts := plainOpts()
	opts.CryptAlgorithm = "aes128"
	return opts
}

func TestReaderDecryptsWithKnownPassphrase(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	opts := encryptedOpts()

	w, err := Create(ctx, be, "secret", opts, Dependencies{
		GetPassword: func(context.Context, string, PasswordKind, bool, bool) (string, error) {
			return "correct horse battery staple", nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.NewFileEntry(entrypipeline.Header{Name: "ledger.txt", Size: 4, Permission: 0o600}))
	require.NoError(t, w.WriteData(ctx, []byte("gold")))
	require.NoError(t, w.CloseEntry())
	require.NoError(t, w.Close(ctx))

	r, err := Open(ctx, be, "secret", opts, Dependencies{
		KnownPassphrases: []string{"correct horse battery staple"},
	})
	require.NoError(t, err)
	defer r.Close()

	h, err := r.NextEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, "ledger.txt", h.Name)

	buf := make([]byte, 16)
	n, err := r.ReadData(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, "gold", string(buf[:n]))
}

func TestReaderFallsBackFromWrongPasswordToGetPassword(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	opts := encryptedOpts()

	w, err := Create(ctx, be, "secret2", opts, Dependencies{
		GetPassword: func(context.Context, string, PasswordKind, bool, bool) (string, error) {
			return "the real passphrase", nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.NewFileEntry(entrypipeline.Header{Name: "ledger.txt", Size: 4, Permission: 0o600}))
	require.NoError(t, w.WriteData(ctx, []byte("gold")))
	require.NoError(t, w.CloseEntry())
	require.NoError(t, w.Close(ctx))

	attempts := 0
	candidates := []string{"wrong guess one", "wrong guess two", "the real passphrase"}
	r, err := Open(ctx, be, "secret2", opts, Dependencies{
		GetPassword: func(context.Context, string, PasswordKind, bool, bool) (string, error) {
			pass := candidates[attempts]
			attempts++
			return pass, nil
		},
	})
	require.NoError(t, err)
	defer r.Close()

	h, err := r.NextEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, "ledger.txt", h.Name)
	require.Equal(t, 3, attempts)
}

func TestReaderExhaustsPasswordAttempts(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	opts := encryptedOpts()
	opts.MaxPasswordRequests = 2

	w, err := Create(ctx, be, "secret3", opts, Dependencies{
		GetPassword: func(context.Context, string, PasswordKind, bool, bool) (string, error) {
			return "the real passphrase", nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.NewFileEntry(entrypipeline.Header{Name: "ledger.txt", Size: 4, Permission: 0o600}))
	require.NoError(t, w.WriteData(ctx, []byte("gold")))
	require.NoError(t, w.CloseEntry())
	require.NoError(t, w.Close(ctx))

	r, err := Open(ctx, be, "secret3", opts, Dependencies{
		GetPassword: func(context.Context, string, PasswordKind, bool, bool) (string, error) {
			return "never the right one", nil
		},
	})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.NextEntry(ctx)
	require.Error(t, err)
}

func TestReaderListsWithoutKeyUsingEncryptedSentinel(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	opts := encryptedOpts()

	w, err := Create(ctx, be, "secret4", opts, Dependencies{
		GetPassword: func(context.Context, string, PasswordKind, bool, bool) (string, error) {
			return "a passphrase nobody will supply back", nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.NewFileEntry(entrypipeline.Header{Name: "ledger.txt", Size: 4, Permission: 0o600}))
	require.NoError(t, w.WriteData(ctx, []byte("gold")))
	require.NoError(t, w.CloseEntry())
	require.NoError(t, w.Close(ctx))

	r, err := Open(ctx, be, "secret4", opts, Dependencies{})
	require.NoError(t, err)
	defer r.Close()

	h, err := r.NextEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, encryptedSentinel, h.Name)
	require.Equal(t, uint64(4), h.Size, "cleartext fields still decode without a key")
}

func TestReaderSkipEntryAdvancesPastData(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	opts := plainOpts()

	w, err := Create(ctx, be, "skip", opts, Dependencies{})
	require.NoError(t, err)
	require.NoError(t, w.NewFileEntry(entrypipeline.Header{Name: "first.bin", Size: 3, Permission: 0o644}))
	require.NoError(t, w.WriteData(ctx, []byte("abc")))
	require.NoError(t, w.CloseEntry())
	require.NoError(t, w.NewFileEntry(entrypipeline.Header{Name: "second.bin", Size: 3, Permission: 0o644}))
	require.NoError(t, w.WriteData(ctx, []byte("xyz")))
	require.NoError(t, w.CloseEntry())
	require.NoError(t, w.Close(ctx))

	r, err := Open(ctx, be, "skip", opts, Dependencies{})
	require.NoError(t, err)
	defer r.Close()

	h, err := r.NextEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, "first.bin", h.Name)
	require.NoError(t, r.SkipEntry(ctx))

	h, err = r.NextEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, "second.bin", h.Name)

	buf := make([]byte, 16)
	n, err := r.ReadData(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, "xyz", string(buf[:n]))
}

func TestReaderArchiveExhaustionReturnsEOF(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	opts := plainOpts()

	w, err := Create(ctx, be, "empty", opts, Dependencies{})
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	r, err := Open(ctx, be, "empty", opts, Dependencies{})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.NextEntry(ctx)
	require.True(t, errors.Is(err, io.EOF))
}
