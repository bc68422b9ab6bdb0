package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeOverridesOnlyNonZeroFields(t *testing.T) {
	g := DefaultGlobalOptions()
	eff := g.Merge(JobOptions{CompressAlgorithm: "lzma", PartSize: 4096})

	require.Equal(t, "lzma", eff.CompressAlgorithm)
	require.Equal(t, uint64(4096), eff.PartSize)
	require.Equal(t, g.DefaultCryptAlgorithm, eff.CryptAlgorithm)
	require.Equal(t, g.WeakPasswordThreshold, eff.WeakPasswordThreshold)
	require.Equal(t, ModeIncremental, eff.Mode)
}

func TestMergeModeOverride(t *testing.T) {
	g := DefaultGlobalOptions()
	eff := g.Merge(JobOptions{Mode: ModeDifferential})
	require.Equal(t, ModeDifferential, eff.Mode)
}

func TestLoadGlobalOptionsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bar.yaml")
	require.NoError(t, os.WriteFile(path, []byte("weak_password_threshold: 0.8\ndefault_compress_algorithm: zstd\n"), 0o644))

	opts, err := LoadGlobalOptions(path)
	require.NoError(t, err)
	require.Equal(t, 0.8, opts.WeakPasswordThreshold)
	require.Equal(t, "zstd", opts.DefaultCompressAlgorithm)
	// Unspecified fields keep their defaults.
	require.Equal(t, 3, opts.MaxPasswordRequests)
}
