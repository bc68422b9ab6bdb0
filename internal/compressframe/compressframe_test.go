package compressframe

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

func TestParseAlgorithmRoundTrip(t *testing.T) {
	for _, name := range []string{"none", "deflate", "bzip2", "lzma", "delta"} {
		alg, err := ParseAlgorithm(name)
		require.NoError(t, err)
		require.Equal(t, Algorithm(name), alg)
	}
}

func TestParseAlgorithmRejectsUnknown(t *testing.T) {
	_, err := ParseAlgorithm("lzham")
	require.Error(t, err)
	require.True(t, barerr.Is(err, barerr.KindTemplateInvalid))
}

func TestDeflateRoundTrip(t *testing.T) {
	plaintext := bytes.Repeat([]byte("the archived payload repeats itself a lot "), 200)

	var compressed bytes.Buffer
	w, err := NewEncodeWriter(AlgorithmDeflate, 6, &compressed)
	require.NoError(t, err)
	_, err = w.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Less(t, compressed.Len(), len(plaintext))

	r, err := NewDecodeReader(AlgorithmDeflate, &compressed)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestLZMASlotRoundTrip(t *testing.T) {
	plaintext := bytes.Repeat([]byte("zstd stands in for the lzma slot here "), 200)

	var compressed bytes.Buffer
	w, err := NewEncodeWriter(AlgorithmLZMA, 9, &compressed)
	require.NoError(t, err)
	_, err = w.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewDecodeReader(AlgorithmLZMA, &compressed)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestNoneAlgorithmPassesThrough(t *testing.T) {
	var out bytes.Buffer
	w, err := NewEncodeWriter(AlgorithmNone, 0, &out)
	require.NoError(t, err)
	_, err = w.Write([]byte("raw bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Equal(t, "raw bytes", out.String())
}

func TestBzip2EncodeIsUnsupported(t *testing.T) {
	_, err := NewEncodeWriter(AlgorithmBzip2, 6, &bytes.Buffer{})
	require.Error(t, err)
	require.True(t, barerr.Is(err, barerr.KindCompressFail))
}

func TestDeltaIsNotAStreamCodec(t *testing.T) {
	_, err := NewEncodeWriter(AlgorithmDelta, 6, &bytes.Buffer{})
	require.Error(t, err)

	_, err = NewDecodeReader(AlgorithmDelta, &bytes.Buffer{})
	require.Error(t, err)
}

func TestSkipPolicy(t *testing.T) {
	p := SkipPolicy{ExcludeGlobs: []string{"*.jpg", "*.mp4"}, MinSize: 1024}

	require.True(t, p.ShouldSkip("photo.jpg", 50_000))
	require.True(t, p.ShouldSkip("tiny.txt", 10))
	require.False(t, p.ShouldSkip("notes.txt", 50_000))
}

func TestDeltaResolverDetectsCycle(t *testing.T) {
	var resolver *DeltaResolver
	resolver = NewDeltaResolver(func(name string) (io.ReadCloser, error) {
		if name == "a.txt" {
			// a.txt's own resolution recurses back to a.txt before it
			// completes, simulating a delta chain that loops on itself.
			return resolver.ResolveSource("a.txt")
		}
		return io.NopCloser(bytes.NewReader([]byte("base content"))), nil
	})

	_, err := resolver.ResolveSource("a.txt")
	require.Error(t, err)
	require.True(t, barerr.Is(err, barerr.KindDeltaSourceNotFound))
}

func TestDeltaResolverSurfacesOpenFailure(t *testing.T) {
	resolver := NewDeltaResolver(func(name string) (io.ReadCloser, error) {
		return nil, errors.New("source not found in any prior part")
	})

	_, err := resolver.ResolveSource("missing.txt")
	require.Error(t, err)
	require.True(t, barerr.Is(err, barerr.KindDeltaSourceNotFound))
}

func TestCheckSizeMismatch(t *testing.T) {
	require.NoError(t, CheckSize("source.txt", 100, 100))

	err := CheckSize("source.txt", 100, 90)
	require.Error(t, err)
	require.True(t, barerr.Is(err, barerr.KindDeltaSourceSizeMismatch))
}
