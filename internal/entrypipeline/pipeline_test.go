package entrypipeline

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/kenchrcum/bararchive/internal/chunkio"
	"github.com/kenchrcum/bararchive/internal/compressframe"
	"github.com/kenchrcum/bararchive/internal/cryptframe"
)

func newTestFrame(t *testing.T, alg cryptframe.Algorithm) *cryptframe.Frame {
	t.Helper()
	if alg == cryptframe.AlgorithmNone {
		f, err := cryptframe.InitSymmetric(alg, nil)
		require.NoError(t, err)
		return f
	}
	key := bytes.Repeat([]byte{0x42}, alg.KeySize())
	f, err := cryptframe.InitSymmetric(alg, key)
	require.NoError(t, err)
	return f
}

// roundTrip writes a single entry through Pipeline and reads it back
// through a fresh Pipeline sharing the same salt/frame/compress context, as
// two independent sessions would against the same archive.
func roundTripEntry(t *testing.T, frame *cryptframe.Frame, compress compressframe.Algorithm, h Header, data []byte, elementSize int) (Header, []byte) {
	t.Helper()
	salt := []byte("0123456789abcdef")

	var buf bytes.Buffer
	w := chunkio.NewWriter(&buf)
	writer := New(salt, frame, compress, 6)

	require.NoError(t, writer.BeginEntry(w, h, 0))
	if h.Kind.HasData() {
		require.NoError(t, writer.WriteData(data, elementSize))
	}
	require.NoError(t, writer.EndEntry(w))

	reader := New(salt, frame, compress, 6)
	part := chunkio.NewPartContainer(&buf)
	gotHeader, err := reader.NextEntry(part)
	require.NoError(t, err)

	var out bytes.Buffer
	if h.Kind.HasData() {
		chunk := make([]byte, 4096)
		for {
			n, err := reader.ReadData(chunk)
			if n > 0 {
				out.Write(chunk[:n])
			}
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
		}
		require.NoError(t, reader.EndEntryRead())
	}

	return gotHeader, out.Bytes()
}

func baseFileHeader(name string, size uint64) Header {
	return Header{
		Kind:       KindFile,
		Name:       name,
		Size:       size,
		ATime:      1000,
		MTime:      1000,
		CTime:      1000,
		UID:        1,
		GID:        1,
		Permission: 0o644,
		Attributes: map[string]string{"user.note": "hi"},
	}
}

func TestPipelineFileRoundTripPlain(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeated a bit more")
	h := baseFileHeader("docs/fox.txt", uint64(len(data)))

	gotHeader, gotData := roundTripEntry(t, nil, compressframe.AlgorithmNone, h, data, 8)

	require.Equal(t, h.Name, gotHeader.Name)
	require.Equal(t, h.Size, gotHeader.Size)
	require.Equal(t, h.Attributes, gotHeader.Attributes)
	require.Equal(t, data, gotData)
}

func TestPipelineFileRoundTripCompressedEncrypted(t *testing.T) {
	frame := newTestFrame(t, cryptframe.AlgorithmAES256)
	data := bytes.Repeat([]byte("archive payload segment "), 200)
	h := baseFileHeader("var/log/syslog", uint64(len(data)))

	gotHeader, gotData := roundTripEntry(t, frame, compressframe.AlgorithmDeflate, h, data, 4096)

	require.Equal(t, h.Name, gotHeader.Name)
	require.Equal(t, data, gotData)
}

func TestPipelineEncryptedHeaderNameIsNotCleartextOnWire(t *testing.T) {
	frame := newTestFrame(t, cryptframe.AlgorithmAES128)
	salt := []byte("0123456789abcdef")
	data := []byte("payload")
	h := baseFileHeader("private/secret-name.txt", uint64(len(data)))

	var buf bytes.Buffer
	w := chunkio.NewWriter(&buf)
	p := New(salt, frame, compressframe.AlgorithmNone, 0)
	require.NoError(t, p.BeginEntry(w, h, 0))
	require.NoError(t, p.WriteData(data, 1))
	require.NoError(t, p.EndEntry(w))

	require.NotContains(t, buf.String(), "secret-name")
}

func TestPipelineDirectoryHasNoDataFragments(t *testing.T) {
	h := Header{
		Kind:       KindDirectory,
		Name:       "var/log",
		ATime:      1,
		MTime:      1,
		CTime:      1,
		UID:        0,
		GID:        0,
		Permission: 0o755,
	}
	gotHeader, gotData := roundTripEntry(t, nil, compressframe.AlgorithmNone, h, nil, 1)
	require.Equal(t, h.Name, gotHeader.Name)
	require.Empty(t, gotData)
}

func TestPipelineLinkDestinationRoundTrips(t *testing.T) {
	frame := newTestFrame(t, cryptframe.AlgorithmBlowfish)
	h := Header{
		Kind:        KindLink,
		Name:        "bin/sh",
		Destination: "/usr/bin/bash",
		ATime:       1, MTime: 1, CTime: 1,
		Permission: 0o777,
	}
	gotHeader, _ := roundTripEntry(t, frame, compressframe.AlgorithmNone, h, nil, 1)
	require.Equal(t, h.Destination, gotHeader.Destination)
}

func TestPipelineHardLinkNamesRoundTrip(t *testing.T) {
	data := []byte("shared inode contents")
	h := Header{
		Kind:       KindHardLink,
		Name:       "a/one.txt",
		Names:      []string{"a/one.txt", "a/two.txt"},
		Size:       uint64(len(data)),
		Permission: 0o644,
	}
	gotHeader, gotData := roundTripEntry(t, nil, compressframe.AlgorithmNone, h, data, 1024)
	require.Equal(t, h.Names, gotHeader.Names)
	require.Equal(t, data, gotData)
}

func TestPipelineSpecialEntryRoundTrips(t *testing.T) {
	h := Header{
		Kind:        KindSpecial,
		Name:        "dev/null",
		SpecialType: SpecialCharDev,
		Major:       1,
		Minor:       3,
		Permission:  0o666,
	}
	gotHeader, _ := roundTripEntry(t, nil, compressframe.AlgorithmNone, h, nil, 1)
	require.Equal(t, h.SpecialType, gotHeader.SpecialType)
	require.Equal(t, h.Major, gotHeader.Major)
	require.Equal(t, h.Minor, gotHeader.Minor)
}

// TestPipelineWriteDataAccumulatesIntoOneFragmentPerPart verifies that
// several WriteData calls against one part accumulate into exactly one
// data chunk (one fragment, spec §3) rather than one chunk per call or per
// elementSize-sized slice: elementSize is only the boundary constraint a
// caller-driven split must respect, not a per-write flush trigger.
func TestPipelineWriteDataAccumulatesIntoOneFragmentPerPart(t *testing.T) {
	var buf bytes.Buffer
	w := chunkio.NewWriter(&buf)
	p := New([]byte("saltsaltsaltsalt"), nil, compressframe.AlgorithmNone, 0)

	h := baseFileHeader("table.bin", 30)
	require.NoError(t, p.BeginEntry(w, h, 0))

	require.NoError(t, p.WriteData([]byte{1, 2, 3}, 10))
	require.NoError(t, p.WriteData([]byte{4, 5, 6, 7}, 10))
	require.NoError(t, p.WriteData([]byte{8, 9, 10}, 10))
	require.NoError(t, p.WriteData(bytes.Repeat([]byte{0xAA}, 20), 10))
	require.NoError(t, p.EndEntry(w))

	part := chunkio.NewPartContainer(&buf)
	id, _, payload, err := chunkio.NextChunk(part)
	require.NoError(t, err)
	require.Equal(t, chunkio.IDFile, id)

	headerID, _, headerPayload, err := chunkio.NextChunk(payload)
	require.NoError(t, err)
	require.Equal(t, chunkio.IDFent, headerID)
	require.NoError(t, chunkio.Skip(headerPayload))

	var fragmentSizes []int
	for {
		id, size, fragPayload, err := chunkio.NextChunk(payload)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, chunkio.IDFdat, id)
		require.NoError(t, chunkio.Skip(fragPayload))
		fragmentSizes = append(fragmentSizes, int(size))
	}

	require.Len(t, fragmentSizes, 1)
	require.Equal(t, 30+16, fragmentSizes[0]) // offset(8)+size(8)+30 plaintext bytes
}

func TestPipelineEntrySizeMismatchIsRejected(t *testing.T) {
	var buf bytes.Buffer
	w := chunkio.NewWriter(&buf)
	p := New([]byte("saltsaltsaltsalt"), nil, compressframe.AlgorithmNone, 0)

	h := baseFileHeader("short.txt", 100)
	require.NoError(t, p.BeginEntry(w, h, 0))
	require.NoError(t, p.WriteData([]byte("only ten!!"), 1))

	err := p.EndEntry(w)
	require.Error(t, err)
	require.True(t, barerr.Is(err, barerr.KindEntrySizeMismatch))
}

func TestPipelineBeginEntryRejectsDoubleActivation(t *testing.T) {
	var buf bytes.Buffer
	w := chunkio.NewWriter(&buf)
	p := New([]byte("saltsaltsaltsalt"), nil, compressframe.AlgorithmNone, 0)

	h := baseFileHeader("a.txt", 1)
	require.NoError(t, p.BeginEntry(w, h, 0))
	err := p.BeginEntry(w, h, 0)
	require.Error(t, err)
	require.True(t, barerr.Is(err, barerr.KindBadState))
}
