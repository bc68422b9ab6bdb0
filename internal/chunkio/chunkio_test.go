package chunkio

import (
	"bytes"
	"io"
	"testing"

	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	w.OpenChunk(IDFile)
	w.OpenChunk(IDFent)
	require.NoError(t, PutString(w, "greet.txt"))
	require.NoError(t, PutUint64(w, 5))
	require.NoError(t, PutBool(w, true))
	require.NoError(t, w.CloseChunk()) // FENT
	w.OpenChunk(IDFdat)
	require.NoError(t, PutUint64(w, 0))
	require.NoError(t, PutUint64(w, 5))
	require.NoError(t, w.WriteRaw([]byte("Hello")))
	require.NoError(t, w.CloseChunk()) // FDAT
	require.NoError(t, w.CloseChunk()) // FILE

	c := NewPartContainer(&buf)
	id, _, outer, err := NextChunk(c)
	require.NoError(t, err)
	require.Equal(t, IDFile, id)

	id, _, fent, err := NextChunk(outer)
	require.NoError(t, err)
	require.Equal(t, IDFent, id)
	name, err := GetString(fent)
	require.NoError(t, err)
	require.Equal(t, "greet.txt", name)
	size, err := GetUint64(fent)
	require.NoError(t, err)
	require.Equal(t, uint64(5), size)
	flag, err := GetBool(fent)
	require.NoError(t, err)
	require.True(t, flag)

	id, _, fdat, err := NextChunk(outer)
	require.NoError(t, err)
	require.Equal(t, IDFdat, id)
	off, err := GetUint64(fdat)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	sz, err := GetUint64(fdat)
	require.NoError(t, err)
	require.Equal(t, uint64(5), sz)
	payload := make([]byte, sz)
	require.NoError(t, ReadFull(fdat, payload))
	require.Equal(t, "Hello", string(payload))

	_, _, _, err = NextChunk(outer)
	require.ErrorIs(t, err, io.EOF)
}

func TestUnknownChunkIsSkippable(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.OpenChunk(NewID("ZZZZ"))
	require.NoError(t, w.WriteRaw([]byte("unknown payload, any future format")))
	require.NoError(t, w.CloseChunk())
	w.OpenChunk(IDFoot)
	require.NoError(t, w.CloseChunk())

	c := NewPartContainer(&buf)
	id, _, payload, err := NextChunk(c)
	require.NoError(t, err)
	require.Equal(t, NewID("ZZZZ"), id)
	require.NoError(t, Skip(payload))

	id, _, _, err = NextChunk(c)
	require.NoError(t, err)
	require.Equal(t, IDFoot, id)
}

func TestMalformedSizeIsFramingError(t *testing.T) {
	// Hand-build: an outer FILE chunk whose entire 12-byte payload is a
	// single nested chunk header that declares a size (100) far larger
	// than the zero bytes left in the outer container once that header
	// itself has been consumed.
	raw := make([]byte, 0, 24)
	raw = append(raw, IDFile[:]...)
	raw = append(raw, 0, 0, 0, 0, 0, 0, 0, 12) // outer size = 12
	raw = append(raw, NewID("INNR")[:]...)
	raw = append(raw, 0, 0, 0, 0, 0, 0, 0, 100) // inner size = 100

	c := NewPartContainer(bytes.NewReader(raw))
	id, _, payload, err := NextChunk(c)
	require.NoError(t, err)
	require.Equal(t, IDFile, id)

	_, _, _, err = NextChunk(payload)
	require.True(t, barerr.Is(err, barerr.KindChunkFraming))
}

func TestTruncatedPartSurfacesCompleteChunksFirst(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.OpenChunk(IDFile)
	require.NoError(t, w.WriteRaw([]byte("complete")))
	require.NoError(t, w.CloseChunk())
	w.OpenChunk(IDFile)
	require.NoError(t, w.WriteRaw([]byte("second-entry-data")))
	require.NoError(t, w.CloseChunk())

	full := buf.Bytes()
	// Truncate 7 bytes into the second chunk's payload.
	headerAndFirst := HeaderSize + len("complete")
	truncateAt := headerAndFirst + HeaderSize + 7
	truncated := full[:truncateAt]

	c := NewPartContainer(bytes.NewReader(truncated))
	id, _, payload, err := NextChunk(c)
	require.NoError(t, err)
	require.Equal(t, IDFile, id)
	require.NoError(t, Skip(payload))

	id, _, payload, err = NextChunk(c)
	require.NoError(t, err)
	require.Equal(t, IDFile, id)
	err = Skip(payload)
	require.True(t, barerr.Is(err, barerr.KindChunkTruncated))
}

func TestInvalidBooleanByteIsFramingError(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.OpenChunk(IDFent)
	require.NoError(t, w.WriteRaw([]byte{0x02}))
	require.NoError(t, w.CloseChunk())

	c := NewPartContainer(&buf)
	_, _, payload, err := NextChunk(c)
	require.NoError(t, err)
	_, err = GetBool(payload)
	require.True(t, barerr.Is(err, barerr.KindChunkFraming))
}

func TestStringListRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.OpenChunk(IDHent)
	require.NoError(t, PutStringList(w, []string{"a/b", "a/c", "a/d"}))
	require.NoError(t, w.CloseChunk())

	c := NewPartContainer(&buf)
	_, _, payload, err := NextChunk(c)
	require.NoError(t, err)
	names, err := GetStringList(payload)
	require.NoError(t, err)
	require.Equal(t, []string{"a/b", "a/c", "a/d"}, names)
}
