package barerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndIs(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindBackendTransient, cause, "writing part %d", 3)

	require.True(t, Is(err, KindBackendTransient))
	require.False(t, Is(err, KindBackendFail))
	require.ErrorIs(t, err, cause)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindBackendTransient, kind)
}

func TestRetryableAndFatal(t *testing.T) {
	require.True(t, KindBackendTransient.Retryable())
	require.True(t, KindTimeout.Retryable())
	require.False(t, KindEntrySizeMismatch.Retryable())

	require.True(t, KindEntrySizeMismatch.Fatal())
	require.True(t, KindAborted.Fatal())
	require.False(t, KindDecryptFail.Fatal())
}

func TestKindOfNonBarErr(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	require.False(t, ok)
}
