package keywrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

func TestLocalRSAManagerWrapUnwrapRoundTrip(t *testing.T) {
	mgr, err := GenerateLocalRSAManager("local-key-1", 1, 2048)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	sessionKey := []byte("a 32 byte session key!!! padded")
	env, err := mgr.WrapKey(context.Background(), sessionKey, nil)
	require.NoError(t, err)
	require.NotEmpty(t, env.Ciphertext)
	require.Equal(t, "local-key-1", env.KeyID)
	require.Equal(t, 1, env.KeyVersion)
	require.Equal(t, "local-rsa", env.Provider)

	unwrapped, err := mgr.UnwrapKey(context.Background(), env, nil)
	require.NoError(t, err)
	require.Equal(t, sessionKey, unwrapped)

	version, err := mgr.ActiveKeyVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, version)

	require.NoError(t, mgr.HealthCheck(context.Background()))
}

func TestLocalRSAManagerRejectsMismatchedKeyID(t *testing.T) {
	mgr, err := GenerateLocalRSAManager("local-key-1", 1, 2048)
	require.NoError(t, err)

	env, err := mgr.WrapKey(context.Background(), []byte("session-key"), nil)
	require.NoError(t, err)

	env.KeyID = "some-other-key"
	_, err = mgr.UnwrapKey(context.Background(), env, nil)
	require.Error(t, err)
	require.True(t, barerr.Is(err, barerr.KindAsymmetricKeyMismatch))
}
