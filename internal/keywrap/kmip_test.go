package keywrap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipserver"
	"github.com/ovh/kmip-go/kmiptest"
	"github.com/ovh/kmip-go/payloads"
	"github.com/stretchr/testify/require"
)

func TestCosmianKMIPManagerWrapUnwrap(t *testing.T) {
	exec := kmipserver.NewBatchExecutor()
	handler := &testKMIPWrapHandler{}
	exec.Route(kmip.OperationEncrypt, kmipserver.HandleFunc(handler.encrypt))
	exec.Route(kmip.OperationDecrypt, kmipserver.HandleFunc(handler.decrypt))
	exec.Route(kmip.OperationGet, kmipserver.HandleFunc(handler.get))

	addr, ca := kmiptest.NewServer(t, exec)
	tlsCfg := mustTLSConfigFromPEM(t, ca)

	mgr, err := NewCosmianKMIPManager(CosmianKMIPOptions{
		Endpoint: addr,
		Keys: []KMIPKeyReference{
			{ID: "wrapping-key-1", Version: 1},
		},
		TLSConfig:      tlsCfg,
		Timeout:        time.Second,
		Provider:       "test-kmip",
		DualReadWindow: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	env, err := mgr.WrapKey(context.Background(), []byte("plaintext-session-key"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, env.Ciphertext)
	require.Equal(t, 1, env.KeyVersion)
	require.Equal(t, "test-kmip", env.Provider)

	unwrapped, err := mgr.UnwrapKey(context.Background(), env, nil)
	require.NoError(t, err)
	require.Equal(t, "plaintext-session-key", string(unwrapped))

	// Force the dual-read fallback path by dropping the recorded key id.
	env.KeyID = ""
	unwrapped, err = mgr.UnwrapKey(context.Background(), env, nil)
	require.NoError(t, err)
	require.Equal(t, "plaintext-session-key", string(unwrapped))

	version, err := mgr.ActiveKeyVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, version)
}

type testKMIPWrapHandler struct{}

func (h *testKMIPWrapHandler) encrypt(_ context.Context, req *payloads.EncryptRequestPayload) (*payloads.EncryptResponsePayload, error) {
	return &payloads.EncryptResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		Data:             xorBytes(req.Data),
	}, nil
}

func (h *testKMIPWrapHandler) decrypt(_ context.Context, req *payloads.DecryptRequestPayload) (*payloads.DecryptResponsePayload, error) {
	return &payloads.DecryptResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		Data:             xorBytes(req.Data),
	}, nil
}

func (h *testKMIPWrapHandler) get(_ context.Context, req *payloads.GetRequestPayload) (*payloads.GetResponsePayload, error) {
	return &payloads.GetResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		ObjectType:       kmip.ObjectTypeSymmetricKey,
	}, nil
}

func xorBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ 0x5c
	}
	return out
}

func mustTLSConfigFromPEM(t *testing.T, pem string) *tls.Config {
	t.Helper()
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM([]byte(pem)))
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}
}
