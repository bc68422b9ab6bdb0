package keywrap

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// LocalRSAManager is a KeyManager that wraps session keys with a local
// RSA-OAEP keypair instead of a remote KMS, for standalone use when no
// KMIP endpoint is configured (spec §3: asymmetric mode requires *a*
// public key, not necessarily one held by a KMS).
type LocalRSAManager struct {
	keyID      string
	keyVersion int
	private    *rsa.PrivateKey
}

// NewLocalRSAManager wraps an already-generated keypair.
func NewLocalRSAManager(keyID string, keyVersion int, private *rsa.PrivateKey) *LocalRSAManager {
	return &LocalRSAManager{keyID: keyID, keyVersion: keyVersion, private: private}
}

// GenerateLocalRSAManager generates a fresh RSA keypair of the given bit
// size and wraps it in a LocalRSAManager.
func GenerateLocalRSAManager(keyID string, keyVersion, bits int) (*LocalRSAManager, error) {
	private, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, barerr.Wrap(barerr.KindKeyUnavailable, err, "generate local rsa keypair")
	}
	return NewLocalRSAManager(keyID, keyVersion, private), nil
}

// Provider implements KeyManager.
func (m *LocalRSAManager) Provider() string { return "local-rsa" }

// WrapKey implements KeyManager using RSA-OAEP with SHA-256.
func (m *LocalRSAManager) WrapKey(_ context.Context, plaintext []byte, _ map[string]string) (*KeyEnvelope, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &m.private.PublicKey, plaintext, nil)
	if err != nil {
		return nil, barerr.Wrap(barerr.KindKeyUnavailable, err, "rsa-oaep wrap")
	}
	return &KeyEnvelope{
		KeyID:      m.keyID,
		KeyVersion: m.keyVersion,
		Provider:   m.Provider(),
		Ciphertext: ciphertext,
	}, nil
}

// UnwrapKey implements KeyManager.
func (m *LocalRSAManager) UnwrapKey(_ context.Context, envelope *KeyEnvelope, _ map[string]string) ([]byte, error) {
	if envelope == nil {
		return nil, barerr.New(barerr.KindKeyUnavailable, "nil key envelope")
	}
	if envelope.KeyID != "" && envelope.KeyID != m.keyID {
		return nil, barerr.New(barerr.KindAsymmetricKeyMismatch, "envelope key id %q does not match local key %q", envelope.KeyID, m.keyID)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, m.private, envelope.Ciphertext, nil)
	if err != nil {
		return nil, barerr.Wrap(barerr.KindDecryptFail, err, "rsa-oaep unwrap")
	}
	return plaintext, nil
}

// ActiveKeyVersion implements KeyManager.
func (m *LocalRSAManager) ActiveKeyVersion(_ context.Context) (int, error) {
	return m.keyVersion, nil
}

// HealthCheck implements KeyManager; a local keypair has no external
// dependency to probe, so this only confirms the key is present.
func (m *LocalRSAManager) HealthCheck(_ context.Context) error {
	if m.private == nil {
		return barerr.New(barerr.KindKeyUnavailable, "local rsa manager has no private key loaded")
	}
	return nil
}

// Close implements KeyManager; there is nothing to release.
func (m *LocalRSAManager) Close(_ context.Context) error { return nil }
