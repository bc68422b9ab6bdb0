// Package keywrap provides the asymmetric counterpart to cryptframe's
// symmetric passphrase path: a per-archive session key is generated once,
// wrapped by a KeyManager, and the wrapped envelope is stored in the
// archive's key chunk instead of a derivable passphrase.
package keywrap

import "context"

// KeyManager abstracts external key-wrapping services. Implementations
// must never expose the unwrapped session key outside of WrapKey/UnwrapKey,
// and should perform the actual cryptographic operation inside the KMS
// rather than locally when a real KMS is in use.
type KeyManager interface {
	// Provider returns a short identifier (e.g. "cosmian-kmip", "local-rsa")
	// used for diagnostics and recorded alongside the envelope.
	Provider() string

	// WrapKey encrypts plaintext (the archive's per-session key) and
	// returns an envelope suitable for persisting in the archive header.
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext in envelope and returns the
	// plaintext session key.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)

	// ActiveKeyVersion returns the version identifier of the primary
	// wrapping key currently in use for new archives.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies the key manager is reachable and operational.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying resources (connections, sessions).
	Close(ctx context.Context) error
}

// KeyEnvelope captures everything required to unwrap a session key.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}
