package cryptframe

import (
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// KDFIterations is the PBKDF2 round count used to derive a symmetric key
// from a passphrase. Chosen as a fixed constant rather than a tunable
// config field: the archive header only has room to carry the salt (spec
// §3 "derivation: salted KDF with iteration count; salt is carried in the
// header chunk"), so the iteration count must be a value both writer and
// reader agree on without negotiation.
const KDFIterations = 210000

// NewSalt returns a fresh random salt sized for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey turns a passphrase and salt into a key of keySize bytes,
// suitable for Algorithm.KeySize() of the target cipher.
func DeriveKey(passphrase string, salt []byte, keySize int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, KDFIterations, keySize, sha256.New)
}
