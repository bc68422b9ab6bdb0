package cryptframe

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// CryptType distinguishes how the key in use was obtained (spec §3 "Key
// material"): symmetric mode derives the key straight from a passphrase;
// asymmetric mode wraps a random per-archive session key with a
// recipient's public key. Either way, fragment encryption itself is the
// same CBC-equivalent block cipher operation.
type CryptType uint8

const (
	CryptTypeSymmetric CryptType = iota
	CryptTypeAsymmetric
)

// Frame is one initialized CryptFrame instance: a block cipher bound to a
// single key, ready to encrypt/decrypt any number of fragments each with
// its own IV.
type Frame struct {
	alg       Algorithm
	cryptType CryptType
	block     cipher.Block
	blockSize int
}

// InitSymmetric builds a Frame from a passphrase-derived key (spec §4.2
// "initSymmetric(alg, key, iv)" — the iv is supplied per-fragment by
// Encrypt/Decrypt, not fixed at init time, since each fragment derives its
// own IV per spec's IV-uniqueness invariant).
func InitSymmetric(alg Algorithm, key []byte) (*Frame, error) {
	return newFrame(alg, CryptTypeSymmetric, key)
}

// InitAsymmetric builds a Frame from an unwrapped session key.
func InitAsymmetric(alg Algorithm, sessionKey []byte) (*Frame, error) {
	return newFrame(alg, CryptTypeAsymmetric, sessionKey)
}

func newFrame(alg Algorithm, ct CryptType, key []byte) (*Frame, error) {
	if alg == AlgorithmNone {
		return &Frame{alg: alg, cryptType: ct, blockSize: 1}, nil
	}
	block, err := newBlockCipher(alg, key)
	if err != nil {
		return nil, err
	}
	return &Frame{alg: alg, cryptType: ct, block: block, blockSize: alg.BlockSize()}, nil
}

// Algorithm reports the cipher this Frame was initialized with.
func (f *Frame) Algorithm() Algorithm { return f.alg }

// CryptType reports whether this Frame's key came from a passphrase or an
// unwrapped session key.
func (f *Frame) CryptType() CryptType { return f.cryptType }

// BlockSize returns the cipher's block size (1 when alg is none).
func (f *Frame) BlockSize() int { return f.blockSize }

// RandomIV returns a cryptographically random IV of the cipher's block
// size, for callers (e.g. header encryption) that don't need the
// deterministic per-fragment derivation in iv.go.
func (f *Frame) RandomIV() ([]byte, error) {
	iv := make([]byte, f.blockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// Encrypt pads plaintext to the cipher's block size and CBC-encrypts it.
// When alg is none, plaintext passes through unchanged.
func (f *Frame) Encrypt(iv, plaintext []byte) ([]byte, error) {
	if f.alg == AlgorithmNone {
		return plaintext, nil
	}
	if len(iv) != f.blockSize {
		return nil, barerr.New(barerr.KindKeyUnavailable, "iv length %d does not match block size %d", len(iv), f.blockSize)
	}
	padded := pkcs7Pad(plaintext, f.blockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(f.block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decrypt CBC-decrypts ciphertext and strips PKCS#7 padding. When alg is
// none, ciphertext passes through unchanged.
func (f *Frame) Decrypt(iv, ciphertext []byte) ([]byte, error) {
	if f.alg == AlgorithmNone {
		return ciphertext, nil
	}
	if len(iv) != f.blockSize {
		return nil, barerr.New(barerr.KindKeyUnavailable, "iv length %d does not match block size %d", len(iv), f.blockSize)
	}
	if len(ciphertext) == 0 || len(ciphertext)%f.blockSize != 0 {
		return nil, barerr.New(barerr.KindDecryptFail, "ciphertext length %d is not a multiple of block size %d", len(ciphertext), f.blockSize)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(f.block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded, f.blockSize)
}

// PaddedLen returns the ciphertext length Encrypt would produce for a
// plaintext of n bytes, letting a caller compute on-disk fragment sizes
// without guessing.
func (f *Frame) PaddedLen(n int) int {
	if f.alg == AlgorithmNone {
		return n
	}
	return n + (f.blockSize - n%f.blockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, barerr.New(barerr.KindDecryptFail, "padded length %d is not a multiple of block size %d", len(data), blockSize)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, barerr.New(barerr.KindDecryptFail, "invalid padding length %d", padLen)
	}
	if !bytes.Equal(data[len(data)-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, barerr.New(barerr.KindDecryptFail, "padding bytes do not match")
	}
	return data[:len(data)-padLen], nil
}
