package keywrap

import (
	"bytes"

	"github.com/kenchrcum/bararchive/internal/chunkio"
)

// EncodeEnvelope serializes a KeyEnvelope into the raw bytes a part's KEY0
// chunk carries (spec §3 "Key material": asymmetric mode stores a wrapped
// session key in place of a derivable passphrase). It uses the same
// length-prefixed primitives ChunkIO uses for every other wire field in
// this format, so a KEY0 payload is self-describing without needing a
// fifth chunk id of its own.
func EncodeEnvelope(e *KeyEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	w := chunkio.NewWriter(&buf)
	w.OpenChunk(chunkio.IDKey0)
	if err := chunkio.PutString(w, e.Provider); err != nil {
		return nil, err
	}
	if err := chunkio.PutString(w, e.KeyID); err != nil {
		return nil, err
	}
	if err := chunkio.PutUint32(w, uint32(e.KeyVersion)); err != nil {
		return nil, err
	}
	if err := chunkio.PutUint32(w, uint32(len(e.Ciphertext))); err != nil {
		return nil, err
	}
	if err := w.WriteRaw(e.Ciphertext); err != nil {
		return nil, err
	}
	if err := w.CloseChunk(); err != nil {
		return nil, err
	}
	// WritePreamble frames this payload inside its own KEY0 chunk, so only
	// the inner bytes (past the 12-byte chunk header Writer just wrote)
	// belong in a Preamble.WrappedSessionKey.
	return buf.Bytes()[chunkio.HeaderSize:], nil
}

// DecodeEnvelope is the inverse of EncodeEnvelope, reading a
// Preamble.WrappedSessionKey back into a KeyEnvelope.
func DecodeEnvelope(raw []byte) (*KeyEnvelope, error) {
	c := chunkio.NewContainer(bytes.NewReader(raw), uint64(len(raw)))

	provider, err := chunkio.GetString(c)
	if err != nil {
		return nil, err
	}
	keyID, err := chunkio.GetString(c)
	if err != nil {
		return nil, err
	}
	keyVersion, err := chunkio.GetUint32(c)
	if err != nil {
		return nil, err
	}
	ctLen, err := chunkio.GetUint32(c)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, ctLen)
	if err := chunkio.ReadFull(c, ciphertext); err != nil {
		return nil, err
	}

	return &KeyEnvelope{
		KeyID:      keyID,
		KeyVersion: int(keyVersion),
		Provider:   provider,
		Ciphertext: ciphertext,
	}, nil
}
