package entrypipeline

import (
	"math"

	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/kenchrcum/bararchive/internal/chunkio"
	"github.com/kenchrcum/bararchive/internal/compressframe"
	"github.com/kenchrcum/bararchive/internal/cryptframe"
)

// headerFragmentIndex is a reserved fragment index used only for deriving
// the header's path-encryption IV. Data fragments are indexed from 0
// upward by EntryPipeline, so this sentinel can never collide with one
// (spec §4.2 IV uniqueness invariant extended to header path fields).
const headerFragmentIndex = math.MaxUint64

// Header carries every attribute an entry's FENT/IENT/DENT/LENT/HENT/SENT
// sub-chunk records. Fields not meaningful for a given Kind are left zero.
type Header struct {
	Kind Kind

	// CompressAlgorithm overrides the Pipeline's default compression for
	// this one entry (spec §4.3 compress-skip: some entries are stored
	// uncompressed regardless of the archive's configured default). Left
	// empty on BeginEntry/WriteData, the Pipeline's own default is used and
	// recorded on the wire instead; NextEntry always populates this field
	// from what the wire actually carries, since a reader must decompress
	// each entry with whatever its own writer chose, not the reader's
	// configured default.
	CompressAlgorithm compressframe.Algorithm

	Name  string   // primary path; for HardLink, Names[0]
	Names []string // HardLink only: all linked paths

	Size uint64 // File/Image/HardLink: total logical size

	ATime, MTime, CTime uint64
	UID, GID            uint32
	Permission          uint32

	Destination string // Link only

	BlockSize  uint32 // Image only
	BlockCount uint64 // Image only

	SpecialType uint8 // Special only: charDev|blockDev|fifo|socket
	Major       uint32
	Minor       uint32

	Attributes map[string]string // extended attributes, XATR sub-chunk
}

const (
	SpecialCharDev  uint8 = 0
	SpecialBlockDev uint8 = 1
	SpecialFIFO     uint8 = 2
	SpecialSocket   uint8 = 3
)

// Wire codes for CompressFrame's Algorithm, which (unlike CryptFrame's)
// isn't already a uint8 enum, so the header needs an explicit mapping.
var compressWireCodes = []compressframe.Algorithm{
	compressframe.AlgorithmNone,
	compressframe.AlgorithmDeflate,
	compressframe.AlgorithmBzip2,
	compressframe.AlgorithmLZMA,
	compressframe.AlgorithmDelta,
}

func compressToCode(alg compressframe.Algorithm) (uint8, error) {
	for i, a := range compressWireCodes {
		if a == alg {
			return uint8(i), nil
		}
	}
	return 0, barerr.New(barerr.KindChunkFraming, "unknown compress algorithm %q", alg)
}

func codeToCompress(code uint8) (compressframe.Algorithm, error) {
	if int(code) >= len(compressWireCodes) {
		return "", barerr.New(barerr.KindChunkFraming, "unknown compress algorithm code %d", code)
	}
	return compressWireCodes[code], nil
}

// headerCodec bundles the frame/algorithm context needed to encrypt the
// path-like fields of a header while leaving the rest in cleartext (spec
// §4.4: "Header is written in cleartext ... except file paths which are
// encrypted when encryption is enabled").
type headerCodec struct {
	kindHint    Kind // set by the reader before decoding; outer chunk id already tells us this
	compressAlg compressframe.Algorithm
	cryptAlg    cryptframe.Algorithm
	cryptType   cryptframe.CryptType
	blockSize   int
	salt        []byte
	entryIndex  uint64
	frame       *cryptframe.Frame // nil when encryption is disabled
}

func (c headerCodec) encryptPath(plain string) ([]byte, error) {
	if c.frame == nil || c.cryptAlg == cryptframe.AlgorithmNone {
		return []byte(plain), nil
	}
	iv := cryptframe.DeriveFragmentIV(c.salt, c.entryIndex, headerFragmentIndex, c.blockSize)
	return c.frame.Encrypt(iv, []byte(plain))
}

func (c headerCodec) decryptPath(raw []byte) (string, error) {
	if c.frame == nil || c.cryptAlg == cryptframe.AlgorithmNone {
		return string(raw), nil
	}
	iv := cryptframe.DeriveFragmentIV(c.salt, c.entryIndex, headerFragmentIndex, c.blockSize)
	plain, err := c.frame.Decrypt(iv, raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// writeHeader serializes h into w's currently open header chunk, encoding
// path-like fields (Name, Destination, Names) as opaque byte strings run
// through codec so they can be encrypted, and every other field as
// cleartext primitives.
func writeHeader(w *chunkio.Writer, h Header, codec headerCodec) error {
	compressCode, err := compressToCode(codec.compressAlg)
	if err != nil {
		return err
	}
	if err := chunkio.PutUint8(w, compressCode); err != nil {
		return err
	}
	if err := chunkio.PutUint8(w, uint8(codec.cryptAlg)); err != nil {
		return err
	}
	if err := chunkio.PutUint8(w, uint8(codec.cryptType)); err != nil {
		return err
	}
	if err := chunkio.PutUint16(w, uint16(codec.blockSize)); err != nil {
		return err
	}

	primaryName := h.Name
	if h.Kind == KindHardLink && len(h.Names) > 0 {
		primaryName = h.Names[0]
	}
	encName, err := codec.encryptPath(primaryName)
	if err != nil {
		return err
	}
	if err := chunkio.PutString(w, string(encName)); err != nil {
		return err
	}

	if err := writeAttributes(w, h.Attributes); err != nil {
		return err
	}

	switch h.Kind {
	case KindFile, KindImage, KindHardLink:
		if err := putAll(w,
			func() error { return chunkio.PutUint64(w, h.Size) },
			func() error { return chunkio.PutUint64(w, h.ATime) },
			func() error { return chunkio.PutUint64(w, h.MTime) },
			func() error { return chunkio.PutUint64(w, h.CTime) },
			func() error { return chunkio.PutUint32(w, h.UID) },
			func() error { return chunkio.PutUint32(w, h.GID) },
			func() error { return chunkio.PutUint32(w, h.Permission) },
		); err != nil {
			return err
		}
	case KindDirectory:
		if err := putTimesAndOwner(w, h); err != nil {
			return err
		}
	case KindLink:
		if err := putTimesAndOwner(w, h); err != nil {
			return err
		}
		encDest, err := codec.encryptPath(h.Destination)
		if err != nil {
			return err
		}
		if err := chunkio.PutString(w, string(encDest)); err != nil {
			return err
		}
	case KindSpecial:
		if err := putTimesAndOwner(w, h); err != nil {
			return err
		}
		if err := putAll(w,
			func() error { return chunkio.PutUint8(w, h.SpecialType) },
			func() error { return chunkio.PutUint32(w, h.Major) },
			func() error { return chunkio.PutUint32(w, h.Minor) },
		); err != nil {
			return err
		}
	}

	if h.Kind == KindImage {
		if err := putAll(w,
			func() error { return chunkio.PutUint32(w, h.BlockSize) },
			func() error { return chunkio.PutUint64(w, h.BlockCount) },
		); err != nil {
			return err
		}
	}

	if h.Kind == KindHardLink {
		encNames := make([]string, len(h.Names))
		for i, n := range h.Names {
			enc, err := codec.encryptPath(n)
			if err != nil {
				return err
			}
			encNames[i] = string(enc)
		}
		if err := chunkio.PutStringList(w, encNames); err != nil {
			return err
		}
	}

	return nil
}

func putTimesAndOwner(w *chunkio.Writer, h Header) error {
	return putAll(w,
		func() error { return chunkio.PutUint64(w, h.ATime) },
		func() error { return chunkio.PutUint64(w, h.MTime) },
		func() error { return chunkio.PutUint64(w, h.CTime) },
		func() error { return chunkio.PutUint32(w, h.UID) },
		func() error { return chunkio.PutUint32(w, h.GID) },
		func() error { return chunkio.PutUint32(w, h.Permission) },
	)
}

func putAll(_ *chunkio.Writer, fns ...func() error) error {
	for _, fn := range fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func writeAttributes(w *chunkio.Writer, attrs map[string]string) error {
	w.OpenChunk(chunkio.IDXatr)
	if err := chunkio.PutUint32(w, uint32(len(attrs))); err != nil {
		return err
	}
	for k, v := range attrs {
		if err := chunkio.PutString(w, k); err != nil {
			return err
		}
		if err := chunkio.PutString(w, v); err != nil {
			return err
		}
	}
	return w.CloseChunk()
}

// readHeader is the inverse of writeHeader. kind must be supplied by the
// caller (derived from the outer entry chunk's id) since the header
// payload itself carries no kind discriminant.
func readHeader(c *chunkio.Container, kind Kind, codec headerCodec) (Header, error) {
	compressCode, err := chunkio.GetUint8(c)
	if err != nil {
		return Header{}, err
	}
	compressAlg, err := codeToCompress(compressCode)
	if err != nil {
		return Header{}, err
	}
	cryptCode, err := chunkio.GetUint8(c)
	if err != nil {
		return Header{}, err
	}
	cryptTypeCode, err := chunkio.GetUint8(c)
	if err != nil {
		return Header{}, err
	}
	blockSize, err := chunkio.GetUint16(c)
	if err != nil {
		return Header{}, err
	}
	codec.kindHint = kind
	codec.compressAlg = compressAlg
	codec.cryptAlg = cryptframe.Algorithm(cryptCode)
	codec.cryptType = cryptframe.CryptType(cryptTypeCode)
	codec.blockSize = int(blockSize)

	rawName, err := chunkio.GetString(c)
	if err != nil {
		return Header{}, err
	}
	name, err := codec.decryptPath([]byte(rawName))
	if err != nil {
		return Header{}, err
	}

	attrs, err := readAttributes(c)
	if err != nil {
		return Header{}, err
	}

	h := Header{Kind: kind, CompressAlgorithm: compressAlg, Name: name, Attributes: attrs}

	getU64 := func() (uint64, error) { return chunkio.GetUint64(c) }
	getU32 := func() (uint32, error) { return chunkio.GetUint32(c) }

	readTimesAndOwner := func() error {
		if h.ATime, err = getU64(); err != nil {
			return err
		}
		if h.MTime, err = getU64(); err != nil {
			return err
		}
		if h.CTime, err = getU64(); err != nil {
			return err
		}
		if h.UID, err = getU32(); err != nil {
			return err
		}
		if h.GID, err = getU32(); err != nil {
			return err
		}
		if h.Permission, err = getU32(); err != nil {
			return err
		}
		return nil
	}

	switch kind {
	case KindFile, KindImage, KindHardLink:
		if h.Size, err = getU64(); err != nil {
			return Header{}, err
		}
		if err := readTimesAndOwner(); err != nil {
			return Header{}, err
		}
	case KindDirectory:
		if err := readTimesAndOwner(); err != nil {
			return Header{}, err
		}
	case KindLink:
		if err := readTimesAndOwner(); err != nil {
			return Header{}, err
		}
		rawDest, err := chunkio.GetString(c)
		if err != nil {
			return Header{}, err
		}
		if h.Destination, err = codec.decryptPath([]byte(rawDest)); err != nil {
			return Header{}, err
		}
	case KindSpecial:
		if err := readTimesAndOwner(); err != nil {
			return Header{}, err
		}
		if h.SpecialType, err = chunkio.GetUint8(c); err != nil {
			return Header{}, err
		}
		if h.Major, err = getU32(); err != nil {
			return Header{}, err
		}
		if h.Minor, err = getU32(); err != nil {
			return Header{}, err
		}
	}

	if kind == KindImage {
		if h.BlockSize, err = getU32(); err != nil {
			return Header{}, err
		}
		if h.BlockCount, err = getU64(); err != nil {
			return Header{}, err
		}
	}

	if kind == KindHardLink {
		encNames, err := chunkio.GetStringList(c)
		if err != nil {
			return Header{}, err
		}
		names := make([]string, len(encNames))
		for i, enc := range encNames {
			if names[i], err = codec.decryptPath([]byte(enc)); err != nil {
				return Header{}, err
			}
		}
		h.Names = names
	}

	return h, nil
}

func readAttributes(c *chunkio.Container) (map[string]string, error) {
	id, _, payload, err := chunkio.NextChunk(c)
	if err != nil {
		return nil, err
	}
	if id != chunkio.IDXatr {
		return nil, barerr.New(barerr.KindChunkFraming, "expected XATR sub-chunk, got %s", id)
	}
	count, err := chunkio.GetUint32(payload)
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		k, err := chunkio.GetString(payload)
		if err != nil {
			return nil, err
		}
		v, err := chunkio.GetString(payload)
		if err != nil {
			return nil, err
		}
		attrs[k] = v
	}
	return attrs, nil
}
