package encfs

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FormatTag identifies an on-disk configuration format. Formats are ordered
// oldest to newest; only the newest is ever written.
type FormatTag uint8

const (
	FormatUnknown FormatTag = iota
	FormatV4
	FormatV5
	FormatV6
	FormatV7
)

// FormatNewest is the format produced by EncodeConfig.
const FormatNewest = FormatV7

// String returns the string representation of the format
func (f FormatTag) String() string {
	switch f {
	case FormatV4:
		return "v4"
	case FormatV5:
		return "v5"
	case FormatV6:
		return "v6"
	case FormatV7:
		return "v7"
	default:
		return "unknown"
	}
}

// KDFAlgorithm selects how the key-encrypting secret is derived.
type KDFAlgorithm uint8

const (
	// KDFLegacy is the unsalted iterated SHA-1 derivation of early volumes
	KDFLegacy KDFAlgorithm = iota
	// KDFPBKDF2 is PBKDF2-HMAC-SHA1
	KDFPBKDF2
	// KDFArgon2id is the memory-hard Argon2id
	KDFArgon2id
)

// String returns the string representation of the KDF
func (k KDFAlgorithm) String() string {
	switch k {
	case KDFLegacy:
		return "legacy-sha1"
	case KDFPBKDF2:
		return "pbkdf2-sha1"
	case KDFArgon2id:
		return "argon2id"
	default:
		return "unknown"
	}
}

// CipherID is the cipher interface id persisted in a configuration.
type CipherID struct {
	Cipher string
	Mode   string
	Major  int
	Minor  int
}

func (c CipherID) String() string {
	return fmt.Sprintf("%s/%s %d.%d", c.Cipher, c.Mode, c.Major, c.Minor)
}

// KeyChecksumSize is the length of the integrity checksum stored next to a
// wrapped volume key.
const KeyChecksumSize = 4

// WrappedKey is the at-rest record of the volume key.
type WrappedKey struct {
	KDF             KDFAlgorithm
	Salt            []byte
	Iterations      int
	MemoryKiB       uint32 // Argon2id only
	Parallelism     uint8  // Argon2id only
	DesiredDuration time.Duration
	Ciphertext      []byte
	Checksum        []byte
}

// Equal compares two records by value.
func (w WrappedKey) Equal(o WrappedKey) bool {
	return w.KDF == o.KDF &&
		bytes.Equal(w.Salt, o.Salt) &&
		w.Iterations == o.Iterations &&
		w.MemoryKiB == o.MemoryKiB &&
		w.Parallelism == o.Parallelism &&
		w.DesiredDuration == o.DesiredDuration &&
		bytes.Equal(w.Ciphertext, o.Ciphertext) &&
		bytes.Equal(w.Checksum, o.Checksum)
}

// Configuration is the canonical, format-independent volume configuration.
type Configuration struct {
	Format     FormatTag
	Creator    string
	SubVersion int
	VolumeID   uuid.UUID

	Cipher    CipherID
	KeySize   int // bits
	BlockSize int // bytes
	Key       WrappedKey

	UniqueIV           bool
	ChainedNameIV      bool
	ExternalIVChaining bool
	BlockMACBytes      int
	BlockMACRandBytes  int
	AllowHoles         bool
}

// Equal compares two configurations by value.
func (c *Configuration) Equal(o *Configuration) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Format == o.Format &&
		c.Creator == o.Creator &&
		c.SubVersion == o.SubVersion &&
		c.VolumeID == o.VolumeID &&
		c.Cipher == o.Cipher &&
		c.KeySize == o.KeySize &&
		c.BlockSize == o.BlockSize &&
		c.Key.Equal(o.Key) &&
		c.UniqueIV == o.UniqueIV &&
		c.ChainedNameIV == o.ChainedNameIV &&
		c.ExternalIVChaining == o.ExternalIVChaining &&
		c.BlockMACBytes == o.BlockMACBytes &&
		c.BlockMACRandBytes == o.BlockMACRandBytes &&
		c.AllowHoles == o.AllowHoles
}

// optional carries whether a field was present in the decoded blob.
type optional[T any] struct {
	v  T
	ok bool
}

func some[T any](v T) optional[T] {
	return optional[T]{v: v, ok: true}
}

func (o optional[T]) or(def T) T {
	if o.ok {
		return o.v
	}
	return def
}

// rawConfig is what a decoder extracts, before defaults are applied.
type rawConfig struct {
	creator    optional[string]
	subVersion optional[int]
	volumeID   optional[uuid.UUID]
	cipher     optional[CipherID]
	keySize    optional[int]
	blockSize  optional[int]

	kdf         optional[KDFAlgorithm]
	salt        optional[[]byte]
	iterations  optional[int]
	memoryKiB   optional[uint32]
	parallelism optional[uint8]
	desired     optional[time.Duration]
	ciphertext  optional[[]byte]
	checksum    optional[[]byte]

	uniqueIV           optional[bool]
	chainedNameIV      optional[bool]
	externalIVChaining optional[bool]
	blockMACBytes      optional[int]
	blockMACRandBytes  optional[int]
	allowHoles         optional[bool]
}

// formatDefaults is the value table used for fields a format did not carry.
// These values change decrypted output and are part of the format contract.
type formatDefaults struct {
	creator            string
	subVersion         int
	kdf                KDFAlgorithm
	iterations         int
	desired            time.Duration
	uniqueIV           bool
	chainedNameIV      bool
	externalIVChaining bool
	blockMACBytes      int
	blockMACRandBytes  int
	allowHoles         bool
}

// resolve applies the defaults table exactly once and validates the result.
func resolve(tag FormatTag, raw *rawConfig, def formatDefaults) (*Configuration, error) {
	corrupt := func(format string, args ...any) error {
		return newError(KindCorruptConfig, "decode", "", tag.String()+": "+fmt.Sprintf(format, args...))
	}
	switch {
	case !raw.cipher.ok:
		return nil, corrupt("cipher is missing")
	case !raw.keySize.ok:
		return nil, corrupt("key size is missing")
	case !raw.blockSize.ok:
		return nil, corrupt("block size is missing")
	case !raw.ciphertext.ok || !raw.checksum.ok:
		return nil, corrupt("wrapped key is missing")
	}

	cfg := &Configuration{
		Format:     tag,
		Creator:    raw.creator.or(def.creator),
		SubVersion: raw.subVersion.or(def.subVersion),
		VolumeID:   raw.volumeID.or(uuid.Nil),
		Cipher:     raw.cipher.v,
		KeySize:    raw.keySize.v,
		BlockSize:  raw.blockSize.v,
		Key: WrappedKey{
			KDF:             raw.kdf.or(def.kdf),
			Salt:            raw.salt.or(nil),
			Iterations:      raw.iterations.or(def.iterations),
			MemoryKiB:       raw.memoryKiB.or(0),
			Parallelism:     raw.parallelism.or(0),
			DesiredDuration: raw.desired.or(def.desired),
			Ciphertext:      raw.ciphertext.v,
			Checksum:        raw.checksum.v,
		},
		UniqueIV:           raw.uniqueIV.or(def.uniqueIV),
		ChainedNameIV:      raw.chainedNameIV.or(def.chainedNameIV),
		ExternalIVChaining: raw.externalIVChaining.or(def.externalIVChaining),
		BlockMACBytes:      raw.blockMACBytes.or(def.blockMACBytes),
		BlockMACRandBytes:  raw.blockMACRandBytes.or(def.blockMACRandBytes),
		AllowHoles:         raw.allowHoles.or(def.allowHoles),
	}
	if len(cfg.Key.Salt) == 0 {
		cfg.Key.Salt = nil
	}

	if err := cfg.check(); err != nil {
		return nil, corrupt("%v", err)
	}
	return cfg, nil
}

// check enforces the invariants every decoded or encoded configuration holds.
func (c *Configuration) check() error {
	switch {
	case c.Cipher.Cipher == "":
		return fmt.Errorf("cipher name is empty")
	case c.Cipher.Major < 0 || c.Cipher.Minor < 0:
		return fmt.Errorf("cipher version %d.%d is negative", c.Cipher.Major, c.Cipher.Minor)
	case c.KeySize <= 0 || c.KeySize%8 != 0:
		return fmt.Errorf("key size %d is not a positive multiple of 8", c.KeySize)
	case c.BlockSize <= 0:
		return fmt.Errorf("block size %d is not positive", c.BlockSize)
	case c.SubVersion < 0:
		return fmt.Errorf("sub-version %d is negative", c.SubVersion)
	case c.BlockMACBytes < 0 || c.BlockMACBytes > 8:
		return fmt.Errorf("block MAC bytes %d outside [0, 8]", c.BlockMACBytes)
	case c.BlockMACRandBytes < 0 || c.BlockMACRandBytes > 8:
		return fmt.Errorf("block MAC random bytes %d outside [0, 8]", c.BlockMACRandBytes)
	case c.Key.Iterations <= 0:
		return fmt.Errorf("KDF iteration count %d is not positive", c.Key.Iterations)
	case c.Key.KDF > KDFArgon2id:
		return fmt.Errorf("unknown KDF %d", c.Key.KDF)
	case len(c.Key.Checksum) != KeyChecksumSize:
		return fmt.Errorf("key checksum is %d bytes, want %d", len(c.Key.Checksum), KeyChecksumSize)
	case len(c.Key.Ciphertext) == 0:
		return fmt.Errorf("wrapped key is empty")
	case c.Key.DesiredDuration < 0:
		return fmt.Errorf("desired KDF duration is negative")
	}
	if c.Key.KDF == KDFArgon2id && (c.Key.MemoryKiB == 0 || c.Key.Parallelism == 0) {
		return fmt.Errorf("argon2id parameters are incomplete")
	}
	if c.Key.KDF != KDFLegacy && len(c.Key.Salt) == 0 {
		return fmt.Errorf("%s requires a salt", c.Key.KDF)
	}
	return nil
}
