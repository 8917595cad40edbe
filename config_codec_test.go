package encfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"standard", func(c *Configuration) {}},
		{"argon2id", func(c *Configuration) {
			c.KeySize = 256
			c.Key.KDF = KDFArgon2id
			c.Key.Iterations = 3
			c.Key.MemoryKiB = 64 * 1024
			c.Key.Parallelism = 4
			c.Key.Ciphertext = bytes.Repeat([]byte{0x33}, 32)
			c.ExternalIVChaining = true
			c.BlockMACBytes = 8
		}},
		{"legacy kdf without salt", func(c *Configuration) {
			c.Key.KDF = KDFLegacy
			c.Key.Salt = nil
			c.Key.Iterations = 16
			c.Key.DesiredDuration = 500 * time.Millisecond
		}},
		{"all flags off", func(c *Configuration) {
			c.UniqueIV = false
			c.ChainedNameIV = false
			c.AllowHoles = false
		}},
		{"zero values", func(c *Configuration) {
			c.Creator = ""
			c.SubVersion = 0
			c.VolumeID = uuid.Nil
			c.Cipher.Major = 0
			c.Cipher.Minor = 0
			c.Key.DesiredDuration = 0
		}},
		{"mac random bytes", func(c *Configuration) {
			c.BlockMACBytes = 8
			c.BlockMACRandBytes = 8
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sampleConfig()
			tt.mutate(cfg)

			data, err := EncodeConfig(cfg)
			if err != nil {
				t.Fatalf("EncodeConfig failed: %v", err)
			}
			if got := DetectFormat(data); got != FormatV7 {
				t.Errorf("DetectFormat() = %v, want v7", got)
			}
			decoded, err := DecodeConfig(data)
			if err != nil {
				t.Fatalf("DecodeConfig failed: %v", err)
			}
			if !decoded.Equal(cfg) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, cfg)
			}
		})
	}
}

func TestEncodeConfig_Invalid(t *testing.T) {
	if _, err := EncodeConfig(nil); !IsValidationError(err) {
		t.Errorf("EncodeConfig(nil) error = %v, want validation error", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"zero key size", func(c *Configuration) { c.KeySize = 0 }},
		{"key size not byte aligned", func(c *Configuration) { c.KeySize = 191 }},
		{"zero block size", func(c *Configuration) { c.BlockSize = 0 }},
		{"mac bytes too large", func(c *Configuration) { c.BlockMACBytes = 9 }},
		{"no iterations", func(c *Configuration) { c.Key.Iterations = 0 }},
		{"short checksum", func(c *Configuration) { c.Key.Checksum = []byte{1, 2} }},
		{"empty cipher name", func(c *Configuration) { c.Cipher.Cipher = "" }},
		{"pbkdf2 without salt", func(c *Configuration) { c.Key.Salt = nil }},
		{"incomplete argon2", func(c *Configuration) { c.Key.KDF = KDFArgon2id }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sampleConfig()
			tt.mutate(cfg)
			if _, err := EncodeConfig(cfg); !IsValidationError(err) {
				t.Errorf("EncodeConfig error = %v, want validation error", err)
			}
		})
	}
}

func TestDecodeConfig_V7Corruption(t *testing.T) {
	good, err := EncodeConfig(sampleConfig())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"payload bit flip", func(b []byte) []byte { b[configHeaderSize+3] ^= 0x01; return b }},
		{"checksum bit flip", func(b []byte) []byte { b[len(b)-1] ^= 0x80; return b }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-6] }},
		{"trailing bytes", func(b []byte) []byte { return append(b, 0, 0) }},
		{"frame version", func(b []byte) []byte { b[4] = 9; return b }},
		{"oversized payload length", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[5:], 1<<30)
			return b
		}},
		{"header only", func(b []byte) []byte { return b[:4] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(bytes.Clone(good))
			_, err := DecodeConfig(data)
			if !errors.Is(err, ErrCorruptConfig) {
				t.Errorf("DecodeConfig error = %v, want corrupt config", err)
			}
			if DetectFormat(data) != FormatV7 {
				t.Error("a blob with the V7 magic should still be detected as V7")
			}
		})
	}
}

func TestDecodeConfig_V7MissingRequired(t *testing.T) {
	cfg := sampleConfig()
	data, err := EncodeConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	// Rebuild the frame around an empty payload: valid framing and CRC, no fields.
	var out bytes.Buffer
	if _, err := newConfigFrame(nil).WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeConfig(out.Bytes()); !errors.Is(err, ErrCorruptConfig) {
		t.Errorf("empty payload error = %v, want corrupt config", err)
	}
	if len(data) <= out.Len() {
		t.Error("encoded config should be larger than an empty frame")
	}
}

func TestDecodeConfig_Unreadable(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"text", []byte("hello world")},
		{"json", []byte(`{"cipher":"AES"}`)},
		{"zero count", []byte{0x00}},
		{"records without marker", legacyBlob(legacyRecord{"keySize", legacyVarint(192)})},
		{"records with trailing junk", append(legacyBlob(legacyRecord{"cipher", legacyInterface("ssl/aes", 3, 0, 2)}), 0xff)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeConfig(tt.data)
			if !errors.Is(err, ErrUnreadableConfig) {
				t.Errorf("DecodeConfig error = %v, want unreadable config", err)
			}
			if DetectFormat(tt.data) != FormatUnknown {
				t.Errorf("DetectFormat() = %v, want unknown", DetectFormat(tt.data))
			}
		})
	}
}

func TestDecodeConfig_ErrorsAreDistinct(t *testing.T) {
	good, _ := EncodeConfig(sampleConfig())
	good[len(good)-1] ^= 1

	_, corrupt := DecodeConfig(good)
	_, unreadable := DecodeConfig([]byte("nonsense"))
	if errors.Is(corrupt, ErrUnreadableConfig) || errors.Is(unreadable, ErrCorruptConfig) {
		t.Error("corrupt and unreadable configurations must be reported differently")
	}
	if !IsCorruptConfig(corrupt) {
		t.Errorf("IsCorruptConfig(%v) = false", corrupt)
	}
}

func TestRecordReader_Varint(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		want    int
		wantErr bool
	}{
		{"zero", []byte{0x00}, 0, false},
		{"one byte", []byte{0x7f}, 127, false},
		{"two bytes", []byte{0x82, 0x2c}, 300, false},
		{"three bytes", []byte{0x81, 0x80, 0x00}, 16384, false},
		{"truncated", []byte{0x82}, 0, true},
		{"too long", []byte{0x81, 0x80, 0x80, 0x80, 0x80, 0x00}, 0, true},
		{"out of range", []byte{0x8f, 0xff, 0xff, 0xff, 0x7f}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recordReader{b: tt.in}
			got, err := r.varint()
			if (err != nil) != tt.wantErr {
				t.Fatalf("varint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("varint() = %d, want %d", got, tt.want)
			}
		})
	}

	for _, v := range []int{0, 1, 127, 128, 300, 20040813, 1<<31 - 1} {
		r := &recordReader{b: legacyVarint(v)}
		if got, err := r.varint(); err != nil || got != v || !r.done() {
			t.Errorf("legacyVarint(%d) decoded to %d, %v", v, got, err)
		}
	}
}

func TestDecodeConfig_V5(t *testing.T) {
	keyBlob := append([]byte{9, 8, 7, 6}, bytes.Repeat([]byte{0xab}, 24)...)
	full := legacyBlob(
		legacyRecord{"creator", legacyString([]byte("EncFS 1.1"))},
		legacyRecord{"subVersion", legacyVarint(20040813)},
		legacyRecord{"cipher", legacyInterface("ssl/aes", 3, 0, 2)},
		legacyRecord{"keySize", legacyVarint(192)},
		legacyRecord{"blockSize", legacyVarint(512)},
		legacyRecord{"keyData", legacyString(keyBlob)},
		legacyRecord{"uniqueIV", legacyVarint(1)},
		legacyRecord{"chainedIV", legacyVarint(1)},
		legacyRecord{"externalIV", legacyVarint(0)},
		legacyRecord{"blockMACBytes", legacyVarint(8)},
		legacyRecord{"blockMACRandBytes", legacyVarint(0)},
	)

	cfg, err := DecodeConfig(full)
	if err != nil {
		t.Fatalf("DecodeConfig failed: %v", err)
	}
	want := &Configuration{
		Format:     FormatV5,
		Creator:    "EncFS 1.1",
		SubVersion: 20040813,
		Cipher:     CipherID{Cipher: "AES", Mode: "CFB", Major: 3, Minor: 0},
		KeySize:    192,
		BlockSize:  512,
		Key: WrappedKey{
			KDF:             KDFLegacy,
			Iterations:      16,
			DesiredDuration: 500 * time.Millisecond,
			Ciphertext:      keyBlob[4:],
			Checksum:        keyBlob[:4],
		},
		UniqueIV:      true,
		ChainedNameIV: true,
		BlockMACBytes: 8,
	}
	if !cfg.Equal(want) {
		t.Errorf("decoded V5:\n got %+v\nwant %+v", cfg, want)
	}

	t.Run("defaults for absent flags", func(t *testing.T) {
		minimal := legacyBlob(
			legacyRecord{"subVersion", legacyVarint(20040813)},
			legacyRecord{"cipher", legacyInterface("ssl/blowfish", 3, 0, 2)},
			legacyRecord{"keySize", legacyVarint(160)},
			legacyRecord{"blockSize", legacyVarint(512)},
			legacyRecord{"keyData", legacyString(keyBlob[:24])},
		)
		cfg, err := DecodeConfig(minimal)
		if err != nil {
			t.Fatalf("DecodeConfig failed: %v", err)
		}
		if cfg.Cipher.Cipher != "Blowfish" || cfg.Cipher.Mode != "CFB" {
			t.Errorf("cipher = %v, want Blowfish/CFB", cfg.Cipher)
		}
		if cfg.UniqueIV || cfg.ChainedNameIV || cfg.ExternalIVChaining || cfg.AllowHoles {
			t.Error("absent flags should default to false")
		}
		if cfg.Creator != "" {
			t.Errorf("Creator = %q, want empty", cfg.Creator)
		}
	})

	t.Run("bad value is corrupt", func(t *testing.T) {
		bad := legacyBlob(
			legacyRecord{"subVersion", legacyVarint(20040813)},
			legacyRecord{"cipher", legacyInterface("ssl/aes", 3, 0, 2)},
			legacyRecord{"keySize", append(legacyVarint(192), 0x01)},
			legacyRecord{"blockSize", legacyVarint(512)},
			legacyRecord{"keyData", legacyString(keyBlob)},
		)
		if _, err := DecodeConfig(bad); !errors.Is(err, ErrCorruptConfig) {
			t.Errorf("error = %v, want corrupt config", err)
		}
	})

	t.Run("sub-version too old is corrupt", func(t *testing.T) {
		old := legacyBlob(
			legacyRecord{"subVersion", legacyVarint(20040812)},
			legacyRecord{"cipher", legacyInterface("ssl/aes", 3, 0, 2)},
			legacyRecord{"keySize", legacyVarint(192)},
			legacyRecord{"blockSize", legacyVarint(512)},
			legacyRecord{"keyData", legacyString(keyBlob)},
		)
		if _, err := DecodeConfig(old); !errors.Is(err, ErrCorruptConfig) {
			t.Errorf("error = %v, want corrupt config", err)
		}
	})

	t.Run("missing key data is corrupt", func(t *testing.T) {
		bad := legacyBlob(
			legacyRecord{"subVersion", legacyVarint(20040813)},
			legacyRecord{"cipher", legacyInterface("ssl/aes", 3, 0, 2)},
			legacyRecord{"keySize", legacyVarint(192)},
			legacyRecord{"blockSize", legacyVarint(512)},
		)
		if _, err := DecodeConfig(bad); !errors.Is(err, ErrCorruptConfig) {
			t.Errorf("error = %v, want corrupt config", err)
		}
	})
}

func TestDecodeConfig_V4(t *testing.T) {
	keyBlob := append([]byte{1, 1, 2, 3}, bytes.Repeat([]byte{0x5c}, 20)...)
	blob := legacyBlob(
		legacyRecord{"cipher", legacyInterface("ssl/blowfish", 3, 0, 0)},
		legacyRecord{"keySize", legacyVarint(160)},
		legacyRecord{"blockSize", legacyVarint(512)},
		legacyRecord{"keyData", legacyString(keyBlob)},
	)
	if got := DetectFormat(blob); got != FormatV4 {
		t.Fatalf("DetectFormat() = %v, want v4", got)
	}

	cfg, err := DecodeConfig(blob)
	if err != nil {
		t.Fatalf("DecodeConfig failed: %v", err)
	}
	want := &Configuration{
		Format:     FormatV4,
		Creator:    "EncFS 1.0",
		SubVersion: 0,
		Cipher:     CipherID{Cipher: "Blowfish", Mode: "CFB", Major: 3, Minor: 0},
		KeySize:    160,
		BlockSize:  512,
		Key: WrappedKey{
			KDF:             KDFLegacy,
			Iterations:      16,
			DesiredDuration: 500 * time.Millisecond,
			Ciphertext:      keyBlob[4:],
			Checksum:        keyBlob[:4],
		},
	}
	if !cfg.Equal(want) {
		t.Errorf("decoded V4:\n got %+v\nwant %+v", cfg, want)
	}
}

func TestDecodeConfig_UnmappedLegacyCipherKeptVerbatim(t *testing.T) {
	blob := legacyBlob(
		legacyRecord{"cipher", legacyInterface("ssl/cast5", 1, 0, 0)},
		legacyRecord{"keySize", legacyVarint(128)},
		legacyRecord{"blockSize", legacyVarint(512)},
		legacyRecord{"keyData", legacyString(bytes.Repeat([]byte{1}, 20))},
	)
	cfg, err := DecodeConfig(blob)
	if err != nil {
		t.Fatalf("DecodeConfig failed: %v", err)
	}
	if cfg.Cipher.Cipher != "ssl/cast5" || cfg.Cipher.Mode != "" {
		t.Errorf("cipher = %+v, want verbatim ssl/cast5", cfg.Cipher)
	}
	if _, err := NewBuiltinRegistry().Find(cfg.Cipher.Cipher, cfg.Cipher.Mode); !errors.Is(err, ErrUnknownCipher) {
		t.Errorf("Find error = %v, want unknown cipher", err)
	}
}
