package encfs

import (
	"bytes"
	"testing"
	"time"

	"github.com/absfs/memfs"
	"github.com/google/uuid"
)

const testPassphrase = "correct horse"

func newTestStorage(t *testing.T) Storage {
	t.Helper()
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create memfs: %v", err)
	}
	s, err := NewStorage(base)
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	return s
}

// testOptions returns fast Standard-mode options on a fresh memfs whose
// root directory creation is always confirmed.
func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.RootDir = "/vol"
	opts.Storage = newTestStorage(t)
	opts.Passphrase = StaticPassphrase(testPassphrase)
	opts.ConfigMode = ConfigStandard
	opts.Confirmer = ConfirmFunc(func(string) bool { return true })
	opts.KDFIterations = 1000
	return opts
}

func sampleConfig() *Configuration {
	return &Configuration{
		Format:     FormatV7,
		Creator:    "EncFS Go test",
		SubVersion: CurrentSubVersion,
		VolumeID:   uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		Cipher:     CipherID{Cipher: "AES", Mode: "CFB", Major: 3, Minor: 0},
		KeySize:    192,
		BlockSize:  1024,
		Key: WrappedKey{
			KDF:             KDFPBKDF2,
			Salt:            bytes.Repeat([]byte{0x11}, SaltSize),
			Iterations:      5000,
			DesiredDuration: 250 * time.Millisecond,
			Ciphertext:      bytes.Repeat([]byte{0x22}, 24),
			Checksum:        []byte{1, 2, 3, 4},
		},
		UniqueIV:      true,
		ChainedNameIV: true,
		AllowHoles:    true,
	}
}

// wrapForTest wraps a fresh random key and returns the record and the key.
func wrapForTest(t *testing.T, props CipherProperties, bits int, params KDFParams) (WrappedKey, []byte) {
	t.Helper()
	reg := NewBuiltinRegistry()
	volume, err := reg.Instantiate(props, bits)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	defer volume.Destroy()
	if err := volume.RandomKey(bits); err != nil {
		t.Fatalf("RandomKey failed: %v", err)
	}
	wk, err := WrapVolumeKey(reg, volume, []byte(testPassphrase), params)
	if err != nil {
		t.Fatalf("WrapVolumeKey failed: %v", err)
	}
	return wk, bytes.Clone(volume.KeyBytes())
}

// Legacy record encoding, MSB-first 7-bit groups.

func legacyVarint(v int) []byte {
	var groups []byte
	for {
		groups = append([]byte{byte(v & 0x7f)}, groups...)
		v >>= 7
		if v == 0 {
			break
		}
	}
	for i := 0; i < len(groups)-1; i++ {
		groups[i] |= 0x80
	}
	return groups
}

func legacyString(b []byte) []byte {
	return append(legacyVarint(len(b)), b...)
}

func legacyInterface(name string, current, revision, age int) []byte {
	out := legacyString([]byte(name))
	out = append(out, legacyVarint(current)...)
	out = append(out, legacyVarint(revision)...)
	return append(out, legacyVarint(age)...)
}

type legacyRecord struct {
	key   string
	value []byte
}

func legacyBlob(records ...legacyRecord) []byte {
	out := legacyVarint(len(records))
	for _, r := range records {
		out = append(out, legacyString([]byte(r.key))...)
		out = append(out, legacyString(r.value)...)
	}
	return out
}

func keyData(wk WrappedKey) []byte {
	return append(bytes.Clone(wk.Checksum), wk.Ciphertext...)
}
