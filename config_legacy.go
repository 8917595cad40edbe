package encfs

import (
	"fmt"
	"math"
	"time"
)

// V4 and V5 configurations are a flat list of (key, value) records. Every
// integer is a 7-bit group varint written most significant group first, with
// the high bit set on every byte but the last. A string is a varint length
// followed by its bytes. Each record value is itself a small stream holding
// one int, string or interface id.

const (
	v5MarkerKey = "subVersion"
	v4MarkerKey = "cipher"

	// oldest sub-version a V5 record may carry
	v5MinSubVersion = 20040813

	// varints wider than this cannot hold an int32
	maxVarintBytes = 5
)

var v5Defaults = formatDefaults{
	kdf:        KDFLegacy,
	iterations: 16,
	desired:    500 * time.Millisecond,
}

var v4Defaults = formatDefaults{
	creator:    "EncFS 1.0",
	subVersion: 0,
	kdf:        KDFLegacy,
	iterations: 16,
	desired:    500 * time.Millisecond,
}

// legacyCiphers maps the provider-qualified names early volumes recorded.
var legacyCiphers = map[string]CipherID{
	"ssl/aes":      {Cipher: "AES", Mode: "CFB"},
	"ssl/blowfish": {Cipher: "Blowfish", Mode: "CFB"},
}

// legacyCipherID converts a persisted V4-V6 cipher name. Unmapped names are
// kept verbatim so the registry lookup reports them as unknown.
func legacyCipherID(name string, major, minor int) CipherID {
	id, ok := legacyCiphers[name]
	if !ok {
		id = CipherID{Cipher: name}
	}
	id.Major = major
	id.Minor = minor
	return id
}

// splitKeyData separates the leading checksum from the wrapped key bytes.
func splitKeyData(raw *rawConfig, keyData []byte) error {
	if len(keyData) <= KeyChecksumSize {
		return fmt.Errorf("key data is %d bytes, too short to hold a wrapped key", len(keyData))
	}
	raw.checksum = some(append([]byte(nil), keyData[:KeyChecksumSize]...))
	raw.ciphertext = some(append([]byte(nil), keyData[KeyChecksumSize:]...))
	return nil
}

type recordReader struct {
	b []byte
}

func (r *recordReader) done() bool { return len(r.b) == 0 }

func (r *recordReader) varint() (int, error) {
	var v int64
	for i := 0; i < maxVarintBytes; i++ {
		if len(r.b) == 0 {
			return 0, fmt.Errorf("truncated varint")
		}
		c := r.b[0]
		r.b = r.b[1:]
		v = v<<7 | int64(c&0x7f)
		if c&0x80 == 0 {
			if v > math.MaxInt32 {
				return 0, fmt.Errorf("varint %d out of range", v)
			}
			return int(v), nil
		}
	}
	return 0, fmt.Errorf("varint longer than %d bytes", maxVarintBytes)
}

func (r *recordReader) bytes() ([]byte, error) {
	n, err := r.varint()
	if err != nil {
		return nil, err
	}
	if n > len(r.b) {
		return nil, fmt.Errorf("string of %d bytes exceeds remaining %d", n, len(r.b))
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v, nil
}

// readRecords parses the outer record list. It fails unless the whole blob
// is consumed and every key is non-empty and unique.
func readRecords(data []byte) (map[string][]byte, error) {
	r := &recordReader{b: data}
	count, err := r.varint()
	if err != nil {
		return nil, err
	}
	if count == 0 || count > len(data) {
		return nil, fmt.Errorf("implausible record count %d", count)
	}
	records := make(map[string][]byte, count)
	for i := 0; i < count; i++ {
		key, err := r.bytes()
		if err != nil {
			return nil, err
		}
		if len(key) == 0 {
			return nil, fmt.Errorf("record %d has an empty key", i)
		}
		value, err := r.bytes()
		if err != nil {
			return nil, err
		}
		if _, dup := records[string(key)]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		records[string(key)] = value
	}
	if !r.done() {
		return nil, fmt.Errorf("%d trailing bytes", len(r.b))
	}
	return records, nil
}

// legacyRecords gives typed access to the record values, collecting the
// first decoding error.
type legacyRecords struct {
	m   map[string][]byte
	err error
}

func (l *legacyRecords) value(key string, fn func(r *recordReader) error) bool {
	v, ok := l.m[key]
	if !ok || l.err != nil {
		return false
	}
	r := &recordReader{b: v}
	if err := fn(r); err != nil {
		l.err = fmt.Errorf("%s: %w", key, err)
		return false
	}
	if !r.done() {
		l.err = fmt.Errorf("%s: %d trailing bytes in value", key, len(r.b))
		return false
	}
	return true
}

func (l *legacyRecords) readInt(key string, dst *optional[int]) {
	var n int
	if l.value(key, func(r *recordReader) (err error) {
		n, err = r.varint()
		return err
	}) {
		*dst = some(n)
	}
}

func (l *legacyRecords) readBool(key string, dst *optional[bool]) {
	var n optional[int]
	l.readInt(key, &n)
	if n.ok {
		*dst = some(n.v != 0)
	}
}

func (l *legacyRecords) readString(key string, dst *optional[string]) {
	var s []byte
	if l.value(key, func(r *recordReader) (err error) {
		s, err = r.bytes()
		return err
	}) {
		*dst = some(string(s))
	}
}

func (l *legacyRecords) readKeyData(key string, raw *rawConfig) {
	var data optional[string]
	l.readString(key, &data)
	if data.ok && l.err == nil {
		l.err = splitKeyData(raw, []byte(data.v))
	}
}

// readInterface reads an interface id: name, current, revision and age. Age is
// read and dropped.
func (l *legacyRecords) readInterface(key string, dst *optional[CipherID]) {
	var id CipherID
	if l.value(key, func(r *recordReader) error {
		name, err := r.bytes()
		if err != nil {
			return err
		}
		var nums [3]int
		for i := range nums {
			if nums[i], err = r.varint(); err != nil {
				return err
			}
		}
		id = legacyCipherID(string(name), nums[0], nums[1])
		return nil
	}) {
		*dst = some(id)
	}
}

func legacyFraming(data []byte, marker string) (*legacyRecords, error) {
	m, err := readRecords(data)
	if err != nil {
		return nil, errFormatMismatch
	}
	if _, ok := m[marker]; !ok {
		return nil, errFormatMismatch
	}
	return &legacyRecords{m: m}, nil
}

func decodeV5(data []byte) (*rawConfig, error) {
	l, err := legacyFraming(data, v5MarkerKey)
	if err != nil {
		return nil, err
	}
	raw := &rawConfig{}
	l.readString("creator", &raw.creator)
	l.readInt("subVersion", &raw.subVersion)
	l.readInterface("cipher", &raw.cipher)
	l.readInt("keySize", &raw.keySize)
	l.readInt("blockSize", &raw.blockSize)
	l.readKeyData("keyData", raw)
	l.readBool("uniqueIV", &raw.uniqueIV)
	l.readBool("chainedIV", &raw.chainedNameIV)
	l.readBool("externalIV", &raw.externalIVChaining)
	l.readInt("blockMACBytes", &raw.blockMACBytes)
	l.readInt("blockMACRandBytes", &raw.blockMACRandBytes)
	if l.err != nil {
		return nil, l.err
	}
	if raw.subVersion.v < v5MinSubVersion {
		return nil, fmt.Errorf("sub-version %d predates %d", raw.subVersion.v, v5MinSubVersion)
	}
	return raw, nil
}

func decodeV4(data []byte) (*rawConfig, error) {
	l, err := legacyFraming(data, v4MarkerKey)
	if err != nil {
		return nil, err
	}
	raw := &rawConfig{}
	l.readInterface("cipher", &raw.cipher)
	l.readInt("keySize", &raw.keySize)
	l.readInt("blockSize", &raw.blockSize)
	l.readKeyData("keyData", raw)
	if l.err != nil {
		return nil, l.err
	}
	return raw, nil
}
