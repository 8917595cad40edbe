package encfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// configMagic identifies a V7 configuration (ASCII: "EFS7" little endian)
	configMagic = uint32(0x37534645)

	// configFrameVersion is the current V7 frame layout
	configFrameVersion = uint8(1)

	// configHeaderSize is 4 bytes (magic) + 1 byte (version) + 4 bytes (payload size)
	configHeaderSize = 9
)

// configFrame wraps the V7 protobuf payload with a magic, a version and a
// CRC-32 of the payload.
type configFrame struct {
	Magic       uint32
	Version     uint8
	PayloadSize uint32
	Payload     []byte
	Checksum    uint32
}

func newConfigFrame(payload []byte) *configFrame {
	return &configFrame{
		Magic:       configMagic,
		Version:     configFrameVersion,
		PayloadSize: uint32(len(payload)),
		Payload:     payload,
		Checksum:    crc32.ChecksumIEEE(payload),
	}
}

// WriteTo writes the frame to the given writer
func (f *configFrame) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)
	buf.Grow(configHeaderSize + len(f.Payload) + 4)

	if err := binary.Write(buf, binary.LittleEndian, f.Magic); err != nil {
		return 0, fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, f.Version); err != nil {
		return 0, fmt.Errorf("failed to write version: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, f.PayloadSize); err != nil {
		return 0, fmt.Errorf("failed to write payload size: %w", err)
	}
	buf.Write(f.Payload)
	if err := binary.Write(buf, binary.LittleEndian, f.Checksum); err != nil {
		return 0, fmt.Errorf("failed to write checksum: %w", err)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// readFrom reads the frame from r. limit bounds the payload allocation.
func (f *configFrame) readFrom(r io.Reader, limit int) (int64, error) {
	var totalRead int64

	if err := binary.Read(r, binary.LittleEndian, &f.Magic); err != nil {
		return totalRead, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	totalRead += 4
	if f.Magic != configMagic {
		return totalRead, fmt.Errorf("bad magic %#x", f.Magic)
	}

	if err := binary.Read(r, binary.LittleEndian, &f.Version); err != nil {
		return totalRead, fmt.Errorf("failed to read version: %w", err)
	}
	totalRead++
	if f.Version != configFrameVersion {
		return totalRead, fmt.Errorf("unsupported frame version %d", f.Version)
	}

	if err := binary.Read(r, binary.LittleEndian, &f.PayloadSize); err != nil {
		return totalRead, fmt.Errorf("failed to read payload size: %w", err)
	}
	totalRead += 4
	if int64(f.PayloadSize) > int64(limit) {
		return totalRead, fmt.Errorf("payload size %d exceeds blob", f.PayloadSize)
	}

	f.Payload = make([]byte, f.PayloadSize)
	n, err := io.ReadFull(r, f.Payload)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read payload: %w", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &f.Checksum); err != nil {
		return totalRead, fmt.Errorf("failed to read checksum: %w", err)
	}
	totalRead += 4
	return totalRead, nil
}

// Validate checks the payload against the stored checksum
func (f *configFrame) Validate() error {
	if got := crc32.ChecksumIEEE(f.Payload); got != f.Checksum {
		return fmt.Errorf("payload checksum %#08x does not match stored %#08x", got, f.Checksum)
	}
	return nil
}

// V7 payload field numbers.
const (
	v7Creator            protowire.Number = 1
	v7SubVersion         protowire.Number = 2
	v7Cipher             protowire.Number = 3
	v7KeySize            protowire.Number = 4
	v7BlockSize          protowire.Number = 5
	v7Key                protowire.Number = 6
	v7UniqueIV           protowire.Number = 7
	v7ChainedNameIV      protowire.Number = 8
	v7ExternalIVChaining protowire.Number = 9
	v7BlockMACBytes      protowire.Number = 10
	v7BlockMACRandBytes  protowire.Number = 11
	v7AllowHoles         protowire.Number = 12
	v7VolumeID           protowire.Number = 13

	cipherFieldName  protowire.Number = 1
	cipherFieldMode  protowire.Number = 2
	cipherFieldMajor protowire.Number = 3
	cipherFieldMinor protowire.Number = 4

	keyFieldKDF         protowire.Number = 1
	keyFieldSalt        protowire.Number = 2
	keyFieldIterations  protowire.Number = 3
	keyFieldMemoryKiB   protowire.Number = 4
	keyFieldParallelism protowire.Number = 5
	keyFieldCiphertext  protowire.Number = 6
	keyFieldChecksum    protowire.Number = 7
	keyFieldDesiredMS   protowire.Number = 8
)

// v7Defaults are the proto3 zero values for absent fields.
var v7Defaults = formatDefaults{}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

func encodeV7(cfg *Configuration) ([]byte, error) {
	if err := cfg.check(); err != nil {
		return nil, &ValidationError{Field: "config", Value: cfg.Format, Message: err.Error()}
	}

	var cipherMsg []byte
	cipherMsg = protowire.AppendTag(cipherMsg, cipherFieldName, protowire.BytesType)
	cipherMsg = protowire.AppendString(cipherMsg, cfg.Cipher.Cipher)
	cipherMsg = protowire.AppendTag(cipherMsg, cipherFieldMode, protowire.BytesType)
	cipherMsg = protowire.AppendString(cipherMsg, cfg.Cipher.Mode)
	cipherMsg = appendVarintField(cipherMsg, cipherFieldMajor, uint64(cfg.Cipher.Major))
	cipherMsg = appendVarintField(cipherMsg, cipherFieldMinor, uint64(cfg.Cipher.Minor))

	k := cfg.Key
	var keyMsg []byte
	keyMsg = appendVarintField(keyMsg, keyFieldKDF, uint64(k.KDF))
	if len(k.Salt) > 0 {
		keyMsg = appendBytesField(keyMsg, keyFieldSalt, k.Salt)
	}
	keyMsg = appendVarintField(keyMsg, keyFieldIterations, uint64(k.Iterations))
	if k.MemoryKiB != 0 {
		keyMsg = appendVarintField(keyMsg, keyFieldMemoryKiB, uint64(k.MemoryKiB))
	}
	if k.Parallelism != 0 {
		keyMsg = appendVarintField(keyMsg, keyFieldParallelism, uint64(k.Parallelism))
	}
	keyMsg = appendBytesField(keyMsg, keyFieldCiphertext, k.Ciphertext)
	keyMsg = appendBytesField(keyMsg, keyFieldChecksum, k.Checksum)
	if k.DesiredDuration > 0 {
		keyMsg = appendVarintField(keyMsg, keyFieldDesiredMS, uint64(k.DesiredDuration.Milliseconds()))
	}

	var b []byte
	if cfg.Creator != "" {
		b = protowire.AppendTag(b, v7Creator, protowire.BytesType)
		b = protowire.AppendString(b, cfg.Creator)
	}
	if cfg.SubVersion != 0 {
		b = appendVarintField(b, v7SubVersion, uint64(cfg.SubVersion))
	}
	b = appendBytesField(b, v7Cipher, cipherMsg)
	b = appendVarintField(b, v7KeySize, uint64(cfg.KeySize))
	b = appendVarintField(b, v7BlockSize, uint64(cfg.BlockSize))
	b = appendBytesField(b, v7Key, keyMsg)
	b = appendBoolField(b, v7UniqueIV, cfg.UniqueIV)
	b = appendBoolField(b, v7ChainedNameIV, cfg.ChainedNameIV)
	b = appendBoolField(b, v7ExternalIVChaining, cfg.ExternalIVChaining)
	if cfg.BlockMACBytes != 0 {
		b = appendVarintField(b, v7BlockMACBytes, uint64(cfg.BlockMACBytes))
	}
	if cfg.BlockMACRandBytes != 0 {
		b = appendVarintField(b, v7BlockMACRandBytes, uint64(cfg.BlockMACRandBytes))
	}
	b = appendBoolField(b, v7AllowHoles, cfg.AllowHoles)
	if cfg.VolumeID != uuid.Nil {
		b = appendBytesField(b, v7VolumeID, cfg.VolumeID[:])
	}

	var out bytes.Buffer
	if _, err := newConfigFrame(b).WriteTo(&out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeV7(data []byte) (*rawConfig, error) {
	if len(data) < 4 || binary.LittleEndian.Uint32(data) != configMagic {
		return nil, errFormatMismatch
	}

	r := bytes.NewReader(data)
	frame := &configFrame{}
	if _, err := frame.readFrom(r, len(data)); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after frame", r.Len())
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	raw := &rawConfig{}
	err := walkFields(frame.Payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case v7Creator:
			v, n, err := bytesField(typ, b)
			raw.creator = some(string(v))
			return n, err
		case v7SubVersion:
			return intField(typ, b, &raw.subVersion)
		case v7Cipher:
			v, n, err := bytesField(typ, b)
			if err != nil {
				return n, err
			}
			id, err := decodeV7Cipher(v)
			raw.cipher = some(id)
			return n, err
		case v7KeySize:
			return intField(typ, b, &raw.keySize)
		case v7BlockSize:
			return intField(typ, b, &raw.blockSize)
		case v7Key:
			v, n, err := bytesField(typ, b)
			if err != nil {
				return n, err
			}
			return n, decodeV7Key(v, raw)
		case v7UniqueIV:
			return boolField(typ, b, &raw.uniqueIV)
		case v7ChainedNameIV:
			return boolField(typ, b, &raw.chainedNameIV)
		case v7ExternalIVChaining:
			return boolField(typ, b, &raw.externalIVChaining)
		case v7BlockMACBytes:
			return intField(typ, b, &raw.blockMACBytes)
		case v7BlockMACRandBytes:
			return intField(typ, b, &raw.blockMACRandBytes)
		case v7AllowHoles:
			return boolField(typ, b, &raw.allowHoles)
		case v7VolumeID:
			v, n, err := bytesField(typ, b)
			if err != nil {
				return n, err
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return n, fmt.Errorf("volume id: %w", err)
			}
			raw.volumeID = some(id)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeV7Cipher(b []byte) (CipherID, error) {
	var id CipherID
	var name, mode optional[string]
	var major, minor optional[int]
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case cipherFieldName:
			v, n, err := bytesField(typ, b)
			name = some(string(v))
			return n, err
		case cipherFieldMode:
			v, n, err := bytesField(typ, b)
			mode = some(string(v))
			return n, err
		case cipherFieldMajor:
			return intField(typ, b, &major)
		case cipherFieldMinor:
			return intField(typ, b, &minor)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return id, fmt.Errorf("cipher: %w", err)
	}
	if !name.ok || name.v == "" {
		return id, fmt.Errorf("cipher name is missing")
	}
	id.Cipher = name.v
	id.Mode = mode.or("")
	id.Major = major.or(0)
	id.Minor = minor.or(0)
	return id, nil
}

func decodeV7Key(b []byte, raw *rawConfig) error {
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case keyFieldKDF:
			var v optional[int]
			n, err := intField(typ, b, &v)
			if err == nil {
				raw.kdf = some(KDFAlgorithm(v.v))
			}
			return n, err
		case keyFieldSalt:
			v, n, err := bytesField(typ, b)
			raw.salt = some(v)
			return n, err
		case keyFieldIterations:
			return intField(typ, b, &raw.iterations)
		case keyFieldMemoryKiB:
			var v optional[int]
			n, err := intField(typ, b, &v)
			if err == nil {
				raw.memoryKiB = some(uint32(v.v))
			}
			return n, err
		case keyFieldParallelism:
			var v optional[int]
			n, err := intField(typ, b, &v)
			if err == nil {
				if v.v > math.MaxUint8 {
					return n, fmt.Errorf("parallelism %d out of range", v.v)
				}
				raw.parallelism = some(uint8(v.v))
			}
			return n, err
		case keyFieldCiphertext:
			v, n, err := bytesField(typ, b)
			raw.ciphertext = some(v)
			return n, err
		case keyFieldChecksum:
			v, n, err := bytesField(typ, b)
			raw.checksum = some(v)
			return n, err
		case keyFieldDesiredMS:
			var v optional[int]
			n, err := intField(typ, b, &v)
			if err == nil {
				raw.desired = some(time.Duration(v.v) * time.Millisecond)
			}
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	if !raw.kdf.ok || !raw.iterations.ok {
		return fmt.Errorf("key: KDF parameters are missing")
	}
	return nil
}

// walkFields calls fn for every field in a protobuf message. fn returns the
// number of bytes it consumed after the tag.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func bytesField(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return bytes.Clone(v), n, nil
}

func intField(typ protowire.Type, b []byte, dst *optional[int]) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("value %d out of range", v)
	}
	*dst = some(int(v))
	return n, nil
}

func boolField(typ protowire.Type, b []byte, dst *optional[bool]) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = some(protowire.DecodeBool(v))
	return n, nil
}
