package encfs

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sub-versions at which V6 configurations gained fields.
const (
	v6AllowHolesSubVersion = 20080813
	v6SaltSubVersion       = 20080816
	v6SubVersionElement    = 20 // cfg version attribute from which <version> is written
)

// v6Defaults fill fields that older V6 sub-versions did not write.
var v6Defaults = formatDefaults{
	kdf:        KDFLegacy,
	iterations: 16,
	desired:    500 * time.Millisecond,
	allowHoles: false,
}

var (
	utf8BOM    = []byte("\xef\xbb\xbf")
	v6Prefixes = [][]byte{
		[]byte("<?xml"),
		[]byte("<!DOCTYPE boost_serialization"),
		[]byte("<boost_serialization"),
	}
)

type v6Document struct {
	XMLName xml.Name `xml:"boost_serialization"`
	Cfg     *v6Cfg   `xml:"cfg"`
}

type v6Interface struct {
	Name  *string `xml:"name"`
	Major *string `xml:"major"`
	Minor *string `xml:"minor"`
}

type v6Cfg struct {
	Version            string       `xml:"version,attr"`
	SubVersion         *string      `xml:"version"`
	Creator            *string      `xml:"creator"`
	CipherAlg          *v6Interface `xml:"cipherAlg"`
	NameAlg            *v6Interface `xml:"nameAlg"`
	KeySize            *string      `xml:"keySize"`
	BlockSize          *string      `xml:"blockSize"`
	UniqueIV           *string      `xml:"uniqueIV"`
	ChainedNameIV      *string      `xml:"chainedNameIV"`
	ExternalIVChaining *string      `xml:"externalIVChaining"`
	BlockMACBytes      *string      `xml:"blockMACBytes"`
	BlockMACRandBytes  *string      `xml:"blockMACRandBytes"`
	AllowHoles         *string      `xml:"allowHoles"`
	EncodedKeySize     *string      `xml:"encodedKeySize"`
	EncodedKeyData     *string      `xml:"encodedKeyData"`
	SaltLen            *string      `xml:"saltLen"`
	SaltData           *string      `xml:"saltData"`
	KDFIterations      *string      `xml:"kdfIterations"`
	DesiredKDFDuration *string      `xml:"desiredKDFDuration"`
}

func looksLikeV6(data []byte) bool {
	data = bytes.TrimPrefix(data, utf8BOM)
	data = bytes.TrimLeft(data, " \t\r\n")
	for _, p := range v6Prefixes {
		if bytes.HasPrefix(data, p) {
			return true
		}
	}
	return false
}

func decodeV6(data []byte) (*rawConfig, error) {
	if !looksLikeV6(data) {
		return nil, errFormatMismatch
	}

	var doc v6Document
	if err := xml.Unmarshal(bytes.TrimPrefix(data, utf8BOM), &doc); err != nil {
		return nil, fmt.Errorf("xml: %w", err)
	}
	c := doc.Cfg
	if c == nil {
		return nil, fmt.Errorf("missing <cfg> element")
	}

	version, err := strconv.Atoi(strings.TrimSpace(c.Version))
	if err != nil {
		return nil, fmt.Errorf("cfg version attribute %q: %w", c.Version, err)
	}

	raw := &rawConfig{}
	subVersion := version
	if version >= v6SubVersionElement {
		if subVersion, err = requiredInt("version", c.SubVersion); err != nil {
			return nil, err
		}
	}
	raw.subVersion = some(subVersion)
	if c.Creator != nil {
		raw.creator = some(strings.TrimSpace(*c.Creator))
	}

	if c.CipherAlg == nil || c.CipherAlg.Name == nil {
		return nil, fmt.Errorf("missing <cipherAlg>")
	}
	major, err := requiredInt("cipherAlg/major", c.CipherAlg.Major)
	if err != nil {
		return nil, err
	}
	minor, err := requiredInt("cipherAlg/minor", c.CipherAlg.Minor)
	if err != nil {
		return nil, err
	}
	raw.cipher = some(legacyCipherID(strings.TrimSpace(*c.CipherAlg.Name), major, minor))

	ints := []struct {
		name string
		src  *string
		dst  *optional[int]
	}{
		{"keySize", c.KeySize, &raw.keySize},
		{"blockSize", c.BlockSize, &raw.blockSize},
		{"blockMACBytes", c.BlockMACBytes, &raw.blockMACBytes},
		{"blockMACRandBytes", c.BlockMACRandBytes, &raw.blockMACRandBytes},
	}
	for _, f := range ints {
		v, err := requiredInt(f.name, f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = some(v)
	}

	bools := []struct {
		name string
		src  *string
		dst  *optional[bool]
	}{
		{"uniqueIV", c.UniqueIV, &raw.uniqueIV},
		{"chainedNameIV", c.ChainedNameIV, &raw.chainedNameIV},
		{"externalIVChaining", c.ExternalIVChaining, &raw.externalIVChaining},
	}
	if subVersion >= v6AllowHolesSubVersion {
		bools = append(bools, struct {
			name string
			src  *string
			dst  *optional[bool]
		}{"allowHoles", c.AllowHoles, &raw.allowHoles})
	}
	for _, f := range bools {
		v, err := requiredInt(f.name, f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = some(v != 0)
	}

	keyData, err := sizedBase64("encodedKeySize", "encodedKeyData", c.EncodedKeySize, c.EncodedKeyData)
	if err != nil {
		return nil, err
	}
	if err := splitKeyData(raw, keyData); err != nil {
		return nil, err
	}

	if subVersion >= v6SaltSubVersion {
		salt, err := sizedBase64("saltLen", "saltData", c.SaltLen, c.SaltData)
		if err != nil {
			return nil, err
		}
		iterations, err := requiredInt("kdfIterations", c.KDFIterations)
		if err != nil {
			return nil, err
		}
		desired, err := requiredInt("desiredKDFDuration", c.DesiredKDFDuration)
		if err != nil {
			return nil, err
		}
		// Without a salt the key is derived the legacy way at the legacy count.
		if len(salt) > 0 {
			raw.kdf = some(KDFPBKDF2)
			raw.salt = some(salt)
			raw.iterations = some(iterations)
		}
		raw.desired = some(time.Duration(desired) * time.Millisecond)
	}
	return raw, nil
}

func requiredInt(name string, v *string) (int, error) {
	if v == nil {
		return 0, fmt.Errorf("missing <%s>", name)
	}
	n, err := strconv.Atoi(strings.TrimSpace(*v))
	if err != nil {
		return 0, fmt.Errorf("<%s>: %w", name, err)
	}
	return n, nil
}

// sizedBase64 decodes a base64 element whose decoded length is recorded in a
// sibling size element.
func sizedBase64(sizeName, dataName string, size, data *string) ([]byte, error) {
	n, err := requiredInt(sizeName, size)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("<%s> is negative", sizeName)
	}
	if n == 0 {
		return nil, nil
	}
	if data == nil {
		return nil, fmt.Errorf("missing <%s>", dataName)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(*data), ""))
	if err != nil {
		return nil, fmt.Errorf("<%s>: %w", dataName, err)
	}
	if len(decoded) != n {
		return nil, fmt.Errorf("<%s> holds %d bytes, <%s> says %d", dataName, len(decoded), sizeName, n)
	}
	return decoded, nil
}
