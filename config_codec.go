package encfs

import (
	"errors"
)

// ConfigFileName is the configuration blob's path relative to the volume root.
const ConfigFileName = ".encfs7"

// errFormatMismatch is returned by a decoder whose framing does not match.
// It is the only error that lets DecodeConfig try the next decoder.
var errFormatMismatch = errors.New("format mismatch")

// configDecoder turns a blob into raw fields. It either rejects the framing
// with errFormatMismatch or owns the blob from then on.
type configDecoder struct {
	tag      FormatTag
	decode   func(data []byte) (*rawConfig, error)
	defaults formatDefaults
}

// decoders lists every supported format, newest first.
var decoders = []configDecoder{
	{FormatV7, decodeV7, v7Defaults},
	{FormatV6, decodeV6, v6Defaults},
	{FormatV5, decodeV5, v5Defaults},
	{FormatV4, decodeV4, v4Defaults},
}

// DecodeConfig decodes a configuration blob of any supported format.
func DecodeConfig(data []byte) (*Configuration, error) {
	for _, d := range decoders {
		raw, err := d.decode(data)
		if errors.Is(err, errFormatMismatch) {
			continue
		}
		if err != nil {
			return nil, &Error{Kind: KindCorruptConfig, Op: "decode", Message: d.tag.String(), Err: err}
		}
		return resolve(d.tag, raw, d.defaults)
	}
	return nil, newError(KindUnreadableConfig, "decode", "", "no supported configuration format matched")
}

// DetectFormat reports which decoder accepts the blob's framing, without
// validating the contents.
func DetectFormat(data []byte) FormatTag {
	for _, d := range decoders {
		if _, err := d.decode(data); !errors.Is(err, errFormatMismatch) {
			return d.tag
		}
	}
	return FormatUnknown
}

// EncodeConfig serializes cfg in the newest format.
func EncodeConfig(cfg *Configuration) ([]byte, error) {
	if cfg == nil {
		return nil, &ValidationError{Field: "config", Message: "config cannot be nil"}
	}
	return encodeV7(cfg)
}
