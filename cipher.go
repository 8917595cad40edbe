package encfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/chacha20"
)

// StreamCipher is a keyed, length-preserving transform. Encrypt and Decrypt
// have no side effects beyond the output buffer.
type StreamCipher interface {
	// Properties returns the registration this cipher was built from
	Properties() CipherProperties

	// KeySize returns the key length in bytes
	KeySize() int

	// IVSize returns the required IV length in bytes
	IVSize() int

	// SetKey copies key into protected memory
	SetKey(key []byte) error

	// RandomKey generates a fresh key of the given size in bits
	RandomKey(bits int) error

	// Encrypt transforms len(in) bytes of in into out
	Encrypt(iv, in, out []byte) error

	// Decrypt reverses Encrypt
	Decrypt(iv, in, out []byte) error

	// KeyBytes exposes the raw key, nil when unkeyed. The slice is only
	// valid until Destroy.
	KeyBytes() []byte

	// Destroy wipes the key
	Destroy()
}

// streamFunc builds a cipher.Stream for one message.
type streamFunc func(key, iv []byte, decrypt bool) (cipher.Stream, error)

// streamEngine implements StreamCipher on top of a primitive provider.
type streamEngine struct {
	props     CipherProperties
	keyLen    int
	ivLen     int
	newStream streamFunc
	rand      io.Reader
	key       *memguard.LockedBuffer
}

func newStreamEngine(props CipherProperties, keyBits, ivLen int, fn streamFunc) *streamEngine {
	return &streamEngine{
		props:     props,
		keyLen:    keyBits / 8,
		ivLen:     ivLen,
		newStream: fn,
		rand:      rand.Reader,
	}
}

func (s *streamEngine) Properties() CipherProperties { return s.props }
func (s *streamEngine) KeySize() int                 { return s.keyLen }
func (s *streamEngine) IVSize() int                  { return s.ivLen }

// SetKey copies key into a locked buffer; the caller keeps ownership of key.
func (s *streamEngine) SetKey(key []byte) error {
	if len(key) != s.keyLen {
		return newError(KindKeyLength, "set key", "",
			fmt.Sprintf("%s/%s needs a %d-byte key, got %d bytes", s.props.Cipher, s.props.Mode, s.keyLen, len(key)))
	}
	buf := memguard.NewBuffer(s.keyLen)
	buf.Copy(key)
	s.replaceKey(buf)
	return nil
}

// RandomKey fills a fresh locked buffer from the secure random source.
func (s *streamEngine) RandomKey(bits int) error {
	if bits != s.keyLen*8 {
		return newError(KindKeyLength, "random key", "",
			fmt.Sprintf("%s/%s is instantiated for %d bits, asked for %d", s.props.Cipher, s.props.Mode, s.keyLen*8, bits))
	}
	buf := memguard.NewBuffer(s.keyLen)
	if _, err := io.ReadFull(s.rand, buf.Bytes()); err != nil {
		buf.Destroy()
		return wrapError(KindRandomSource, "random key", "", err)
	}
	s.replaceKey(buf)
	return nil
}

func (s *streamEngine) replaceKey(buf *memguard.LockedBuffer) {
	if s.key != nil {
		s.key.Destroy()
	}
	s.key = buf
}

func (s *streamEngine) keyed() bool {
	return s.key != nil && s.key.IsAlive()
}

func (s *streamEngine) Encrypt(iv, in, out []byte) error {
	return s.transform("encrypt", iv, in, out, false)
}

func (s *streamEngine) Decrypt(iv, in, out []byte) error {
	return s.transform("decrypt", iv, in, out, true)
}

func (s *streamEngine) transform(op string, iv, in, out []byte, decrypt bool) error {
	if !s.keyed() {
		return newError(KindNotKeyed, op, "", s.props.Cipher+"/"+s.props.Mode)
	}
	if len(iv) != s.ivLen {
		return newError(KindKeyLength, op, "", fmt.Sprintf("iv must be %d bytes, got %d", s.ivLen, len(iv)))
	}
	if len(out) < len(in) {
		return newError(KindKeyLength, op, "", fmt.Sprintf("output buffer holds %d bytes, need %d", len(out), len(in)))
	}
	stream, err := s.newStream(s.key.Bytes(), iv, decrypt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	stream.XORKeyStream(out[:len(in)], in)
	return nil
}

func (s *streamEngine) KeyBytes() []byte {
	if !s.keyed() {
		return nil
	}
	return s.key.Bytes()
}

func (s *streamEngine) Destroy() {
	if s.key != nil {
		s.key.Destroy()
		s.key = nil
	}
}

// cfbStream adapts a block cipher constructor to CFB mode.
func cfbStream(newBlock func(key []byte) (cipher.Block, error)) streamFunc {
	return func(key, iv []byte, decrypt bool) (cipher.Stream, error) {
		block, err := newBlock(key)
		if err != nil {
			return nil, err
		}
		if decrypt {
			return cipher.NewCFBDecrypter(block, iv), nil
		}
		return cipher.NewCFBEncrypter(block, iv), nil
	}
}

func chachaStream(key, iv []byte, _ bool) (cipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(key, iv)
}

// Built-in cipher properties. The Cipher and Mode strings are persisted.
var (
	AESCFB = CipherProperties{
		KeySize:  KeySizeRange{Min: 128, Max: 256, Step: 64, Default: 192},
		Cipher:   "AES",
		Mode:     "CFB",
		Provider: "crypto/aes",
		Version:  InterfaceVersion{Major: 3, Minor: 0},
	}
	BlowfishCFB = CipherProperties{
		KeySize:  KeySizeRange{Min: 128, Max: 256, Step: 32, Default: 160},
		Cipher:   "Blowfish",
		Mode:     "CFB",
		Provider: "golang.org/x/crypto/blowfish",
		Version:  InterfaceVersion{Major: 3, Minor: 0},
	}
	ChaCha20Stream = CipherProperties{
		KeySize:  KeySizeRange{Min: 256, Max: 256, Step: 0, Default: 256},
		Cipher:   "ChaCha20",
		Mode:     "Stream",
		Provider: "golang.org/x/crypto/chacha20",
		Version:  InterfaceVersion{Major: 1, Minor: 0},
	}
)

func newAESCFB(props CipherProperties, keyBits int) (StreamCipher, error) {
	return newStreamEngine(props, keyBits, aes.BlockSize, cfbStream(aes.NewCipher)), nil
}

func newBlowfishCFB(props CipherProperties, keyBits int) (StreamCipher, error) {
	newBlock := func(key []byte) (cipher.Block, error) {
		return blowfish.NewCipher(key)
	}
	return newStreamEngine(props, keyBits, blowfish.BlockSize, cfbStream(newBlock)), nil
}

func newChaCha20(props CipherProperties, keyBits int) (StreamCipher, error) {
	return newStreamEngine(props, keyBits, chacha20.NonceSize, chachaStream), nil
}

func registerBuiltins(r *Registry) error {
	builtins := []struct {
		props   CipherProperties
		factory CipherFactory
	}{
		{AESCFB, newAESCFB},
		{BlowfishCFB, newBlowfishCFB},
		{ChaCha20Stream, newChaCha20},
	}
	for _, b := range builtins {
		if err := r.Register(b.props, b.factory); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns an unfrozen registry holding the built-in
// ciphers, for callers that want to add their own before use.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	if err := registerBuiltins(r); err != nil {
		panic(err)
	}
	return r
}
