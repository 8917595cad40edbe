package encfs

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"

	"github.com/awnumar/memguard"
)

var wrapIVLabel = []byte("wrap-iv")

// WrapVolumeKey encrypts the key held by volume under a key derived from
// passphrase. The key-encrypting cipher has the same algorithm and key size
// as the volume cipher.
func WrapVolumeKey(reg *Registry, volume StreamCipher, passphrase []byte, params KDFParams) (WrappedKey, error) {
	return wrapVolumeKey(reg, volume, passphrase, params, rand.Reader, nil)
}

func wrapVolumeKey(reg *Registry, volume StreamCipher, passphrase []byte, params KDFParams, random io.Reader, logger *slog.Logger) (WrappedKey, error) {
	if err := params.Validate(); err != nil {
		return WrappedKey{}, err
	}
	if volume.KeyBytes() == nil {
		return WrappedKey{}, newError(KindNotKeyed, "wrap", "", "volume cipher has no key")
	}
	params = params.withDefaults()

	wk := WrappedKey{
		KDF:         params.Algorithm,
		Iterations:  params.Iterations,
		MemoryKiB:   params.MemoryKiB,
		Parallelism: params.Parallelism,
	}
	if wk.Iterations == 0 {
		wk.Iterations = CalibrateKDF(params, volume.KeySize(), logger)
		wk.DesiredDuration = calibrateTarget
	}
	if wk.KDF != KDFLegacy {
		wk.Salt = make([]byte, SaltSize)
		if _, err := io.ReadFull(random, wk.Salt); err != nil {
			return WrappedKey{}, wrapError(KindRandomSource, "wrap", "", err)
		}
	}

	material, err := wk.deriveMaterial(passphrase, volume.KeySize()+macKeySize)
	if err != nil {
		return WrappedKey{}, &Error{Kind: KindUnknown, Op: "wrap", Err: err}
	}
	defer memguard.WipeBytes(material)

	wk.Ciphertext, wk.Checksum, err = sealVolumeKey(reg, volume, material)
	if err != nil {
		return WrappedKey{}, err
	}
	return wk, nil
}

// sealVolumeKey encrypts the volume key with material, which holds the KEK
// bytes followed by the MAC key.
func sealVolumeKey(reg *Registry, volume StreamCipher, material []byte) (ciphertext, checksum []byte, err error) {
	keyLen := volume.KeySize()
	kek, err := reg.Instantiate(volume.Properties(), keyLen*8)
	if err != nil {
		return nil, nil, err
	}
	defer kek.Destroy()
	if err := kek.SetKey(material[:keyLen]); err != nil {
		return nil, nil, err
	}
	macKey := material[keyLen:]

	key := volume.KeyBytes()
	checksum = keyChecksum(macKey, key)
	iv := wrapIV(macKey, checksum, kek.IVSize())
	defer memguard.WipeBytes(iv)

	ciphertext = make([]byte, len(key))
	if err := kek.Encrypt(iv, key, ciphertext); err != nil {
		return nil, nil, err
	}
	return ciphertext, checksum, nil
}

// UnwrapVolumeKey recovers the volume key recorded in wk and returns a keyed
// cipher. A wrong passphrase and a damaged record fail identically with
// KindBadPassphrase.
func UnwrapVolumeKey(reg *Registry, props CipherProperties, keyBits int, wk WrappedKey, passphrase []byte) (StreamCipher, error) {
	if !props.KeySize.Allowed(keyBits) {
		return nil, newError(KindInvalidKeySize, "unwrap", "",
			fmt.Sprintf("%d bits outside %s for %s/%s", keyBits, props.KeySize, props.Cipher, props.Mode))
	}
	material, err := wk.deriveMaterial(passphrase, keyBits/8+macKeySize)
	if err != nil {
		return nil, wrapError(KindCorruptConfig, "unwrap", "", err)
	}
	defer memguard.WipeBytes(material)
	return openVolumeKey(reg, props, keyBits, wk, material)
}

func openVolumeKey(reg *Registry, props CipherProperties, keyBits int, wk WrappedKey, material []byte) (StreamCipher, error) {
	volume, err := reg.Instantiate(props, keyBits)
	if err != nil {
		return nil, err
	}
	keyLen := volume.KeySize()
	if len(wk.Ciphertext) != keyLen || len(wk.Checksum) != KeyChecksumSize || len(material) != keyLen+macKeySize {
		volume.Destroy()
		return nil, badPassphrase("unwrap", "")
	}

	kek, err := reg.Instantiate(props, keyBits)
	if err != nil {
		volume.Destroy()
		return nil, err
	}
	defer kek.Destroy()
	if err := kek.SetKey(material[:keyLen]); err != nil {
		volume.Destroy()
		return nil, err
	}
	macKey := material[keyLen:]

	iv := wrapIV(macKey, wk.Checksum, kek.IVSize())
	defer memguard.WipeBytes(iv)
	plain := make([]byte, keyLen)
	defer memguard.WipeBytes(plain)
	if err := kek.Decrypt(iv, wk.Ciphertext, plain); err != nil {
		volume.Destroy()
		return nil, err
	}

	if subtle.ConstantTimeCompare(keyChecksum(macKey, plain), wk.Checksum) != 1 {
		volume.Destroy()
		return nil, badPassphrase("unwrap", "")
	}
	if err := volume.SetKey(plain); err != nil {
		volume.Destroy()
		return nil, err
	}
	return volume, nil
}

// keyChecksum is the truncated HMAC-SHA256 of the volume key.
func keyChecksum(macKey, key []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(key)
	return mac.Sum(nil)[:KeyChecksumSize]
}

// wrapIV binds the wrap IV to the checksum so neither can be swapped alone.
func wrapIV(macKey, checksum []byte, n int) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(wrapIVLabel)
	mac.Write(checksum)
	return mac.Sum(nil)[:n]
}
