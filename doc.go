// Package encfs bootstraps volumes of an encrypted overlay filesystem: it
// resolves the volume cipher, reads and writes the versioned volume
// configuration, and unwraps the volume key under a user passphrase.
//
// # Overview
//
// A volume is a directory in some Storage holding one configuration blob,
// ConfigFileName. Create writes a fresh configuration with a random volume
// key; Open reads it back, decodes it in whichever historical format it was
// written, and unwraps the key. Both return a *Root, the keyed cipher plus
// the root handle that the file content layer works from.
//
// # Basic Usage
//
//	base, _ := memfs.NewFS()
//	storage, _ := encfs.NewStorage(base)
//
//	opts := encfs.DefaultOptions()
//	opts.RootDir = "/crypt"
//	opts.Storage = storage
//	opts.Passphrase = encfs.StaticPassphrase("correct horse")
//	opts.ConfigMode = encfs.ConfigStandard
//	opts.Confirmer = encfs.ConfirmFunc(func(string) bool { return true })
//
//	root, err := encfs.Init(opts)
//	if err != nil {
//	    panic(err)
//	}
//	defer root.Close()
//
// # Ciphers
//
// Ciphers are looked up by name and mode in a Registry. The default registry
// holds:
//   - AES/CFB: 128, 192 or 256 bit keys
//   - Blowfish/CFB: 128 to 256 bit keys in 32 bit steps
//   - ChaCha20/Stream: 256 bit keys
//
// Additional ciphers may be registered before the first lookup. The first
// lookup freezes the registry.
//
// # Configuration Formats
//
// Four formats are read, newest first:
//   - V7: a framed protobuf message with a CRC-32 (the only format written)
//   - V6: the XML document of later EncFS releases
//   - V5 and V4: binary key/value records
//
// A decoder that recognizes the framing owns the blob. A malformed blob it
// recognized fails with KindCorruptConfig; a blob no decoder recognizes fails
// with KindUnreadableConfig.
//
// # Key Wrapping
//
// The passphrase is stretched with PBKDF2-HMAC-SHA1, Argon2id or, for old
// volumes, an unsalted iterated SHA-1 derivation. Iteration counts are
// calibrated to roughly a quarter second. The derived bytes key a cipher of
// the volume's algorithm and an HMAC-SHA256 checksum over the volume key. A
// wrong passphrase and a damaged key record both fail with KindBadPassphrase.
//
// # Security Considerations
//
// Key material is held in memguard locked buffers and working buffers are
// wiped on every path. The content and filename layers, and any mounting,
// are outside this package.
package encfs
