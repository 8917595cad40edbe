package encfs

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ReadConfig reads and decodes the configuration of the volume at rootDir
// without unwrapping its key.
func ReadConfig(storage Storage, rootDir string) (*Configuration, error) {
	if storage == nil {
		return nil, &ValidationError{Field: "Storage", Message: "storage cannot be nil"}
	}
	if err := ValidateFilePath(rootDir); err != nil {
		return nil, err
	}
	p := ConfigPath(rootDir)
	data, err := storage.ReadAll(p)
	if err != nil {
		return nil, wrapError(KindIOFailure, "info", p, err)
	}
	cfg, err := DecodeConfig(data)
	if err != nil {
		return nil, withPath(err, "info", p)
	}
	return cfg, nil
}

// Describe renders a human-readable summary of a configuration.
func Describe(cfg *Configuration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Configuration format %s", cfg.Format)
	if cfg.Creator != "" {
		fmt.Fprintf(&b, ", created by %q", cfg.Creator)
	}
	fmt.Fprintf(&b, " (revision %d)\n", cfg.SubVersion)
	if cfg.VolumeID != uuid.Nil {
		fmt.Fprintf(&b, "Volume ID: %s\n", cfg.VolumeID)
	}

	fmt.Fprintf(&b, "Filesystem cipher: %q, version %d:%d\n", cfg.Cipher.Cipher+"/"+cfg.Cipher.Mode, cfg.Cipher.Major, cfg.Cipher.Minor)

	k := cfg.Key
	fmt.Fprintf(&b, "Key Size: %d bits", cfg.KeySize)
	switch k.KDF {
	case KDFLegacy:
		fmt.Fprintf(&b, ", legacy key derivation, %d iterations\n", k.Iterations)
	case KDFArgon2id:
		fmt.Fprintf(&b, ", using Argon2id with %d byte salt, time cost %d, %d KiB, %d lanes\n",
			len(k.Salt), k.Iterations, k.MemoryKiB, k.Parallelism)
	default:
		fmt.Fprintf(&b, ", using PBKDF2 with %d byte salt, %d iterations\n", len(k.Salt), k.Iterations)
	}
	if k.DesiredDuration > 0 {
		fmt.Fprintf(&b, "Key derivation tuned for %s\n", k.DesiredDuration)
	}

	fmt.Fprintf(&b, "Block Size: %d bytes", cfg.BlockSize)
	if cfg.BlockMACBytes > 0 {
		fmt.Fprintf(&b, ", including %d byte MAC header", cfg.BlockMACBytes+cfg.BlockMACRandBytes)
	}
	b.WriteString("\n")

	if cfg.UniqueIV {
		b.WriteString("Each file contains 8 byte header with unique IV data.\n")
	}
	if cfg.ChainedNameIV {
		b.WriteString("Filenames encoded using IV chaining mode.\n")
	}
	if cfg.ExternalIVChaining {
		b.WriteString("File data IV is chained to filename IV.\n")
	}
	if cfg.AllowHoles {
		b.WriteString("File holes passed through to ciphertext.\n")
	}
	return b.String()
}
