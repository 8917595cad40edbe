package encfs

import (
	"crypto/rand"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// PassphraseChangeOptions contains options for re-wrapping a volume key
type PassphraseChangeOptions struct {
	// NewPassphrase supplies the replacement passphrase
	NewPassphrase PassphraseSource

	// KDF overrides the derivation parameters. Nil keeps the volume's
	// algorithm, upgrading legacy records to PBKDF2.
	KDF *KDFParams

	// DryRun unwraps and re-wraps without writing the result
	DryRun bool
}

// ChangePassphrase re-wraps the volume key of an existing volume under a new
// passphrase. The old passphrase comes from opts.Passphrase. The volume key
// itself does not change, so file contents stay readable. The configuration
// is rewritten in the newest format.
func ChangePassphrase(opts Options, change PassphraseChangeOptions) (*Configuration, error) {
	if change.NewPassphrase == nil {
		return nil, &ValidationError{Field: "NewPassphrase", Message: "passphrase source cannot be nil"}
	}
	opts.CheckKey = true
	opts.ForceDecode = false
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	b := newBootstrap(&opts, "passwd")
	root, err := b.open()
	if err != nil {
		return nil, err
	}
	defer root.Close()

	params := rekeyParams(root.config.Key, opts.KDFIterations)
	if change.KDF != nil {
		params = *change.KDF
	}

	pass, err := change.NewPassphrase.ReadPassphrase(PromptNew)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(pass)
	if err := ValidatePassphrase(pass); err != nil {
		return nil, err
	}

	wk, err := wrapVolumeKey(b.reg, root.cipher, pass, params, rand.Reader, b.log)
	if err != nil {
		return nil, withPath(err, "passwd", opts.RootDir)
	}

	cfg := root.Config()
	cfg.Key = wk
	cfg.Format = FormatNewest
	if cfg.VolumeID == uuid.Nil {
		cfg.VolumeID = uuid.New()
	}
	data, err := EncodeConfig(cfg)
	if err != nil {
		return nil, err
	}

	if change.DryRun {
		b.log.Info("passphrase change dry run", "kdf", wk.KDF.String(), "iterations", wk.Iterations)
		return cfg, nil
	}
	if err := opts.Storage.WriteAll(b.configPath, data); err != nil {
		return nil, wrapError(KindIOFailure, "passwd", b.configPath, err)
	}
	b.log.Info("passphrase changed", "kdf", wk.KDF.String(), "iterations", wk.Iterations, "from", root.config.Format.String())
	return cfg, nil
}

// rekeyParams keeps the derivation family of an existing record, replacing
// the unsalted legacy derivation with PBKDF2.
func rekeyParams(old WrappedKey, iterations int) KDFParams {
	p := KDFParams{Algorithm: old.KDF, Iterations: iterations}
	switch old.KDF {
	case KDFLegacy:
		p.Algorithm = KDFPBKDF2
	case KDFArgon2id:
		p.MemoryKiB = old.MemoryKiB
		p.Parallelism = old.Parallelism
	}
	return p
}
