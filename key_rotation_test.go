package encfs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestChangePassphrase(t *testing.T) {
	opts := testOptions(t)
	root, err := Create(opts)
	if err != nil {
		t.Fatal(err)
	}
	key := bytes.Clone(root.VolumeKey())
	oldCfg := root.Config()
	root.Close()

	cfg, err := ChangePassphrase(opts, PassphraseChangeOptions{
		NewPassphrase: StaticPassphrase("battery staple"),
	})
	if err != nil {
		t.Fatalf("ChangePassphrase failed: %v", err)
	}
	if cfg.VolumeID != oldCfg.VolumeID {
		t.Error("volume ID should survive a passphrase change")
	}
	if bytes.Equal(cfg.Key.Salt, oldCfg.Key.Salt) {
		t.Error("re-wrapping should draw a fresh salt")
	}

	if _, err := Open(opts); !IsBadPassphrase(err) {
		t.Errorf("old passphrase error = %v, want bad passphrase", err)
	}

	opts.Passphrase = StaticPassphrase("battery staple")
	reopened, err := Open(opts)
	if err != nil {
		t.Fatalf("Open with new passphrase failed: %v", err)
	}
	defer reopened.Close()
	if !bytes.Equal(reopened.VolumeKey(), key) {
		t.Error("the volume key must not change")
	}
}

func TestChangePassphrase_DryRun(t *testing.T) {
	opts := testOptions(t)
	root, err := Create(opts)
	if err != nil {
		t.Fatal(err)
	}
	root.Close()
	before, _ := opts.Storage.ReadAll(ConfigPath("/vol"))

	cfg, err := ChangePassphrase(opts, PassphraseChangeOptions{
		NewPassphrase: StaticPassphrase("battery staple"),
		DryRun:        true,
	})
	if err != nil {
		t.Fatalf("ChangePassphrase failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("dry run should still return the new configuration")
	}
	after, _ := opts.Storage.ReadAll(ConfigPath("/vol"))
	if !bytes.Equal(before, after) {
		t.Error("dry run must not rewrite the configuration")
	}
}

func TestChangePassphrase_UpgradesLegacy(t *testing.T) {
	wk, key := wrapForTest(t, AESCFB, 192, KDFParams{Algorithm: KDFLegacy, Iterations: 16})
	blob := legacyBlob(
		legacyRecord{"subVersion", legacyVarint(20040813)},
		legacyRecord{"cipher", legacyInterface("ssl/aes", 3, 0, 2)},
		legacyRecord{"keySize", legacyVarint(192)},
		legacyRecord{"blockSize", legacyVarint(1024)},
		legacyRecord{"keyData", legacyString(keyData(wk))},
	)
	opts := testOptions(t)
	if err := opts.Storage.MkdirAll("/vol"); err != nil {
		t.Fatal(err)
	}
	if err := opts.Storage.WriteAll(ConfigPath("/vol"), blob); err != nil {
		t.Fatal(err)
	}

	cfg, err := ChangePassphrase(opts, PassphraseChangeOptions{NewPassphrase: StaticPassphrase(testPassphrase)})
	if err != nil {
		t.Fatalf("ChangePassphrase failed: %v", err)
	}
	if cfg.Format != FormatV7 || cfg.Key.KDF != KDFPBKDF2 {
		t.Errorf("upgraded record = %v/%v, want v7/pbkdf2", cfg.Format, cfg.Key.KDF)
	}
	if cfg.VolumeID == uuid.Nil {
		t.Error("upgrade should assign a volume ID")
	}

	data, _ := opts.Storage.ReadAll(ConfigPath("/vol"))
	if DetectFormat(data) != FormatV7 {
		t.Errorf("rewritten format = %v", DetectFormat(data))
	}
	root, err := Open(opts)
	if err != nil {
		t.Fatalf("Open after upgrade failed: %v", err)
	}
	defer root.Close()
	if !bytes.Equal(root.VolumeKey(), key) {
		t.Error("the volume key must not change")
	}
}

func TestChangePassphrase_Errors(t *testing.T) {
	opts := testOptions(t)
	root, err := Create(opts)
	if err != nil {
		t.Fatal(err)
	}
	root.Close()

	t.Run("nil source", func(t *testing.T) {
		if _, err := ChangePassphrase(opts, PassphraseChangeOptions{}); !IsValidationError(err) {
			t.Errorf("error = %v, want validation error", err)
		}
	})

	t.Run("wrong old passphrase", func(t *testing.T) {
		o := opts
		o.Passphrase = StaticPassphrase("nope")
		_, err := ChangePassphrase(o, PassphraseChangeOptions{NewPassphrase: StaticPassphrase("x")})
		if !IsBadPassphrase(err) {
			t.Errorf("error = %v, want bad passphrase", err)
		}
	})

	t.Run("empty new passphrase", func(t *testing.T) {
		_, err := ChangePassphrase(opts, PassphraseChangeOptions{NewPassphrase: StaticPassphrase("")})
		if !IsValidationError(err) {
			t.Errorf("error = %v, want validation error", err)
		}
	})

	t.Run("new source cancelled", func(t *testing.T) {
		_, err := ChangePassphrase(opts, PassphraseChangeOptions{NewPassphrase: EnvPassphrase{Name: "ENCFS_TEST_NEVER_SET"}})
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("error = %v, want cancelled", err)
		}
	})

	t.Run("explicit kdf", func(t *testing.T) {
		cfg, err := ChangePassphrase(opts, PassphraseChangeOptions{
			NewPassphrase: StaticPassphrase(testPassphrase),
			KDF:           &KDFParams{Algorithm: KDFArgon2id, Iterations: 1, MemoryKiB: 1024, Parallelism: 1},
			DryRun:        true,
		})
		if err != nil {
			t.Fatalf("ChangePassphrase failed: %v", err)
		}
		if cfg.Key.KDF != KDFArgon2id || cfg.Key.MemoryKiB != 1024 {
			t.Errorf("KDF = %v %d KiB", cfg.Key.KDF, cfg.Key.MemoryKiB)
		}
	})
}

func TestRekeyParams(t *testing.T) {
	tests := []struct {
		name string
		old  WrappedKey
		want KDFParams
	}{
		{"legacy upgrades", WrappedKey{KDF: KDFLegacy}, KDFParams{Algorithm: KDFPBKDF2, Iterations: 7}},
		{"pbkdf2 kept", WrappedKey{KDF: KDFPBKDF2}, KDFParams{Algorithm: KDFPBKDF2, Iterations: 7}},
		{"argon2id keeps cost", WrappedKey{KDF: KDFArgon2id, MemoryKiB: 2048, Parallelism: 2},
			KDFParams{Algorithm: KDFArgon2id, Iterations: 7, MemoryKiB: 2048, Parallelism: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rekeyParams(tt.old, 7); got != tt.want {
				t.Errorf("rekeyParams = %+v, want %+v", got, tt.want)
			}
		})
	}
}
