package encfs

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

const (
	// CreatorName is recorded in every configuration this package writes
	CreatorName = "EncFS Go 1.0"

	// CurrentSubVersion is the newest configuration revision understood
	CurrentSubVersion = 20100713

	keyCheckProbeSize = 64
)

// State is a bootstrap stage.
type State uint8

const (
	StateNotStarted State = iota
	StateConfigResolved
	StateCipherResolved
	StateKeyUnwrapped
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateConfigResolved:
		return "config-resolved"
	case StateCipherResolved:
		return "cipher-resolved"
	case StateKeyUnwrapped:
		return "key-unwrapped"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// RootDir is the root handle forwarded to the file content layer.
type RootDir struct {
	Path              string
	Storage           Storage
	ReverseEncryption bool
}

// Root is a bootstrapped volume: the keyed cipher, the resolved
// configuration and the root handle. A Root only exists in the Ready state.
// Close wipes the volume key.
type Root struct {
	cipher StreamCipher
	config *Configuration
	dir    RootDir
	forced bool

	closeOnce sync.Once
}

// Cipher returns the keyed volume cipher.
func (r *Root) Cipher() StreamCipher { return r.cipher }

// VolumeKey returns the raw volume key. The slice is wiped by Close.
func (r *Root) VolumeKey() []byte { return r.cipher.KeyBytes() }

// Config returns a copy of the volume configuration, key record included.
func (r *Root) Config() *Configuration {
	c := *r.config
	c.Key.Salt = bytes.Clone(c.Key.Salt)
	c.Key.Ciphertext = bytes.Clone(c.Key.Ciphertext)
	c.Key.Checksum = bytes.Clone(c.Key.Checksum)
	return &c
}

// Dir returns the root handle.
func (r *Root) Dir() RootDir { return r.dir }

// KeyCheckForced reports whether the volume was opened past a failed key
// check because ForceDecode was set.
func (r *Root) KeyCheckForced() bool { return r.forced }

// Close destroys the volume key. It is safe to call more than once.
func (r *Root) Close() error {
	r.closeOnce.Do(r.cipher.Destroy)
	return nil
}

// ConfigPath returns the configuration blob path for a volume root.
func ConfigPath(rootDir string) string {
	return path.Join(rootDir, ConfigFileName)
}

type bootstrap struct {
	opts       *Options
	reg        *Registry
	log        *slog.Logger
	state      State
	configPath string
}

func newBootstrap(opts *Options, op string) *bootstrap {
	return &bootstrap{
		opts:       opts,
		reg:        opts.registry(),
		log:        opts.logger().With("op", op, "root", opts.RootDir),
		configPath: ConfigPath(opts.RootDir),
	}
}

func (b *bootstrap) advance(s State, args ...any) {
	b.state = s
	b.log.Debug("bootstrap state", append([]any{"state", s.String()}, args...)...)
}

func (b *bootstrap) passphrase(kind PromptKind) ([]byte, error) {
	p, err := b.opts.Passphrase.ReadPassphrase(kind)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassphrase(p); err != nil {
		memguard.WipeBytes(p)
		return nil, err
	}
	return p, nil
}

func (b *bootstrap) root(volume StreamCipher, cfg *Configuration) *Root {
	return &Root{
		cipher: volume,
		config: cfg,
		dir: RootDir{
			Path:              b.opts.RootDir,
			Storage:           b.opts.Storage,
			ReverseEncryption: b.opts.ReverseEncryption,
		},
	}
}

// withPath fills in the path of an *Error that lacks one.
func withPath(err error, op, p string) error {
	var e *Error
	if !errors.As(err, &e) || e.Path != "" {
		return err
	}
	c := *e
	c.Op = op
	c.Path = p
	return &c
}

// Create makes a new volume in opts.RootDir and returns it ready for use.
func Create(opts Options) (*Root, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return newBootstrap(&opts, "create").create()
}

func (b *bootstrap) create() (*Root, error) {
	store := b.opts.Storage
	dir := b.opts.RootDir

	isDir, err := store.IsDirectory(dir)
	if err != nil {
		return nil, wrapError(KindIOFailure, "create", dir, err)
	}
	if !isDir {
		exists, err := store.Exists(dir)
		if err != nil {
			return nil, wrapError(KindIOFailure, "create", dir, err)
		}
		if exists {
			return nil, &Error{Kind: KindIOFailure, Op: "create", Path: dir, Message: "not a directory"}
		}
		if b.opts.Confirmer == nil || !b.opts.Confirmer.ConfirmCreate(dir) {
			return nil, newError(KindUserDeclined, "create", dir, "root directory creation was not confirmed")
		}
		if err := store.MkdirAll(dir); err != nil {
			return nil, wrapError(KindIOFailure, "create", dir, err)
		}
		b.log.Info("created root directory")
	}

	exists, err := store.Exists(b.configPath)
	if err != nil {
		return nil, wrapError(KindIOFailure, "create", b.configPath, err)
	}
	if exists && !b.opts.Overwrite {
		return nil, newError(KindAlreadyExists, "create", b.configPath, "volume configuration already present")
	}

	params, err := paramsFor(b.opts, b.reg)
	if err != nil {
		return nil, err
	}
	b.advance(StateConfigResolved, "mode", b.opts.ConfigMode.String())

	props, err := b.reg.Find(params.Cipher, params.Mode)
	if err != nil {
		return nil, withPath(err, "create", dir)
	}
	volume, err := b.reg.Instantiate(props, params.KeySize)
	if err != nil {
		return nil, withPath(err, "create", dir)
	}
	if err := volume.RandomKey(params.KeySize); err != nil {
		volume.Destroy()
		return nil, withPath(err, "create", dir)
	}
	b.advance(StateCipherResolved, "cipher", props.ID().String(), "keySize", params.KeySize)

	cfg, err := b.wrapNew(volume, props, params)
	if err != nil {
		volume.Destroy()
		return nil, err
	}
	b.advance(StateKeyUnwrapped, "kdf", cfg.Key.KDF.String(), "iterations", cfg.Key.Iterations)

	data, err := EncodeConfig(cfg)
	if err != nil {
		volume.Destroy()
		return nil, err
	}
	if err := store.WriteAll(b.configPath, data); err != nil {
		volume.Destroy()
		return nil, wrapError(KindIOFailure, "create", b.configPath, err)
	}

	b.advance(StateReady)
	b.log.Info("volume created", "cipher", props.ID().String(), "keySize", cfg.KeySize, "volumeID", cfg.VolumeID)
	return b.root(volume, cfg), nil
}

func (b *bootstrap) wrapNew(volume StreamCipher, props CipherProperties, params VolumeParams) (*Configuration, error) {
	pass, err := b.passphrase(PromptNew)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(pass)

	wk, err := wrapVolumeKey(b.reg, volume, pass, params.KDF, rand.Reader, b.log)
	if err != nil {
		return nil, withPath(err, "create", b.opts.RootDir)
	}
	return &Configuration{
		Format:             FormatNewest,
		Creator:            CreatorName,
		SubVersion:         CurrentSubVersion,
		VolumeID:           uuid.New(),
		Cipher:             props.ID(),
		KeySize:            params.KeySize,
		BlockSize:          params.BlockSize,
		Key:                wk,
		UniqueIV:           params.UniqueIV,
		ChainedNameIV:      params.ChainedNameIV,
		ExternalIVChaining: params.ExternalIVChaining,
		BlockMACBytes:      params.BlockMACBytes,
		BlockMACRandBytes:  params.BlockMACRandBytes,
		AllowHoles:         params.AllowHoles,
	}, nil
}

// Open bootstraps an existing volume.
func Open(opts Options) (*Root, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return newBootstrap(&opts, "open").open()
}

func (b *bootstrap) open() (*Root, error) {
	data, err := b.opts.Storage.ReadAll(b.configPath)
	if err != nil {
		return nil, wrapError(KindIOFailure, "open", b.configPath, err)
	}
	cfg, err := DecodeConfig(data)
	if err != nil {
		return nil, withPath(err, "open", b.configPath)
	}
	b.advance(StateConfigResolved, "format", cfg.Format.String(), "subVersion", cfg.SubVersion)

	props, err := resolveCipher(b.reg, cfg)
	if err != nil {
		return nil, withPath(err, "open", b.configPath)
	}
	b.advance(StateCipherResolved, "cipher", cfg.Cipher.String(), "keySize", cfg.KeySize)

	volume, err := b.unwrap(props, cfg)
	if err != nil {
		return nil, err
	}
	b.advance(StateKeyUnwrapped)

	root := b.root(volume, cfg)
	if b.opts.CheckKey {
		if err := checkKey(volume); err != nil {
			if !b.opts.ForceDecode {
				volume.Destroy()
				return nil, &Error{Kind: KindKeyCheckFailed, Op: "open", Path: b.opts.RootDir, Err: err}
			}
			b.log.Warn("key check failed, continuing because force decode is set", "error", err)
			root.forced = true
		}
	}

	b.advance(StateReady)
	b.log.Info("volume opened", "format", cfg.Format.String(), "cipher", cfg.Cipher.String(), "forced", root.forced)
	return root, nil
}

// resolveCipher finds the registered cipher a configuration names and
// checks that the recorded interface and key size are usable.
func resolveCipher(reg *Registry, cfg *Configuration) (CipherProperties, error) {
	props, err := reg.Find(cfg.Cipher.Cipher, cfg.Cipher.Mode)
	if err != nil {
		return CipherProperties{}, err
	}
	if props.Version.Major != cfg.Cipher.Major {
		return CipherProperties{}, newError(KindUnknownCipher, "find", "",
			fmt.Sprintf("volume needs %s interface %d, registered implementation is %d.%d",
				cfg.Cipher.Cipher+"/"+cfg.Cipher.Mode, cfg.Cipher.Major, props.Version.Major, props.Version.Minor))
	}
	if !props.KeySize.Allowed(cfg.KeySize) {
		return CipherProperties{}, newError(KindInvalidKeySize, "find", "",
			fmt.Sprintf("%d bits outside %s", cfg.KeySize, props.KeySize))
	}
	return props, nil
}

func (b *bootstrap) unwrap(props CipherProperties, cfg *Configuration) (StreamCipher, error) {
	pass, err := b.passphrase(PromptExisting)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(pass)

	volume, err := UnwrapVolumeKey(b.reg, props, cfg.KeySize, cfg.Key, pass)
	if err != nil {
		if IsBadPassphrase(err) {
			return nil, badPassphrase("open", b.configPath)
		}
		return nil, withPath(err, "open", b.configPath)
	}
	return volume, nil
}

// checkKey encrypts and decrypts a random probe with a random IV.
func checkKey(c StreamCipher) error {
	buf := make([]byte, 2*keyCheckProbeSize+c.IVSize())
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return wrapError(KindRandomSource, "key check", "", err)
	}
	probe := buf[:keyCheckProbeSize]
	iv := buf[keyCheckProbeSize : keyCheckProbeSize+c.IVSize()]
	sealed := make([]byte, keyCheckProbeSize)
	opened := buf[keyCheckProbeSize+c.IVSize():]

	if err := c.Encrypt(iv, probe, sealed); err != nil {
		return err
	}
	if err := c.Decrypt(iv, sealed, opened); err != nil {
		return err
	}
	if !bytes.Equal(probe, opened) {
		return errors.New("probe did not survive an encrypt/decrypt round trip")
	}
	return nil
}

// Init opens the volume in opts.RootDir, creating it first when no
// configuration exists and CreateIfNotFound is set.
func Init(opts Options) (*Root, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cfgPath := ConfigPath(opts.RootDir)
	exists, err := opts.Storage.Exists(cfgPath)
	if err != nil {
		return nil, wrapError(KindIOFailure, "init", cfgPath, err)
	}
	if exists {
		return newBootstrap(&opts, "open").open()
	}
	if !opts.CreateIfNotFound {
		return nil, &Error{Kind: KindIOFailure, Op: "init", Path: cfgPath, Message: "no volume configuration", Err: fs.ErrNotExist}
	}
	return newBootstrap(&opts, "create").create()
}
