package encfs

import (
	"errors"
	"log/slog"
)

// ConfigMode selects how a new volume's parameters are chosen
type ConfigMode uint8

const (
	// ConfigPrompt lets a ParamChooser pick, starting from the standard set
	ConfigPrompt ConfigMode = iota
	// ConfigStandard uses AES-192 with PBKDF2
	ConfigStandard
	// ConfigParanoia uses AES-256, external IV chaining, block MACs and Argon2id
	ConfigParanoia
)

// String returns the string representation of the mode
func (m ConfigMode) String() string {
	switch m {
	case ConfigPrompt:
		return "prompt"
	case ConfigStandard:
		return "standard"
	case ConfigParanoia:
		return "paranoia"
	default:
		return "unknown"
	}
}

// Confirmer approves creating a missing root directory.
type Confirmer interface {
	ConfirmCreate(dir string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(dir string) bool

func (f ConfirmFunc) ConfirmCreate(dir string) bool { return f(dir) }

// ParamChooser picks the parameters of a new volume in ConfigPrompt mode.
// It receives the standard parameters and the registry to choose from.
type ParamChooser interface {
	ChooseParams(defaults VolumeParams, reg *Registry) (VolumeParams, error)
}

// ChooserFunc adapts a function to ParamChooser.
type ChooserFunc func(defaults VolumeParams, reg *Registry) (VolumeParams, error)

func (f ChooserFunc) ChooseParams(defaults VolumeParams, reg *Registry) (VolumeParams, error) {
	return f(defaults, reg)
}

// Options controls volume bootstrap
type Options struct {
	// RootDir is the volume's root directory in Storage
	RootDir string

	// Storage holds the root directory and the configuration blob
	Storage Storage

	// Passphrase supplies the volume passphrase
	Passphrase PassphraseSource

	// CreateIfNotFound lets Init create a volume when none exists
	CreateIfNotFound bool

	// CheckKey runs an encrypt/decrypt self test after unwrapping
	CheckKey bool

	// ForceDecode continues past a failed key check
	ForceDecode bool

	// ReverseEncryption is passed through to the root binding only
	ReverseEncryption bool

	// ConfigMode selects new volume parameters
	ConfigMode ConfigMode

	// Overwrite allows Create to replace an existing configuration
	Overwrite bool

	// Confirmer approves creating a missing root directory. Nil declines.
	Confirmer Confirmer

	// Chooser picks parameters in ConfigPrompt mode. Nil keeps the standard set.
	Chooser ParamChooser

	// KDFIterations overrides calibration when non-zero
	KDFIterations int

	// Registry resolves ciphers. Nil means DefaultRegistry.
	Registry *Registry

	// Logger receives bootstrap events. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions returns options with key checking on, creation allowed
// and the prompt mode selected.
func DefaultOptions() Options {
	return Options{
		CreateIfNotFound: true,
		CheckKey:         true,
		ConfigMode:       ConfigPrompt,
	}
}

// Validate checks if the options are usable
func (o *Options) Validate() error {
	if o == nil {
		return errors.New("options cannot be nil")
	}
	if err := ValidateFilePath(o.RootDir); err != nil {
		return err
	}
	if o.Storage == nil {
		return &ValidationError{Field: "Storage", Message: "storage cannot be nil"}
	}
	if o.Passphrase == nil {
		return &ValidationError{Field: "Passphrase", Message: "passphrase source cannot be nil"}
	}
	if o.ConfigMode > ConfigParanoia {
		return &ValidationError{Field: "ConfigMode", Value: o.ConfigMode, Message: "unknown configuration mode"}
	}
	if o.KDFIterations < 0 {
		return &ValidationError{Field: "KDFIterations", Value: o.KDFIterations, Message: "must be non-negative"}
	}
	return nil
}

func (o *Options) registry() *Registry {
	if o.Registry != nil {
		return o.Registry
	}
	return DefaultRegistry()
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return discardLogger()
}
