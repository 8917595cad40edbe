package encfs

import (
	"errors"
	"fmt"
)

// Kind is a stable category for programmatic error handling. Callers should
// branch on Kind (or errors.Is against the sentinels below) rather than on
// error strings.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindUnreadableConfig means no configuration decoder accepted the blob.
	KindUnreadableConfig
	// KindCorruptConfig means a decoder accepted the blob but it is malformed.
	KindCorruptConfig
	// KindUnknownCipher means the named cipher is not registered.
	KindUnknownCipher
	// KindBadPassphrase covers both a wrong passphrase and a damaged key record.
	KindBadPassphrase
	// KindKeyCheckFailed means the unwrapped key failed its self test.
	KindKeyCheckFailed
	// KindAlreadyExists means a configuration is present and overwrite is off.
	KindAlreadyExists
	// KindUserDeclined means the confirmation collaborator refused creation.
	KindUserDeclined
	// KindInvalidKeySize means a key size outside the registered range.
	KindInvalidKeySize
	// KindIOFailure wraps a storage error.
	KindIOFailure
	// KindKeyLength means a key, IV or buffer has the wrong length.
	KindKeyLength
	// KindRandomSource means the secure random source failed.
	KindRandomSource
	// KindNotKeyed means a cipher was used before a key was set.
	KindNotKeyed
	// KindCancelled means the passphrase source was cancelled.
	KindCancelled
	// KindRegistry means an invalid cipher registration.
	KindRegistry
)

var kindNames = [...]string{
	KindUnknown:          "unknown error",
	KindUnreadableConfig: "unreadable config",
	KindCorruptConfig:    "corrupt config",
	KindUnknownCipher:    "unknown cipher",
	KindBadPassphrase:    "bad passphrase",
	KindKeyCheckFailed:   "key check failed",
	KindAlreadyExists:    "already exists",
	KindUserDeclined:     "user declined",
	KindInvalidKeySize:   "invalid key size",
	KindIOFailure:        "io failure",
	KindKeyLength:        "length mismatch",
	KindRandomSource:     "random source unavailable",
	KindNotKeyed:         "cipher not keyed",
	KindCancelled:        "cancelled",
	KindRegistry:         "registry error",
}

// String returns the string representation of the kind
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown error"
}

// Error is the structured error returned by every operation in this package.
type Error struct {
	Kind    Kind   // Error category
	Op      string // Operation, e.g. "open", "decode", "unwrap"
	Path    string // Path involved, if any
	Message string // Human-readable detail, do not match on it
	Err     error  // Underlying error, if any
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, which lets the
// exported sentinels be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is. Only the Kind is compared.
var (
	ErrUnreadableConfig = &Error{Kind: KindUnreadableConfig}
	ErrCorruptConfig    = &Error{Kind: KindCorruptConfig}
	ErrUnknownCipher    = &Error{Kind: KindUnknownCipher}
	ErrBadPassphrase    = &Error{Kind: KindBadPassphrase}
	ErrKeyCheckFailed   = &Error{Kind: KindKeyCheckFailed}
	ErrAlreadyExists    = &Error{Kind: KindAlreadyExists}
	ErrUserDeclined     = &Error{Kind: KindUserDeclined}
	ErrInvalidKeySize   = &Error{Kind: KindInvalidKeySize}
	ErrIOFailure        = &Error{Kind: KindIOFailure}
	ErrKeyLength        = &Error{Kind: KindKeyLength}
	ErrRandomSource     = &Error{Kind: KindRandomSource}
	ErrNotKeyed         = &Error{Kind: KindNotKeyed}
	ErrCancelled        = &Error{Kind: KindCancelled}
	ErrRegistry         = &Error{Kind: KindRegistry}
)

// ErrNotSupported is returned by Storage for operations the base
// filesystem cannot perform.
var ErrNotSupported = errors.New("operation not supported by base filesystem")

// ErrNoAttribute is returned when an extended attribute does not exist.
var ErrNoAttribute = errors.New("no such attribute")

func newError(kind Kind, op, path, msg string) error {
	return &Error{Kind: kind, Op: op, Path: path, Message: msg}
}

func wrapError(kind Kind, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// badPassphrase does not say which verification step failed.
func badPassphrase(op, path string) error {
	return &Error{
		Kind:    KindBadPassphrase,
		Op:      op,
		Path:    path,
		Message: "passphrase incorrect or key record damaged",
	}
}

// KindOf returns the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ValidationError represents an options or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsBadPassphrase checks if an error is a passphrase/key record failure
func IsBadPassphrase(err error) bool {
	return KindOf(err) == KindBadPassphrase
}

// IsCorruptConfig checks if an error reports a malformed configuration
func IsCorruptConfig(err error) bool {
	return KindOf(err) == KindCorruptConfig
}

// IsIOFailure checks if an error wraps a storage failure
func IsIOFailure(err error) bool {
	return KindOf(err) == KindIOFailure
}
