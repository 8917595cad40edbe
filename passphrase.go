package encfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// PromptKind tells a PassphraseSource why a passphrase is needed.
type PromptKind uint8

const (
	// PromptExisting asks for the passphrase of an existing volume
	PromptExisting PromptKind = iota
	// PromptNew asks for a passphrase for a new or re-keyed volume
	PromptNew
)

func (k PromptKind) String() string {
	if k == PromptNew {
		return "new"
	}
	return "existing"
}

// PassphraseSource supplies passphrases. Implementations return an error of
// KindCancelled when the user backs out. The caller wipes the returned
// slice.
type PassphraseSource interface {
	ReadPassphrase(kind PromptKind) ([]byte, error)
}

// StaticPassphrase always returns the same passphrase.
type StaticPassphrase []byte

func (p StaticPassphrase) ReadPassphrase(PromptKind) ([]byte, error) {
	return bytes.Clone(p), nil
}

// EnvPassphrase reads the passphrase from an environment variable.
type EnvPassphrase struct {
	Name string
}

func (e EnvPassphrase) ReadPassphrase(PromptKind) ([]byte, error) {
	v, ok := os.LookupEnv(e.Name)
	if !ok {
		return nil, newError(KindCancelled, "read passphrase", "",
			fmt.Sprintf("environment variable %s not set", e.Name))
	}
	return []byte(v), nil
}

// TerminalPassphrase prompts on a terminal without echo. New passphrases are
// asked for twice.
type TerminalPassphrase struct {
	Fd  int
	Out io.Writer

	readPassword func(fd int) ([]byte, error)
}

// NewTerminalPassphrase prompts on standard error and reads standard input.
func NewTerminalPassphrase() *TerminalPassphrase {
	return &TerminalPassphrase{
		Fd:           int(os.Stdin.Fd()),
		Out:          os.Stderr,
		readPassword: term.ReadPassword,
	}
}

func (t *TerminalPassphrase) prompt(label string) ([]byte, error) {
	fmt.Fprint(t.Out, label)
	read := t.readPassword
	if read == nil {
		read = term.ReadPassword
	}
	p, err := read(t.Fd)
	fmt.Fprintln(t.Out)
	if err != nil {
		return nil, wrapError(KindCancelled, "read passphrase", "", err)
	}
	return p, nil
}

func (t *TerminalPassphrase) ReadPassphrase(kind PromptKind) ([]byte, error) {
	if kind != PromptNew {
		return t.prompt("EncFS Password: ")
	}
	p, err := t.prompt("New Encfs Password: ")
	if err != nil {
		return nil, err
	}
	verify, err := t.prompt("Verify Encfs Password: ")
	if err != nil {
		memguard.WipeBytes(p)
		return nil, err
	}
	defer memguard.WipeBytes(verify)
	if !bytes.Equal(p, verify) {
		memguard.WipeBytes(p)
		return nil, newError(KindCancelled, "read passphrase", "", "passphrases did not match")
	}
	return p, nil
}

// KeyringPassphrase reads the passphrase from the OS keyring.
type KeyringPassphrase struct {
	Service string
	User    string
}

func (k KeyringPassphrase) ReadPassphrase(PromptKind) ([]byte, error) {
	secret, err := keyring.Get(k.Service, k.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, &Error{Kind: KindCancelled, Op: "read passphrase",
				Message: fmt.Sprintf("no keyring entry for %s/%s", k.Service, k.User), Err: err}
		}
		return nil, wrapError(KindCancelled, "read passphrase", "", err)
	}
	return []byte(secret), nil
}

// Save stores passphrase in the keyring, replacing any previous entry.
func (k KeyringPassphrase) Save(passphrase []byte) error {
	return keyring.Set(k.Service, k.User, string(passphrase))
}

// Forget removes the keyring entry. A missing entry is not an error.
func (k KeyringPassphrase) Forget() error {
	if err := keyring.Delete(k.Service, k.User); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}
