package encfs

import (
	"fmt"
	"sort"
	"sync"
)

// KeySizeRange describes the key sizes, in bits, a cipher accepts.
// A zero Step means every multiple of 8 between Min and Max.
type KeySizeRange struct {
	Min     int
	Max     int
	Step    int
	Default int
}

// Allowed reports whether bits is an acceptable key size.
func (r KeySizeRange) Allowed(bits int) bool {
	if bits <= 0 || bits%8 != 0 || bits < r.Min || bits > r.Max {
		return false
	}
	if r.Step > 0 && (bits-r.Min)%r.Step != 0 {
		return false
	}
	return true
}

// Closest returns the allowed size nearest to bits, rounding down.
func (r KeySizeRange) Closest(bits int) int {
	if bits <= r.Min {
		return r.Min
	}
	if bits >= r.Max {
		return r.Max
	}
	step := r.Step
	if step <= 0 {
		step = 8
	}
	return r.Min + (bits-r.Min)/step*step
}

func (r KeySizeRange) String() string {
	if r.Min == r.Max {
		return fmt.Sprintf("%d bits", r.Min)
	}
	return fmt.Sprintf("%d-%d bits (step %d, default %d)", r.Min, r.Max, r.Step, r.Default)
}

// InterfaceVersion is the revision of a cipher implementation. Volumes
// record it so a later, incompatible implementation can be refused.
type InterfaceVersion struct {
	Major int
	Minor int
}

// CipherProperties describes a registered cipher implementation. Cipher and
// Mode are persisted in every volume configuration and must never change.
type CipherProperties struct {
	KeySize  KeySizeRange
	Cipher   string
	Mode     string
	Provider string
	Version  InterfaceVersion
}

// ID returns the interface id recorded in a configuration for this cipher.
func (p CipherProperties) ID() CipherID {
	return CipherID{Cipher: p.Cipher, Mode: p.Mode, Major: p.Version.Major, Minor: p.Version.Minor}
}

func (p CipherProperties) String() string {
	return fmt.Sprintf("%s/%s (%s, %s)", p.Cipher, p.Mode, p.Provider, p.KeySize)
}

// CipherFactory builds an unkeyed cipher for a key of keyBits bits.
type CipherFactory func(props CipherProperties, keyBits int) (StreamCipher, error)

type cipherName struct {
	cipher string
	mode   string
}

type registryEntry struct {
	props   CipherProperties
	factory CipherFactory
}

// Registry catalogs cipher implementations. Registration happens before the
// first lookup; the first Find, Instantiate or Ciphers call freezes it and
// all later lookups are lock-free reads.
type Registry struct {
	mu      sync.Mutex
	once    sync.Once
	frozen  bool
	entries map[cipherName]registryEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[cipherName]registryEntry)}
}

// Register adds a cipher implementation.
func (r *Registry) Register(props CipherProperties, factory CipherFactory) error {
	if props.Cipher == "" || props.Mode == "" {
		return newError(KindRegistry, "register", "", "cipher and mode names are required")
	}
	if factory == nil {
		return newError(KindRegistry, "register", "", "factory cannot be nil")
	}
	ks := props.KeySize
	if ks.Min <= 0 || ks.Min > ks.Max || !ks.Allowed(ks.Default) {
		return newError(KindRegistry, "register", "",
			fmt.Sprintf("%s/%s: invalid key size range %s", props.Cipher, props.Mode, ks))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return newError(KindRegistry, "register", "", "registry is frozen after first lookup")
	}
	name := cipherName{props.Cipher, props.Mode}
	if _, dup := r.entries[name]; dup {
		return newError(KindRegistry, "register", "",
			fmt.Sprintf("%s/%s already registered", props.Cipher, props.Mode))
	}
	r.entries[name] = registryEntry{props: props, factory: factory}
	return nil
}

func (r *Registry) freeze() {
	r.once.Do(func() {
		r.mu.Lock()
		r.frozen = true
		r.mu.Unlock()
	})
}

// Find looks up a cipher by exact, case-sensitive name and mode.
func (r *Registry) Find(cipher, mode string) (CipherProperties, error) {
	r.freeze()
	e, ok := r.entries[cipherName{cipher, mode}]
	if !ok {
		return CipherProperties{}, newError(KindUnknownCipher, "find", "",
			fmt.Sprintf("no cipher registered as %q mode %q", cipher, mode))
	}
	return e.props, nil
}

// Instantiate creates an unkeyed cipher for a key of keyBits bits.
func (r *Registry) Instantiate(props CipherProperties, keyBits int) (StreamCipher, error) {
	r.freeze()
	e, ok := r.entries[cipherName{props.Cipher, props.Mode}]
	if !ok {
		return nil, newError(KindUnknownCipher, "instantiate", "",
			fmt.Sprintf("no cipher registered as %q mode %q", props.Cipher, props.Mode))
	}
	if !e.props.KeySize.Allowed(keyBits) {
		return nil, newError(KindInvalidKeySize, "instantiate", "",
			fmt.Sprintf("%d bits outside %s for %s/%s", keyBits, e.props.KeySize, props.Cipher, props.Mode))
	}
	return e.factory(e.props, keyBits)
}

// Ciphers lists the registered ciphers ordered by name and mode.
func (r *Registry) Ciphers() []CipherProperties {
	r.freeze()
	out := make([]CipherProperties, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.props)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cipher != out[j].Cipher {
			return out[i].Cipher < out[j].Cipher
		}
		return out[i].Mode < out[j].Mode
	})
	return out
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry returns the process-wide registry holding the built-in
// ciphers. Built-ins are registered exactly once, on first use.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		if err := registerBuiltins(defaultRegistry); err != nil {
			panic(err)
		}
	})
	return defaultRegistry
}

// Register adds a cipher to the default registry. It must be called before
// any volume is created or opened.
func Register(props CipherProperties, factory CipherFactory) error {
	return DefaultRegistry().Register(props, factory)
}

// Find looks up a cipher in the default registry.
func Find(cipher, mode string) (CipherProperties, error) {
	return DefaultRegistry().Find(cipher, mode)
}

// Instantiate creates a cipher from the default registry.
func Instantiate(props CipherProperties, keyBits int) (StreamCipher, error) {
	return DefaultRegistry().Instantiate(props, keyBits)
}

// Ciphers lists the ciphers in the default registry.
func Ciphers() []CipherProperties {
	return DefaultRegistry().Ciphers()
}
