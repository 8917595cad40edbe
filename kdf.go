package encfs

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the length of a freshly generated KDF salt
	SaltSize = 20

	// macKeySize is the length of the MAC key derived after the KEK bytes
	macKeySize = 32

	// Argon2id defaults when KDFParams leaves them zero
	defaultArgon2MemoryKiB   = 64 * 1024
	defaultArgon2Parallelism = 4

	// Calibration window
	calibrateMin    = 100 * time.Millisecond
	calibrateMax    = 500 * time.Millisecond
	calibrateTarget = 250 * time.Millisecond
	calibrateTrials = 8
)

// Lowest iteration counts calibration will ever pick.
var kdfFloor = map[KDFAlgorithm]int{
	KDFLegacy:   16,
	KDFPBKDF2:   1000,
	KDFArgon2id: 1,
}

// KDFParams selects how a passphrase is stretched into the key-encrypting
// key.
type KDFParams struct {
	Algorithm KDFAlgorithm

	// Iterations is the PBKDF2 or legacy round count, or the Argon2id time
	// cost. Zero means calibrate.
	Iterations int

	MemoryKiB   uint32 // Argon2id only, defaults to 64 MiB
	Parallelism uint8  // Argon2id only, defaults to 4
}

// Validate checks the parameters
func (p KDFParams) Validate() error {
	if p.Algorithm > KDFArgon2id {
		return &ValidationError{Field: "Algorithm", Value: p.Algorithm, Message: "unknown KDF algorithm"}
	}
	if p.Iterations < 0 {
		return &ValidationError{Field: "Iterations", Value: p.Iterations, Message: "must be non-negative"}
	}
	if p.Iterations > math.MaxInt32 {
		return &ValidationError{Field: "Iterations", Value: p.Iterations, Message: "exceeds 2^31-1"}
	}
	return nil
}

func (p KDFParams) withDefaults() KDFParams {
	if p.Algorithm == KDFArgon2id {
		if p.MemoryKiB == 0 {
			p.MemoryKiB = defaultArgon2MemoryKiB
		}
		if p.Parallelism == 0 {
			p.Parallelism = defaultArgon2Parallelism
		}
	}
	return p
}

// deriveMaterial stretches passphrase into n bytes using the parameters
// recorded in w.
func (w *WrappedKey) deriveMaterial(passphrase []byte, n int) ([]byte, error) {
	if w.Iterations <= 0 {
		return nil, fmt.Errorf("iteration count %d is not positive", w.Iterations)
	}
	switch w.KDF {
	case KDFLegacy:
		return bytesToKey(passphrase, w.Iterations, n), nil
	case KDFPBKDF2:
		if len(w.Salt) == 0 {
			return nil, fmt.Errorf("pbkdf2 requires a salt")
		}
		return pbkdf2.Key(passphrase, w.Salt, w.Iterations, n, sha1.New), nil
	case KDFArgon2id:
		if len(w.Salt) == 0 || w.MemoryKiB == 0 || w.Parallelism == 0 {
			return nil, fmt.Errorf("argon2id parameters are incomplete")
		}
		return argon2.IDKey(passphrase, w.Salt, uint32(w.Iterations), w.MemoryKiB, w.Parallelism, uint32(n)), nil
	default:
		return nil, fmt.Errorf("unknown KDF %d", w.KDF)
	}
}

// bytesToKey is the unsalted iterated SHA-1 derivation of early volumes:
// each block hashes the previous block and the passphrase, then rehashes
// the digest iterations-1 more times.
func bytesToKey(passphrase []byte, iterations, n int) []byte {
	out := make([]byte, 0, n+sha1.Size)
	var prev []byte
	for len(out) < n {
		h := sha1.New()
		h.Write(prev)
		h.Write(passphrase)
		digest := h.Sum(nil)
		for i := 1; i < iterations; i++ {
			sum := sha1.Sum(digest)
			copy(digest, sum[:])
		}
		out = append(out, digest...)
		prev = digest
	}
	memguard.WipeBytes(out[n:])
	return out[:n]
}

// deriveTrial runs one calibration derivation. Tests replace it.
var deriveTrial = (*WrappedKey).deriveMaterial

// CalibrateKDF times trial derivations and returns an iteration count whose
// cost lands between 100ms and 500ms, aiming for 250ms. keyLen is the volume
// key length in bytes; trials derive as much material as a wrap does.
func CalibrateKDF(params KDFParams, keyLen int, logger *slog.Logger) int {
	if logger == nil {
		logger = discardLogger()
	}
	params = params.withDefaults()
	outLen := keyLen + macKeySize
	passphrase := []byte("calibration passphrase")
	salt := make([]byte, SaltSize)
	trial := func(iterations int) time.Duration {
		w := WrappedKey{
			KDF:         params.Algorithm,
			Salt:        salt,
			Iterations:  iterations,
			MemoryKiB:   params.MemoryKiB,
			Parallelism: params.Parallelism,
		}
		start := time.Now()
		material, err := deriveTrial(&w, passphrase, outLen)
		elapsed := time.Since(start)
		if err == nil {
			memguard.WipeBytes(material)
		}
		return elapsed
	}
	return calibrate(trial, kdfFloor[params.Algorithm], logger.With("kdf", params.Algorithm.String()))
}

// calibrate rescales the iteration count from each trial's duration until
// one lands in the window, giving up after calibrateTrials trials.
func calibrate(trial func(iterations int) time.Duration, floor int, logger *slog.Logger) int {
	if floor < 1 {
		floor = 1
	}
	iterations := floor
	for i := 0; i < calibrateTrials; i++ {
		elapsed := trial(iterations)
		logger.Debug("kdf calibration trial", "trial", i+1, "iterations", iterations, "elapsed", elapsed)
		if elapsed >= calibrateMin && elapsed <= calibrateMax {
			return iterations
		}

		var next float64
		if elapsed <= 0 {
			next = float64(iterations) * 10
		} else {
			next = float64(iterations) * float64(calibrateTarget) / float64(elapsed)
		}
		switch {
		case next < float64(floor):
			next = float64(floor)
		case next > math.MaxInt32:
			next = math.MaxInt32
		}
		if int(next) == iterations {
			return iterations
		}
		iterations = int(next)
	}
	return iterations
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
