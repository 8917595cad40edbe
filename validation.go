package encfs

import (
	"fmt"
)

// Input validation helpers

// ValidateSize checks if a size parameter is within [minSize, maxSize]. A
// maxSize of 0 means unbounded.
func ValidateSize(size int, name string, minSize, maxSize int) error {
	if size < 0 {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: "size cannot be negative",
		}
	}
	if minSize >= 0 && size < minSize {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("size too small: got %d, minimum is %d", size, minSize),
		}
	}
	if maxSize > 0 && size > maxSize {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("size too large: got %d, maximum is %d", size, maxSize),
		}
	}
	return nil
}

// ValidateMultiple checks that size is a positive multiple of unit
func ValidateMultiple(size, unit int, name string) error {
	if size <= 0 || size%unit != 0 {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("must be a positive multiple of %d", unit),
		}
	}
	return nil
}

// ValidateFilePath checks if a file path is valid (not empty)
func ValidateFilePath(path string) error {
	if path == "" {
		return &ValidationError{
			Field:   "path",
			Message: "file path cannot be empty",
		}
	}
	return nil
}

// ValidatePassphrase rejects empty passphrases
func ValidatePassphrase(passphrase []byte) error {
	if len(passphrase) == 0 {
		return &ValidationError{
			Field:   "passphrase",
			Message: "passphrase cannot be empty",
		}
	}
	return nil
}
