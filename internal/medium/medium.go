// Package medium provides the byte-level key/value persistence backends the
// storage layer is built on.
package medium

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotDirectory means a regular file occupies the path a FileSystem
	// medium expects to be its root directory.
	ErrNotDirectory = errors.New("medium: root path exists and is not a directory")
	// ErrInvalidKey is returned for keys that cannot be stored safely.
	ErrInvalidKey = errors.New("medium: invalid key")
	// ErrDecrypt is returned when a Secure medium cannot open a sealed value.
	ErrDecrypt = errors.New("medium: value could not be decrypted")
)

// Medium is the primitive persistence contract. Read returns (nil, nil)
// for missing keys, and Delete of a missing key is not an error.
type Medium interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Lister is implemented by mediums that can enumerate their keys.
type Lister interface {
	Keys(ctx context.Context) ([]string, error)
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." ||
		strings.HasPrefix(key, ".") ||
		strings.ContainsAny(key, `/\`) ||
		strings.ContainsRune(key, 0) {
		return ErrInvalidKey
	}
	return nil
}
