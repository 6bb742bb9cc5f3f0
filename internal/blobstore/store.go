// Package blobstore is the object-storage surface tofud reads configuration
// from and writes status to. Keys are slash-separated object names.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

const maxKeyLen = 1024

var keyRegex = regexp.MustCompile(`^[a-zA-Z0-9._\-/]+$`)

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// Delete succeeds when the object is already absent.
	Delete(ctx context.Context, key string) error
	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ValidateKey rejects names that are unsafe to map onto a local path.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case len(key) > maxKeyLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, maxKeyLen)
	case !keyRegex.MatchString(key):
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidKey, key)
	case strings.HasPrefix(key, "/"), strings.Contains(key, "//"):
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q contains a relative segment", ErrInvalidKey, key)
		}
	}
	return nil
}

// DeletePrefix removes every object under prefix and reports how many were
// deleted. It stops at the first failure.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", prefix, err)
	}
	for i, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return i, fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return len(keys), nil
}
