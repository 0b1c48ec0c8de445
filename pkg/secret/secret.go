// Package secret resolves opaque credential references. Provider
// configuration carries references, never raw secrets; the engine
// resolves a reference at run start and again during job recovery so a
// revoked credential is noticed between submission and completion.
package secret

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound is returned when a reference resolves to nothing.
var ErrNotFound = errors.New("secret not found")

// Store resolves an opaque reference to a credential.
type Store interface {
	Resolve(ref string) (string, error)
}

// EnvStore resolves "env:NAME" references from the process environment.
type EnvStore struct{}

// Resolve returns the value of the named environment variable.
func (EnvStore) Resolve(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok {
		return "", fmt.Errorf("%w: not an env reference: %s", ErrNotFound, ref)
	}

	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %s is unset", ErrNotFound, name)
	}

	return value, nil
}

// Chain tries each store in order and returns the first hit.
type Chain []Store

// Resolve walks the chain. Only ErrNotFound falls through to the next
// store; any other failure stops the walk.
func (c Chain) Resolve(ref string) (string, error) {
	for _, s := range c {
		value, err := s.Resolve(ref)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
}
