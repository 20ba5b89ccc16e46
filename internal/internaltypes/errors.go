// Package internaltypes holds the sentinel errors shared by stores, lookups and the API.
package internaltypes

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Invalid wraps a validation message so callers can test it with errors.Is(err, ErrInvalidInput).
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
