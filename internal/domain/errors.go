package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, the services and the transport layer.
var (
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("service unavailable")
)

// Errorf wraps kind with a formatted message.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Infrastructure passes taxonomy errors through and wraps anything else as ErrUnavailable.
func Infrastructure(err error) error {
	if err == nil || IsKnown(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// IsKnown reports whether err already belongs to the taxonomy.
func IsKnown(err error) bool {
	for _, kind := range []error{ErrNotFound, ErrForbidden, ErrConflict, ErrValidation, ErrUnavailable} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
