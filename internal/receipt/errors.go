package receipt

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no receipt has the requested ID
	ErrNotFound = errors.New("receipt not found")

	// ErrValidation is returned for malformed input such as an unsupported content type
	ErrValidation = errors.New("validation failed")

	// ErrStorage wraps failures of the underlying record store
	ErrStorage = errors.New("storage failure")
)

func notFound(id int64) error {
	return fmt.Errorf("%w: %d", ErrNotFound, id)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
