package pharmacy

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when no principal could be resolved.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when the principal lacks the required role or ownership.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned when a referenced record does not exist or does
	// not belong to the claimed owner.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for structurally invalid input, including a
	// bad status for the requested transition.
	ErrValidation = errors.New("validation failed")
	// ErrRefillsExhausted is returned when refill_count is already at the limit.
	ErrRefillsExhausted = errors.New("refills exhausted")
	// ErrConflict is returned when a concurrent writer invalidated the
	// quantities this operation read.
	ErrConflict = errors.New("concurrent modification")
	// ErrInternal wraps store/collaborator failures. The raw cause is kept for
	// logging; callers see only a generic message.
	ErrInternal = errors.New("internal error")
)

// RefillsExhaustedError reports how many refills were consumed against the limit.
type RefillsExhaustedError struct {
	RefillsUsed int
	RefillLimit int
}

func (e *RefillsExhaustedError) Error() string {
	return fmt.Sprintf("refills exhausted: %d of %d used", e.RefillsUsed, e.RefillLimit)
}

func (e *RefillsExhaustedError) Unwrap() error {
	return ErrRefillsExhausted
}

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func internalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

// storeErr passes taxonomy errors through and wraps everything else as an
// internal failure so raw store errors never reach callers.
func storeErr(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}
