package fetch

import (
	"errors"
	"fmt"

	"finlink/internal/domain/consent"
)

var (
	ErrConsentNotActive = errors.New("consent is not active")
	ErrInvalidRequest   = errors.New("invalid fetch request")
	ErrNotRetryable     = errors.New("batch cannot be retried")
)

// ConsentNotActiveError rejects a fetch against a consent that is not
// ACTIVE at call time.
type ConsentNotActiveError struct {
	ConsentID string
	Status    consent.Status
}

func (e *ConsentNotActiveError) Error() string {
	return fmt.Sprintf("consent %s is %s, not ACTIVE", e.ConsentID, e.Status)
}

func (e *ConsentNotActiveError) Is(target error) bool { return target == ErrConsentNotActive }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
