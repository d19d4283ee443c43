package consent

import (
	"errors"
	"fmt"
)

var (
	ErrConsentNotFound   = errors.New("consent not found")
	ErrIllegalTransition = errors.New("illegal consent transition")
	ErrInvalidConsent    = errors.New("invalid consent")
	ErrCorruptLog        = errors.New("consent event log is inconsistent")
)

// ValidationError rejects a malformed create request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid consent: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidConsent }

// IllegalTransitionError names the rejected edge.
type IllegalTransitionError struct {
	ConsentID string
	From      Status
	To        Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("consent %s: illegal transition %s -> %s", e.ConsentID, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }
