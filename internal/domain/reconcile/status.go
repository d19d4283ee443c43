package reconcile

import (
	"strings"

	"finlink/internal/domain/consent"
)

// externalStatuses maps aggregator consent statuses onto ours.
var externalStatuses = map[string]consent.Status{
	"REQUESTED": consent.StatusPending,
	"PENDING":   consent.StatusPending,
	"READY":     consent.StatusPending,
	"ACTIVE":    consent.StatusActive,
	"APPROVED":  consent.StatusActive,
	"REJECTED":  consent.StatusRevoked,
	"DENIED":    consent.StatusRevoked,
	"REVOKED":   consent.StatusRevoked,
	"FAILED":    consent.StatusRevoked,
	"EXPIRED":   consent.StatusExpired,
	"PAUSED":    consent.StatusPaused,
}

// MapExternalStatus translates an aggregator status. ok is false for
// statuses we do not recognise.
func MapExternalStatus(s string) (status consent.Status, ok bool) {
	status, ok = externalStatuses[strings.ToUpper(strings.TrimSpace(s))]
	return status, ok
}
